// Package recurrence expands recurring events into concrete instances over a
// UTC window.
package recurrence

import (
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"arklowdun/internal/ark"
)

// supportedParts are the RRULE parts the expander understands.
var supportedParts = map[string]bool{
	"FREQ":       true,
	"INTERVAL":   true,
	"COUNT":      true,
	"UNTIL":      true,
	"WKST":       true,
	"BYSETPOS":   true,
	"BYMONTH":    true,
	"BYMONTHDAY": true,
	"BYYEARDAY":  true,
	"BYWEEKNO":   true,
	"BYDAY":      true,
	"BYHOUR":     true,
	"BYMINUTE":   true,
	"BYSECOND":   true,
}

// parseRule parses a stored RRULE value. Malformed text fails with
// E_RRULE_PARSE; well-formed rules using parts outside supportedParts, or
// combining COUNT with UNTIL, fail with E_RRULE_UNSUPPORTED_FIELD.
func parseRule(raw string) (*rrule.ROption, error) {
	s := strings.TrimSpace(raw)
	if len(s) >= 6 && strings.EqualFold(s[:6], "RRULE:") {
		s = s[6:]
	}
	if s == "" {
		return nil, ark.New(ark.CodeRRuleParse, "recurrence rule is empty")
	}

	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" || value == "" {
			return nil, ark.Newf(ark.CodeRRuleParse, "malformed recurrence rule part %q", part).With("rrule", raw)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		if !supportedParts[key] {
			return nil, ark.Newf(ark.CodeRRuleUnsupportedField, "recurrence rule part %s is not supported", key).
				With("rrule", raw).With("field", key)
		}
		seen[key] = true
	}
	if seen["COUNT"] && seen["UNTIL"] {
		return nil, ark.New(ark.CodeRRuleUnsupportedField, "recurrence rule cannot combine COUNT and UNTIL").
			With("rrule", raw).With("field", "UNTIL")
	}

	opt, err := rrule.StrToROption(s)
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeRRuleParse, "invalid recurrence rule").With("rrule", raw)
	}
	return opt, nil
}

// newWallRule builds a rule that iterates naive wall clocks starting at
// wallStart. UNTIL is an instant, so it is moved onto loc's wall clock.
func newWallRule(opt rrule.ROption, wallStart time.Time, loc *time.Location) (*rrule.RRule, error) {
	opt.Dtstart = ark.WallClock(wallStart)
	if !opt.Until.IsZero() {
		opt.Until = ark.WallClock(opt.Until.In(loc))
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeRRuleUnsupportedField, "recurrence rule cannot be expanded")
	}
	return r, nil
}

// parseExdates reads a comma-separated list of RFC 3339 instants. Blank and
// unparseable tokens are dropped.
func parseExdates(raw string) map[int64]bool {
	out := make(map[int64]bool)
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, tok)
		if err != nil {
			continue
		}
		out[t.UnixMilli()] = true
	}
	return out
}
