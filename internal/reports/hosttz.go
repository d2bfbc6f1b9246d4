package reports

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HostTZ describes the host zone as "<IANA name> (UTC±hh:mm)" at now.
func HostTZ(now time.Time) string {
	name := hostZoneName()
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.Local
	}
	return FormatTZ(name, now.In(loc))
}

// FormatTZ renders name with the UTC offset in effect at t.
func FormatTZ(name string, t time.Time) string {
	_, offset := t.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%s (UTC%c%02d:%02d)", name, sign, offset/3600, offset%3600/60)
}

func hostZoneName() string {
	if tz := strings.TrimPrefix(os.Getenv("TZ"), ":"); tz != "" {
		return tz
	}
	if target, err := os.Readlink("/etc/localtime"); err == nil {
		if _, after, ok := strings.Cut(filepath.ToSlash(target), "zoneinfo/"); ok && after != "" {
			return after
		}
	}
	return time.Local.String()
}
