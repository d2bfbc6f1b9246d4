// Package family manages household members along with their attached
// documents and renewal reminders.
package family

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	"arklowdun/internal/vault"
)

const (
	membersTable     = "family_members"
	attachmentsTable = "member_attachments"
	renewalsTable    = "member_renewals"
)

var mimePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9!#$&^_.+-]*/[A-Za-z0-9][A-Za-z0-9!#$&^_.+-]*$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("mime", func(fl validator.FieldLevel) bool {
		return mimePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("vault_category", func(fl validator.FieldLevel) bool {
		return vault.Category(fl.Field().String()).Valid()
	})
	return v
}

// fieldError maps the first validator failure to VALIDATION/FIELD.
func fieldError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return ark.Wrap(err, ark.CodeFieldInvalid, "invalid input")
	}
	fe := verrs[0]
	return invalidField(fe.Field(), fe.Tag(), fe.Param())
}

func invalidField(field, rule, param string) *ark.AppError {
	msg := field + " failed " + rule
	if param != "" {
		msg += "=" + param
	}
	return ark.New(ark.CodeFieldInvalid, msg).With("field", field).With("rule", rule)
}

// Options configures a Service.
type Options struct {
	Logger ark.Logger
	// AttachmentIDs generates member attachment ids. Defaults to UUIDv4.
	AttachmentIDs ark.IDGenerator
}

// Service is the family_* surface.
type Service struct {
	store    *database.Store
	logger   ark.Logger
	ids      ark.IDGenerator
	validate *validator.Validate
}

func New(store *database.Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = ark.NewNopLogger()
	}
	if opts.AttachmentIDs == nil {
		opts.AttachmentIDs = ark.UUIDv4Generator{}
	}
	return &Service{
		store:    store,
		logger:   opts.Logger,
		ids:      opts.AttachmentIDs,
		validate: newValidator(),
	}
}

func setIf[T any](row database.Row, key string, v *T) {
	if v != nil {
		row[key] = *v
	}
}
