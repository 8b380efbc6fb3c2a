// Package validation holds the request validation rules shared by the HTTP
// handlers and services: email, password policy, tenant slug, roles, plans
// and phone numbers. Failures convert to apperr InputInvalid errors.
package validation

import (
	"errors"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/db/models"
)

// MaxPasswordBytes is the bcrypt input limit
const MaxPasswordBytes = 72

// DefaultPhoneRegion is used for numbers written without a country code
const DefaultPhoneRegion = "BR"

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Email is the rule set for an email address
var Email = []validation.Rule{
	validation.Required,
	validation.Length(3, 255),
	is.Email,
}

// Slug validates a tenant slug
var Slug = []validation.Rule{
	validation.Required,
	validation.Length(2, 100),
	validation.Match(slugPattern).Error("must contain lowercase letters, digits and single hyphens"),
}

// Color validates a #rrggbb branding color
var Color = validation.Match(colorPattern).Error("must be a #rrggbb color")

// Plan validates a subscription plan name
var Plan = validation.In(stringsToIface(models.ValidPlans())...).Error("must be one of free, basic, professional, enterprise")

func stringsToIface(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// Password returns the password policy rule: at least minLen characters,
// at most 72 bytes, and not only whitespace
func Password(minLen int) validation.Rule {
	return validation.By(func(value interface{}) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		if strings.TrimSpace(s) == "" {
			return errors.New("must not be blank")
		}
		if len([]rune(s)) < minLen {
			return errors.New("is too short")
		}
		if len(s) > MaxPasswordBytes {
			return errors.New("must be at most 72 bytes")
		}
		return nil
	})
}

// NewPassword is the rule set for a password being set
func NewPassword(minLen int) []validation.Rule {
	return []validation.Rule{validation.Required, Password(minLen)}
}

// MembershipRole validates a role that can be attached to a membership
var MembershipRole = validation.By(func(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := auth.ParseMembershipRole(s); err != nil {
		return errors.New("must be a valid organization role")
	}
	return nil
})

// Phone validates a phone number parseable in DefaultPhoneRegion
var Phone = validation.By(func(value interface{}) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case *string:
		if v == nil {
			return nil
		}
		s = *v
	}
	if s == "" {
		return nil
	}
	if _, err := NormalizePhone(s); err != nil {
		return errors.New("must be a valid phone number")
	}
	return nil
})

// NormalizePhone parses raw and returns it in E.164 form
func NormalizePhone(raw string) (string, error) {
	num, err := phonenumbers.Parse(strings.TrimSpace(raw), DefaultPhoneRegion)
	if err != nil {
		return "", err
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", errors.New("invalid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// AsInputInvalid converts ozzo validation errors into an InputInvalid error.
// Other errors pass through unchanged and nil stays nil.
func AsInputInvalid(err error) error {
	if err == nil {
		return nil
	}
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		return apperr.InputInvalid("validation_failed", verrs.Error())
	}
	return err
}

// Check runs rules against a single value and returns an InputInvalid error
// naming field when one fails
func Check(field string, value interface{}, rules ...validation.Rule) error {
	if err := validation.Validate(value, rules...); err != nil {
		return apperr.InputInvalid("validation_failed", field+": "+err.Error())
	}
	return nil
}
