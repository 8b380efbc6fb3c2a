package validation

import (
	"testing"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/clinicore/identity/internal/apperr"
)

func TestEmailRules(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"ana@clinic.test", false},
		{"ANA@Clinic.Test", false},
		{"", true},
		{"not-an-email", true},
		{"a@", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			err := validation.Validate(tt.in, Email...)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestPassword(t *testing.T) {
	long := make([]byte, 73)
	for i := range long {
		long[i] = 'a'
	}
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"ok", "Welcome1!", false},
		{"too short", "abc", true},
		{"blank", "          ", true},
		{"over 72 bytes", string(long), true},
		{"empty is left to Required", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validation.Validate(tt.in, Password(8))
			if (err != nil) != tt.wantErr {
				t.Errorf("Password(%q) = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestSlug(t *testing.T) {
	for _, ok := range []string{"clinica-sol", "abc", "a1-b2-c3"} {
		if err := validation.Validate(ok, Slug...); err != nil {
			t.Errorf("slug %q rejected: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "Clinica", "double--hyphen", "-lead", "trail-", "with space"} {
		if err := validation.Validate(bad, Slug...); err == nil {
			t.Errorf("slug %q accepted", bad)
		}
	}
}

func TestMembershipRole(t *testing.T) {
	if err := validation.Validate("medico", MembershipRole); err != nil {
		t.Errorf("medico rejected: %v", err)
	}
	if err := validation.Validate("superadmin", MembershipRole); err == nil {
		t.Error("superadmin must not be a membership role")
	}
	if err := validation.Validate("owner", MembershipRole); err == nil {
		t.Error("unknown role accepted")
	}
}

func TestPlan(t *testing.T) {
	if err := validation.Validate("professional", Plan); err != nil {
		t.Errorf("professional rejected: %v", err)
	}
	if err := validation.Validate("platinum", Plan); err == nil {
		t.Error("unknown plan accepted")
	}
}

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone("+1 650-253-0000")
	if err != nil {
		t.Fatalf("NormalizePhone: %v", err)
	}
	if got != "+16502530000" {
		t.Errorf("got %q, want +16502530000", got)
	}

	if _, err := NormalizePhone("12"); err == nil {
		t.Error("expected error for too-short number")
	}
	if err := validation.Validate("garbage", Phone); err == nil {
		t.Error("Phone rule accepted garbage")
	}
}

func TestAsInputInvalid(t *testing.T) {
	if AsInputInvalid(nil) != nil {
		t.Fatal("nil must stay nil")
	}

	req := struct{ Email string }{Email: "bad"}
	err := AsInputInvalid(validation.ValidateStruct(&req, validation.Field(&req.Email, Email...)))
	ae, ok := apperr.As(err)
	if !ok || ae.Kind != apperr.KindInputInvalid || ae.Code != "validation_failed" {
		t.Fatalf("want InputInvalid(validation_failed), got %v", err)
	}
}

func TestCheck(t *testing.T) {
	err := Check("new_password", "short", Password(8))
	ae, ok := apperr.As(err)
	if !ok || ae.Kind != apperr.KindInputInvalid {
		t.Fatalf("want InputInvalid, got %v", err)
	}
	if Check("new_password", "long enough pw", Password(8)) != nil {
		t.Error("valid password rejected")
	}
}
