package repositories

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/clinicore/identity/internal/db/models"
)

var tenantCols = []string{
	"id", "slug", "name", "is_active", "plan", "logo_url", "primary_color", "contact_email",
	"smtp_enabled", "smtp_host", "smtp_port", "smtp_username", "smtp_password_encrypted",
	"smtp_from_email", "smtp_from_name", "smtp_use_tls", "smtp_use_ssl", "created_at", "updated_at",
}

func newTenantRepo(t *testing.T) (*TenantRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewTenantRepository(db), mock
}

func TestTenantGetBySlug_WithSMTP(t *testing.T) {
	repo, mock := newTenantRepo(t)
	mock.ExpectQuery("SELECT.*FROM tenants WHERE slug = \\$1").
		WithArgs("clinica-sol").
		WillReturnRows(sqlmock.NewRows(tenantCols).AddRow(
			"tenant-1", "clinica-sol", "Clinica Sol", true, "basic", nil, nil, nil,
			true, "smtp.sol.test", 587, "mailer", "sealed", "no-reply@sol.test", "Sol", true, false,
			fixedNow, fixedNow,
		))

	tn, err := repo.GetBySlug(context.Background(), "clinica-sol")
	if err != nil {
		t.Fatalf("GetBySlug: %v", err)
	}
	if tn == nil || !tn.SMTPSettings.Usable() || *tn.SMTPSettings.Port != 587 {
		t.Fatalf("smtp settings not scanned: %+v", tn)
	}
}

func TestTenantGetByID_NotFound(t *testing.T) {
	repo, mock := newTenantRepo(t)
	mock.ExpectQuery("SELECT.*FROM tenants WHERE id").WillReturnRows(sqlmock.NewRows(tenantCols))

	tn, err := repo.GetByID(context.Background(), "missing")
	if err != nil || tn != nil {
		t.Fatalf("want nil, nil; got %v, %v", tn, err)
	}
}

func TestTenantCreate_DefaultsPlan(t *testing.T) {
	repo, mock := newTenantRepo(t)
	mock.ExpectExec("INSERT INTO tenants").
		WithArgs(sqlmock.AnyArg(), "clinica-sol", "Clinica Sol", true, models.PlanFree,
			nil, nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	tn := &models.Tenant{Slug: "clinica-sol", Name: "Clinica Sol", IsActive: true}
	if err := repo.Create(context.Background(), tn); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tn.Plan != models.PlanFree || tn.ID == "" {
		t.Errorf("unexpected tenant: %+v", tn)
	}
}

func TestTenantCreate_DuplicateSlug(t *testing.T) {
	repo, mock := newTenantRepo(t)
	mock.ExpectExec("INSERT INTO tenants").WillReturnError(&pq.Error{Code: "23505", Constraint: "tenants_slug_key"})

	err := repo.Create(context.Background(), &models.Tenant{Slug: "dup", Name: "Dup"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
}

func TestTenantUpdateSMTP(t *testing.T) {
	repo, mock := newTenantRepo(t)
	mock.ExpectExec("UPDATE tenants.*smtp_enabled = \\$2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	port := 465
	s := models.SMTPSettings{Enabled: true, Host: strp("smtp.test"), Port: &port, UseSSL: true}
	if err := repo.UpdateSMTP(context.Background(), "tenant-1", s); err != nil {
		t.Fatalf("UpdateSMTP: %v", err)
	}
}

func TestTenantList(t *testing.T) {
	repo, mock := newTenantRepo(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM tenants WHERE 1=1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT.*FROM tenants WHERE 1=1 ORDER BY name ASC LIMIT \\$1 OFFSET \\$2").
		WithArgs(10, 0).
		WillReturnRows(sqlmock.NewRows(tenantCols))

	list, total, err := repo.List(context.Background(), "", nil, 10, 0)
	if err != nil || total != 0 || len(list) != 0 {
		t.Fatalf("unexpected: %v %d %v", list, total, err)
	}
}
