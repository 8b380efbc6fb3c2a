package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/audit"
	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/db/models"
	"github.com/clinicore/identity/internal/db/repositories"
	"github.com/clinicore/identity/internal/safego"
	"github.com/clinicore/identity/internal/telemetry"
)

const (
	bestEffortAuditTimeout = 5 * time.Second
	shipTimeout            = 10 * time.Second
)

// Event describes one auditable action
type Event struct {
	Action string
	// Category defaults to the action's category when empty
	Category    string
	ActorID     string
	ActorEmail  string
	TenantID    string
	EntityType  string
	EntityID    string
	Description string
	Details     map[string]interface{}
}

// AuditEmitter writes audit rows and ships committed rows to the configured
// shippers.
type AuditEmitter struct {
	store   Store
	shipper audit.Shipper
	now     func() time.Time
}

// NewAuditEmitter creates an emitter. shipper may be nil.
func NewAuditEmitter(store Store, shipper audit.Shipper) *AuditEmitter {
	return &AuditEmitter{store: store, shipper: shipper, now: time.Now}
}

func (e *AuditEmitter) record(ctx context.Context, ev Event) *models.AuditLog {
	info := RequestInfoFrom(ctx)
	category := ev.Category
	if category == "" {
		category = models.DefaultCategory(ev.Action)
	}
	rec := &models.AuditLog{
		CreatedAt:   e.now().UTC(),
		Action:      ev.Action,
		Category:    category,
		UserID:      optional(ev.ActorID),
		UserEmail:   optional(ev.ActorEmail),
		TenantID:    optional(ev.TenantID),
		EntityType:  optional(ev.EntityType),
		EntityID:    optional(ev.EntityID),
		Description: optional(ev.Description),
		IPAddress:   optional(info.IPAddress),
		UserAgent:   optional(info.UserAgent),
		RequestID:   optional(info.RequestID),
	}
	if len(ev.Details) > 0 {
		rec.Details = models.JSONMap(ev.Details)
	}
	return rec
}

// Emit writes one audit row through repos. Inside RunInTx the row commits or
// rolls back with the state change; the caller ships it after commit.
func (e *AuditEmitter) Emit(ctx context.Context, repos *Repos, ev Event) (*models.AuditLog, error) {
	rec := e.record(ctx, ev)
	if err := repos.Audit.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Ship counts committed records and forwards them to the shippers in the
// background
func (e *AuditEmitter) Ship(records ...*models.AuditLog) {
	for _, rec := range records {
		telemetry.AuditRecordsTotal.WithLabelValues(rec.Category).Inc()
	}
	if e.shipper == nil || len(records) == 0 {
		return
	}
	safego.Go("audit-ship", func() {
		ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
		defer cancel()
		for _, rec := range records {
			if err := e.shipper.Ship(ctx, audit.EntryFromRecord(rec)); err != nil {
				slog.Warn("failed to ship audit record", "action", rec.Action, "id", rec.ID, "error", err)
			}
		}
	})
}

// Record writes and ships one event outside any transaction
func (e *AuditEmitter) Record(ctx context.Context, ev Event) error {
	rec, err := e.Emit(ctx, e.store.Repos(), ev)
	if err != nil {
		return err
	}
	e.Ship(rec)
	return nil
}

// EmitBestEffort records ev with its own short deadline and only logs failures.
// Used for events that have no surrounding state change, such as failed logins.
func (e *AuditEmitter) EmitBestEffort(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortAuditTimeout)
	defer cancel()
	if err := e.Record(ctx, ev); err != nil {
		slog.Error("failed to write audit record", "action", ev.Action, "error", err)
	}
}

// Begin starts a batch for records written inside one transaction
func (e *AuditEmitter) Begin() *AuditBatch {
	return &AuditBatch{emitter: e}
}

// AuditBatch collects the records of one transaction so they ship only after
// the transaction commits
type AuditBatch struct {
	emitter *AuditEmitter
	records []*models.AuditLog
}

// Emit writes ev through repos and remembers the record
func (b *AuditBatch) Emit(ctx context.Context, repos *Repos, ev Event) error {
	rec, err := b.emitter.Emit(ctx, repos, ev)
	if err != nil {
		return err
	}
	b.records = append(b.records, rec)
	return nil
}

// Commit ships every collected record. Call it only after the transaction
// committed.
func (b *AuditBatch) Commit() {
	b.emitter.Ship(b.records...)
	b.records = nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// AuditQuery filters ListAuditLogs
type AuditQuery struct {
	// AsTenant scopes a superadmin to one tenant
	AsTenant string
	// AllTenants lets a superadmin read every tenant's records
	AllTenants bool
	UserID     string
	Action     string
	Category   string
	From       *time.Time
	To         *time.Time
	Page       Page
}

// AuditReader lists audit records. Tenant admins only ever see their tenant.
type AuditReader struct {
	store Store
}

// NewAuditReader creates a reader
func NewAuditReader(store Store) *AuditReader {
	return &AuditReader{store: store}
}

// List returns one page of audit records, newest first
func (a *AuditReader) List(ctx context.Context, sc *auth.SessionContext, q AuditQuery) (List[*models.AuditLog], error) {
	if err := auth.RequireTenantAdmin(sc); err != nil {
		return List[*models.AuditLog]{}, err
	}
	filter, err := auth.FilterByTenant(sc, auth.WithAsTenant(q.AsTenant), auth.WithSuperadminBypass(q.AllTenants))
	if err != nil {
		return List[*models.AuditLog]{}, err
	}
	filters := repositories.AuditFilters{Tenant: filter, StartDate: q.From, EndDate: q.To}
	if q.UserID != "" {
		filters.UserID = &q.UserID
	}
	if q.Action != "" {
		if !contains(models.AuditActions(), q.Action) {
			return List[*models.AuditLog]{}, apperr.InputInvalid("invalid_action", "Unknown audit action")
		}
		filters.Action = &q.Action
	}
	if q.Category != "" {
		if !contains(models.AuditCategories(), q.Category) {
			return List[*models.AuditLog]{}, apperr.InputInvalid("invalid_category", "Unknown audit category")
		}
		filters.Category = &q.Category
	}
	page := q.Page.normalize()
	items, total, err := a.store.Repos().Audit.List(ctx, filters, page.Limit, page.Offset)
	if err != nil {
		return List[*models.AuditLog]{}, apperr.Internal(err)
	}
	return newList(items, total, page), nil
}

// FailedLoginCount is the number of failed sign-ins for one email
type FailedLoginCount struct {
	Email string    `json:"email"`
	Since time.Time `json:"since"`
	Count int       `json:"count"`
}

// FailedLogins counts LOGIN_FAILED records for email since the given time.
// Failed sign-ins carry no tenant, so only superadmins may ask.
func (a *AuditReader) FailedLogins(ctx context.Context, sc *auth.SessionContext, email string, since time.Time) (*FailedLoginCount, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	email = models.NormalizeEmail(email)
	if email == "" {
		return nil, apperr.InputInvalid("invalid_query", "Query parameter email is required")
	}
	n, err := a.store.Repos().Audit.CountByActionAndEmail(ctx, models.ActionLoginFailed, email, since)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &FailedLoginCount{Email: email, Since: since, Count: n}, nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
