// Package repositories implements the identity store: users, tenants,
// memberships and the audit trail. Every repository runs against a
// sqlx.ExtContext so the same code serves plain pool access and transactions
// opened with Store.RunInTx. Handlers and services never issue SQL directly.
package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrDuplicate is returned when a write violates a unique constraint
// (email, slug, or the (user, tenant) membership pair)
var ErrDuplicate = errors.New("duplicate record")

// uniqueViolation is the PostgreSQL error code for unique_violation
const uniqueViolation = "23505"

// translateErr maps driver errors onto repository sentinels
func translateErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}
	return err
}

// Repos groups the repositories bound to one connection or transaction
type Repos struct {
	Users       *UserRepository
	Tenants     *TenantRepository
	Memberships *MembershipRepository
	Audit       *AuditRepository
}

func newRepos(q sqlx.ExtContext) *Repos {
	return &Repos{
		Users:       NewUserRepository(q),
		Tenants:     NewTenantRepository(q),
		Memberships: NewMembershipRepository(q),
		Audit:       NewAuditRepository(q),
	}
}

// Store owns the connection pool
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new Store
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying pool
func (s *Store) DB() *sqlx.DB { return s.db }

// Repos returns repositories that run each statement on the pool
func (s *Store) Repos() *Repos {
	return newRepos(s.db)
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunInTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back when fn returns an error or panics.
func (s *Store) RunInTx(ctx context.Context, fn func(*Repos) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(newRepos(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
