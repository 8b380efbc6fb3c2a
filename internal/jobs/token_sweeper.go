// token_sweeper.go implements the TokenSweeper background job, which clears
// password reset tokens whose expiry has passed and membership invitation
// tokens more than invitationGrace past expiry. Expired tokens are already
// rejected when presented; invitations are kept a while longer so that
// invitation-info can still tell the invitee the link expired.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clinicore/identity/internal/config"
	"github.com/clinicore/identity/internal/telemetry"
)

// invitationGrace is how long an expired invitation token stays resolvable
const invitationGrace = 30 * 24 * time.Hour

// ResetTokenClearer clears expired password reset tokens
type ResetTokenClearer interface {
	ClearExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// InvitationClearer clears expired invitation tokens
type InvitationClearer interface {
	ClearExpiredInvitations(ctx context.Context, now time.Time) (int64, error)
}

// TokenSweeper periodically clears expired reset and invitation tokens
type TokenSweeper struct {
	users       ResetTokenClearer
	memberships InvitationClearer
	interval    time.Duration
	now         func() time.Time
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewTokenSweeper creates a TokenSweeper. The interval defaults to one hour.
func NewTokenSweeper(users ResetTokenClearer, memberships InvitationClearer, cfg config.JobsConfig) *TokenSweeper {
	minutes := cfg.TokenSweepIntervalMinutes
	if minutes <= 0 {
		minutes = 60
	}
	return &TokenSweeper{
		users:       users,
		memberships: memberships,
		interval:    time.Duration(minutes) * time.Minute,
		now:         time.Now,
		stopChan:    make(chan struct{}),
	}
}

// Start runs a sweep immediately and then on every interval until ctx is
// cancelled or Stop is called. It blocks; run it in its own goroutine.
func (s *TokenSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("token sweeper started", "interval", s.interval)

	s.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stopChan:
			slog.Info("token sweeper stopped")
			return
		case <-ctx.Done():
			slog.Info("token sweeper context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit. It is safe to call more than once.
func (s *TokenSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Sweep runs one pass and returns the number of reset and invitation tokens
// cleared. A failure on one kind does not prevent the other.
func (s *TokenSweeper) Sweep(ctx context.Context) (resets, invitations int64) {
	now := s.now().UTC()

	resets, err := s.users.ClearExpiredTokens(ctx, now)
	if err != nil {
		slog.Error("token sweeper: failed to clear reset tokens", "error", err)
		resets = 0
	}
	invitations, err = s.memberships.ClearExpiredInvitations(ctx, now.Add(-invitationGrace))
	if err != nil {
		slog.Error("token sweeper: failed to clear invitation tokens", "error", err)
		invitations = 0
	}

	telemetry.TokensSweptTotal.WithLabelValues("reset").Add(float64(resets))
	telemetry.TokensSweptTotal.WithLabelValues("invitation").Add(float64(invitations))

	if resets > 0 || invitations > 0 {
		slog.Info("token sweeper: cleared expired tokens", "reset", resets, "invitation", invitations)
	}
	return resets, invitations
}
