package models

import (
	"strings"
	"time"
)

// Membership invitations used to be stored in the notes column as
// "invitation_token:<token>|expires:<RFC3339>". Invitations are now written to
// typed columns; these helpers only read and clean up rows created before
// that change.

const (
	notesTokenKey   = "invitation_token:"
	notesExpiresKey = "expires:"
)

// LegacyInvitation is an invitation recovered from a notes value
type LegacyInvitation struct {
	Token     string
	ExpiresAt time.Time
}

// ParseInvitationNotes extracts a legacy invitation from notes. ok is false
// when notes carry no token. A missing or malformed expiry yields a zero
// ExpiresAt, which callers treat as expired.
func ParseInvitationNotes(notes string) (inv LegacyInvitation, ok bool) {
	for _, part := range splitNotes(notes) {
		switch {
		case strings.HasPrefix(part, notesTokenKey):
			inv.Token = strings.TrimSpace(strings.TrimPrefix(part, notesTokenKey))
		case strings.HasPrefix(part, notesExpiresKey):
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(strings.TrimPrefix(part, notesExpiresKey))); err == nil {
				inv.ExpiresAt = t
			}
		}
	}
	return inv, inv.Token != ""
}

// FormatInvitationNotes renders inv in the legacy notes format
func FormatInvitationNotes(inv LegacyInvitation) string {
	return notesTokenKey + inv.Token + "|" + notesExpiresKey + inv.ExpiresAt.UTC().Format(time.RFC3339)
}

// StripInvitationNotes removes the legacy invitation fields from notes and
// keeps any other text. It returns nil when nothing remains.
func StripInvitationNotes(notes string) *string {
	var kept []string
	for _, part := range splitNotes(notes) {
		if strings.HasPrefix(part, notesTokenKey) || strings.HasPrefix(part, notesExpiresKey) {
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return nil
	}
	out := strings.Join(kept, "|")
	return &out
}

func splitNotes(notes string) []string {
	var parts []string
	for _, p := range strings.Split(notes, "|") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
