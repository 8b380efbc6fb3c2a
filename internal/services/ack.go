package services

// AckKind selects the privacy-preserving acknowledgement of an operation
type AckKind int

const (
	AckPasswordReset AckKind = iota
	AckInvitation
)

// Ack is the response of operations whose outcome must not reveal whether an
// account exists
type Ack struct {
	Message string `json:"message"`
}

// privacyAck returns the one response shape for kind. It takes no input from
// the branch that ran, so every branch renders the same bytes.
func privacyAck(kind AckKind) Ack {
	switch kind {
	case AckPasswordReset:
		return Ack{Message: "If an account exists for this email, a password reset link has been sent."}
	default:
		return Ack{Message: "Invitation sent."}
	}
}
