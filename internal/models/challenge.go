package models

import (
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// CeremonyKind tags which ceremony a pending challenge was issued for.
type CeremonyKind string

const (
	CeremonyRegistration   CeremonyKind = "registration"
	CeremonyAuthentication CeremonyKind = "authentication"
)

// PendingChallenge occupies a user's single challenge slot until it is
// redeemed, cleared or overwritten by a newer ceremony.
type PendingChallenge struct {
	Kind      CeremonyKind          `json:"kind"`
	Challenge string                `json:"challenge"`
	Session   *webauthn.SessionData `json:"session,omitempty"`
	IssuedAt  time.Time             `json:"issuedAt"`
	ExpiresAt time.Time             `json:"expiresAt,omitempty"`
}

// Expired reports whether the challenge carries an expiry that has passed.
// A zero ExpiresAt never expires on its own.
func (p *PendingChallenge) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}
