// Package challenge manages each user's single pending ceremony challenge.
//
// A slot holds one tagged value at a time. Starting any ceremony overwrites
// it, so a registration started mid-login invalidates the login and the
// other way round; the losing finish fails with "challenge not found".
package challenge

import (
	"context"
	"fmt"
	"time"

	"github.com/andyleap/bioauth/internal/apierr"
	"github.com/andyleap/bioauth/internal/models"
	"github.com/andyleap/bioauth/internal/storage"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// ErrNotFound is returned by Redeem for an empty, expired or mismatched slot.
var ErrNotFound = apierr.BadRequest("challenge not found")

type Store struct {
	slots storage.ChallengeSlots
	ttl   time.Duration
	now   func() time.Time
}

// New returns a Store over slots. A zero ttl keeps challenges until they are
// redeemed, cleared or overwritten.
func New(slots storage.ChallengeSlots, ttl time.Duration) *Store {
	return &Store{
		slots: slots,
		ttl:   ttl,
		now:   time.Now,
	}
}

// NewChallenge returns fresh base64url challenge material.
func NewChallenge() (string, error) {
	c, err := protocol.CreateChallenge()
	if err != nil {
		return "", fmt.Errorf("failed to create challenge: %w", err)
	}
	return c.String(), nil
}

// Issue stores a challenge of the given kind in the user's slot, replacing
// whatever was there. When session is non-nil its challenge is used.
func (s *Store) Issue(ctx context.Context, userID string, kind models.CeremonyKind, session *webauthn.SessionData) (*models.PendingChallenge, error) {
	var value string
	if session != nil {
		value = session.Challenge
	} else {
		var err error
		if value, err = NewChallenge(); err != nil {
			return nil, err
		}
	}

	now := s.now()
	pc := &models.PendingChallenge{
		Kind:      kind,
		Challenge: value,
		Session:   session,
		IssuedAt:  now,
	}
	if s.ttl > 0 {
		pc.ExpiresAt = now.Add(s.ttl)
	}

	if err := s.slots.SavePendingChallenge(ctx, userID, pc); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}
	return pc, nil
}

// Redeem takes the pending challenge out of the user's slot and returns it
// when it matches kind and has not expired. The slot is emptied whatever the
// outcome, so a challenge is handed to at most one caller.
func (s *Store) Redeem(ctx context.Context, userID string, kind models.CeremonyKind) (*models.PendingChallenge, error) {
	pc, err := s.slots.TakePendingChallenge(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge: %w", err)
	}
	if pc == nil || pc.Kind != kind || pc.Challenge == "" {
		return nil, ErrNotFound
	}
	if pc.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return pc, nil
}

func (s *Store) Clear(ctx context.Context, userID string) error {
	if err := s.slots.ClearPendingChallenge(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear challenge: %w", err)
	}
	return nil
}
