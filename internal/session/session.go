// Package session mints sessions once a biometric ceremony has proven who
// the user is.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/andyleap/bioauth/internal/apierr"
	"github.com/andyleap/bioauth/internal/audit"
	"github.com/andyleap/bioauth/internal/models"
	"github.com/andyleap/bioauth/internal/storage"
)

const DefaultLifetime = 24 * time.Hour

var ErrInvalid = apierr.Unauthorized("invalid session")

// Grant is an issued session and the bearer token that presents it.
type Grant struct {
	Token   string
	Session models.Session
}

type Issuer interface {
	Issue(ctx context.Context, user *models.User, method string) (*Grant, error)
	// Validate resolves a token to its session, or returns ErrInvalid.
	Validate(ctx context.Context, token string) (*models.Session, error)
	Revoke(ctx context.Context, token string) error
}

// admit refuses inactive users and records the biometric login that is
// about to be turned into a session.
func admit(ctx context.Context, events storage.AuditLog, logger *slog.Logger, user *models.User, method string) error {
	if !user.IsActive {
		logger.Warn("session refused for inactive user", "user_id", user.ID, "method", method)
		return apierr.Unauthorized("user inactive")
	}
	action := models.ActionBiometricLoginPrefix + strings.ToUpper(method)
	if err := events.RecordEvent(ctx, audit.NewEvent(ctx, user.ID, action, nil)); err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

func newSession(user *models.User, method string, now time.Time, lifetime time.Duration) models.Session {
	return models.Session{
		UserID:    user.ID,
		Email:     user.Email,
		Method:    method,
		CreatedAt: now,
		ExpiresAt: now.Add(lifetime),
	}
}

func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// StoredIssuer hands out opaque session IDs kept in a SessionStorage.
type StoredIssuer struct {
	sessions storage.SessionStorage
	events   storage.AuditLog
	lifetime time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewStoredIssuer(sessions storage.SessionStorage, events storage.AuditLog, lifetime time.Duration, logger *slog.Logger) *StoredIssuer {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &StoredIssuer{
		sessions: sessions,
		events:   events,
		lifetime: lifetime,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *StoredIssuer) Issue(ctx context.Context, user *models.User, method string) (*Grant, error) {
	if err := admit(ctx, s.events, s.logger, user, method); err != nil {
		return nil, err
	}

	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}
	sess := newSession(user, method, s.now(), s.lifetime)
	sess.ID = id

	if err := s.sessions.SaveSession(ctx, &sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	s.logger.Info("session issued", "user_id", user.ID, "method", method)
	return &Grant{Token: id, Session: sess}, nil
}

func (s *StoredIssuer) Validate(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrInvalid
	}
	sess, err := s.sessions.GetSession(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if sess == nil || sess.Expired(s.now()) {
		return nil, ErrInvalid
	}
	return sess, nil
}

func (s *StoredIssuer) Revoke(ctx context.Context, token string) error {
	if err := s.sessions.DeleteSession(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
