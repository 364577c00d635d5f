package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andyleap/bioauth/internal/apierr"
	"github.com/andyleap/bioauth/internal/models"
	"github.com/andyleap/bioauth/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const revokedPrefix = "revoked:"

type Claims struct {
	jwt.RegisteredClaims
	Email  string `json:"email"`
	Method string `json:"method"`
}

// JWTIssuer hands out HS256 tokens. Revoked token IDs are remembered in a
// SessionStorage until the token would have expired anyway.
type JWTIssuer struct {
	secret   []byte
	revoked  storage.SessionStorage
	events   storage.AuditLog
	lifetime time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewJWTIssuer(secret []byte, revoked storage.SessionStorage, events storage.AuditLog, lifetime time.Duration, logger *slog.Logger) (*JWTIssuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &JWTIssuer{
		secret:   secret,
		revoked:  revoked,
		events:   events,
		lifetime: lifetime,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (j *JWTIssuer) Issue(ctx context.Context, user *models.User, method string) (*Grant, error) {
	if err := admit(ctx, j.events, j.logger, user, method); err != nil {
		return nil, err
	}

	sess := newSession(user, method, j.now(), j.lifetime)
	sess.ID = uuid.NewString()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(sess.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
		Email:  user.Email,
		Method: method,
	})
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	j.logger.Info("session issued", "user_id", user.ID, "method", method)
	return &Grant{Token: signed, Session: sess}, nil
}

func (j *JWTIssuer) parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(j.now))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUnauthorized, ErrInvalid.Message, err)
	}
	if !parsed.Valid || claims.ID == "" || claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, ErrInvalid
	}
	return claims, nil
}

func (j *JWTIssuer) Validate(ctx context.Context, token string) (*models.Session, error) {
	claims, err := j.parse(token)
	if err != nil {
		return nil, err
	}

	revoked, err := j.revoked.GetSession(ctx, revokedPrefix+claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked != nil {
		return nil, ErrInvalid
	}

	sess := &models.Session{
		ID:        claims.ID,
		UserID:    claims.Subject,
		Email:     claims.Email,
		Method:    claims.Method,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		sess.CreatedAt = claims.IssuedAt.Time
	}
	return sess, nil
}

// Revoke denies the token for the rest of its lifetime. Revoking an
// invalid token is a no-op.
func (j *JWTIssuer) Revoke(ctx context.Context, token string) error {
	claims, err := j.parse(token)
	if err != nil {
		return nil
	}
	marker := &models.Session{
		ID:        revokedPrefix + claims.ID,
		CreatedAt: j.now(),
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if err := j.revoked.SaveSession(ctx, marker); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}
