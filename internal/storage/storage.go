package storage

import (
	"context"
	"errors"
	"time"

	"github.com/andyleap/bioauth/internal/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("already exists")
	ErrCounterConflict = errors.New("sign counter changed concurrently")
)

// UserDirectory is the external user record source.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error
}

// ChallengeSlots holds at most one pending challenge per user.
// Reading an empty slot returns nil, nil.
type ChallengeSlots interface {
	GetPendingChallenge(ctx context.Context, userID string) (*models.PendingChallenge, error)
	SavePendingChallenge(ctx context.Context, userID string, challenge *models.PendingChallenge) error
	// TakePendingChallenge empties the slot and returns what it held, as one
	// atomic step: of two concurrent takers at most one gets the value.
	TakePendingChallenge(ctx context.Context, userID string) (*models.PendingChallenge, error)
	ClearPendingChallenge(ctx context.Context, userID string) error
}

// CredentialStore persists WebAuthn credentials. Methods taking an event
// commit the mutation and the event together or not at all.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *models.Credential, event *models.SecurityEvent) error
	ListCredentials(ctx context.Context, userID string) ([]*models.Credential, error)
	CountCredentials(ctx context.Context, userID string) (int, error)
	// UpdateCredentialUsage sets the counter and last use only if the stored
	// counter still equals expected; otherwise it returns ErrCounterConflict.
	UpdateCredentialUsage(ctx context.Context, id string, expected, counter uint32, usedAt time.Time, event *models.SecurityEvent) error
	DeleteCredential(ctx context.Context, userID, id string, event *models.SecurityEvent) error
}

// DescriptorStore persists encrypted facial descriptors.
type DescriptorStore interface {
	CreateDescriptor(ctx context.Context, desc *models.FaceDescriptor, event *models.SecurityEvent) error
	ListDescriptors(ctx context.Context, userID string) ([]*models.FaceDescriptor, error)
	CountDescriptors(ctx context.Context, userID string) (int, error)
	TouchDescriptor(ctx context.Context, id string, usedAt time.Time, event *models.SecurityEvent) error
	DeleteDescriptor(ctx context.Context, userID, id string, event *models.SecurityEvent) error
}

type AuditLog interface {
	RecordEvent(ctx context.Context, event *models.SecurityEvent) error
	ListEvents(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error)
}

// BiometricStore bundles the stores that must share a transaction boundary.
type BiometricStore interface {
	CredentialStore
	DescriptorStore
	AuditLog
}

type SessionStorage interface {
	SaveSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}
