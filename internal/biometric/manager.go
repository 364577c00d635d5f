// Package biometric lists, revokes and summarises a user's enrolled
// factors.
package biometric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andyleap/bioauth/internal/apierr"
	"github.com/andyleap/bioauth/internal/audit"
	"github.com/andyleap/bioauth/internal/models"
	"github.com/andyleap/bioauth/internal/storage"
)

const (
	MethodWebAuthn = "webauthn"
	MethodFacial   = "facial"
)

type Manager struct {
	users  storage.UserDirectory
	store  storage.BiometricStore
	logger *slog.Logger
}

func NewManager(users storage.UserDirectory, store storage.BiometricStore, logger *slog.Logger) *Manager {
	return &Manager{users: users, store: store, logger: logger}
}

func (m *Manager) ListCredentials(ctx context.Context, userID string) ([]models.CredentialInfo, error) {
	creds, err := m.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	out := make([]models.CredentialInfo, len(creds))
	for i, c := range creds {
		out[i] = c.Info()
	}
	return out, nil
}

func (m *Manager) ListDescriptors(ctx context.Context, userID string) ([]models.FaceDescriptorInfo, error) {
	descs, err := m.store.ListDescriptors(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	out := make([]models.FaceDescriptorInfo, len(descs))
	for i, d := range descs {
		out[i] = d.Info()
	}
	return out, nil
}

// DeleteCredential removes one of userID's credentials. A credential owned
// by someone else is reported as not found.
func (m *Manager) DeleteCredential(ctx context.Context, userID, id string) error {
	event := audit.NewEvent(ctx, userID, models.ActionWebAuthnCredentialDeleted, map[string]any{"id": id})
	err := m.store.DeleteCredential(ctx, userID, id, event)
	if errors.Is(err, storage.ErrNotFound) {
		return apierr.NotFound("credential not found")
	}
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	m.logger.Info("webauthn credential deleted", "user_id", userID, "credential_id", id)
	return nil
}

func (m *Manager) DeleteDescriptor(ctx context.Context, userID, id string) error {
	event := audit.NewEvent(ctx, userID, models.ActionFacialDescriptorDeleted, map[string]any{"id": id})
	err := m.store.DeleteDescriptor(ctx, userID, id, event)
	if errors.Is(err, storage.ErrNotFound) {
		return apierr.NotFound("descriptor not found")
	}
	if err != nil {
		return fmt.Errorf("failed to delete descriptor: %w", err)
	}
	m.logger.Info("facial descriptor deleted", "user_id", userID, "descriptor_id", id)
	return nil
}

func (m *Manager) Status(ctx context.Context, userID string) (*models.BiometricStatus, error) {
	if _, err := m.users.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	webauthnCount, err := m.store.CountCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count credentials: %w", err)
	}
	facialCount, err := m.store.CountDescriptors(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count descriptors: %w", err)
	}

	methods := []string{}
	if webauthnCount > 0 {
		methods = append(methods, MethodWebAuthn)
	}
	if facialCount > 0 {
		methods = append(methods, MethodFacial)
	}
	return &models.BiometricStatus{
		HasWebAuthn:      webauthnCount > 0,
		HasFacial:        facialCount > 0,
		WebAuthnCount:    webauthnCount,
		FacialCount:      facialCount,
		AvailableMethods: methods,
	}, nil
}
