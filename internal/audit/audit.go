// Package audit builds security events attributed to the calling client.
package audit

import (
	"context"
	"time"

	"github.com/andyleap/bioauth/internal/models"
	"github.com/google/uuid"
)

// Unattributed is recorded when no client information is on the context.
const Unattributed = "system"

type ClientInfo struct {
	IPAddress string
	UserAgent string
}

type clientKey struct{}

func WithClient(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, clientKey{}, info)
}

// ClientFrom returns the client stored on ctx, filling blanks with
// Unattributed.
func ClientFrom(ctx context.Context) ClientInfo {
	info, _ := ctx.Value(clientKey{}).(ClientInfo)
	if info.IPAddress == "" {
		info.IPAddress = Unattributed
	}
	if info.UserAgent == "" {
		info.UserAgent = Unattributed
	}
	return info
}

// NewEvent returns an event for userID; an empty userID records an event
// with no owner.
func NewEvent(ctx context.Context, userID, action string, metadata map[string]any) *models.SecurityEvent {
	client := ClientFrom(ctx)
	event := &models.SecurityEvent{
		ID:        uuid.NewString(),
		Action:    action,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	if userID != "" {
		event.UserID = &userID
	}
	return event
}
