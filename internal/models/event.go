package models

import (
	"time"
)

const (
	ActionWebAuthnRegistered        = "WEBAUTHN_REGISTERED"
	ActionWebAuthnLoginSuccess      = "WEBAUTHN_LOGIN_SUCCESS"
	ActionWebAuthnLoginFailed       = "WEBAUTHN_LOGIN_FAILED"
	ActionWebAuthnCredentialDeleted = "WEBAUTHN_CREDENTIAL_DELETED"
	ActionFacialRegistered          = "FACIAL_REGISTERED"
	ActionFacialLoginSuccess        = "FACIAL_LOGIN_SUCCESS"
	ActionFacialLoginFailed         = "FACIAL_LOGIN_FAILED"
	ActionFacialDescriptorDeleted   = "FACIAL_DESCRIPTOR_DELETED"
	ActionBiometricLoginPrefix      = "BIOMETRIC_LOGIN_SUCCESS_"
)

// SecurityEvent is an audit log entry.
type SecurityEvent struct {
	ID        string         `json:"id"`
	UserID    *string        `json:"userId"`
	Action    string         `json:"action"`
	IPAddress string         `json:"ipAddress"`
	UserAgent string         `json:"userAgent"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
}

type BiometricStatus struct {
	HasWebAuthn      bool     `json:"hasWebAuthn"`
	HasFacial        bool     `json:"hasFacial"`
	WebAuthnCount    int      `json:"webAuthnCount"`
	FacialCount      int      `json:"facialCount"`
	AvailableMethods []string `json:"availableMethods"`
}
