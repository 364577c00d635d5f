package models

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

const (
	DeviceTypeSingle = "singleDevice"
	DeviceTypeMulti  = "multiDevice"
)

// CredentialID is the authenticator-assigned credential identifier.
// Its text form is unpadded base64url, matching the WebAuthn JSON encoding.
type CredentialID []byte

func (c CredentialID) String() string {
	return base64.RawURLEncoding.EncodeToString(c)
}

func (c CredentialID) Equal(other CredentialID) bool {
	return bytes.Equal(c, other)
}

func (c CredentialID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *CredentialID) UnmarshalText(text []byte) error {
	id, err := ParseCredentialID(string(text))
	if err != nil {
		return err
	}
	*c = id
	return nil
}

// ParseCredentialID decodes a base64url credential ID, tolerating padding.
func ParseCredentialID(s string) (CredentialID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid credential id: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("invalid credential id: empty")
	}
	return raw, nil
}

// Credential is a registered WebAuthn public-key credential.
type Credential struct {
	ID              string       `json:"id"`
	UserID          string       `json:"userId"`
	CredentialID    CredentialID `json:"credentialId"`
	PublicKey       []byte       `json:"publicKey"`
	SignCounter     uint32       `json:"signCounter"`
	DeviceType      string       `json:"deviceType"`
	BackedUp        bool         `json:"backedUp"`
	Transports      []string     `json:"transports"`
	AttestationType string       `json:"attestationType"`
	AAGUID          []byte       `json:"aaguid,omitempty"`
	Label           string       `json:"label"`
	CreatedAt       time.Time    `json:"createdAt"`
	LastUsedAt      *time.Time   `json:"lastUsedAt,omitempty"`
}

// BackupEligible reports whether the authenticator declared the credential
// as syncable, which is what the multi-device type records.
func (c *Credential) BackupEligible() bool {
	return c.DeviceType == DeviceTypeMulti
}

// Info returns the client-safe projection of the credential.
func (c *Credential) Info() CredentialInfo {
	return CredentialInfo{
		ID:           c.ID,
		CredentialID: c.CredentialID.String(),
		Label:        c.Label,
		DeviceType:   c.DeviceType,
		BackedUp:     c.BackedUp,
		Transports:   c.Transports,
		CreatedAt:    c.CreatedAt,
		LastUsedAt:   c.LastUsedAt,
	}
}

type CredentialInfo struct {
	ID           string     `json:"id"`
	CredentialID string     `json:"credentialId"`
	Label        string     `json:"label"`
	DeviceType   string     `json:"deviceType"`
	BackedUp     bool       `json:"backedUp"`
	Transports   []string   `json:"transports"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
}
