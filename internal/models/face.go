package models

import (
	"time"
)

// Descriptor is a plaintext facial embedding vector.
type Descriptor []float64

// FaceDescriptor is an enrolled facial template. The vector is only ever
// stored encrypted.
type FaceDescriptor struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	EncryptedVector string     `json:"encryptedVector"`
	Label           string     `json:"label"`
	DeviceInfo      string     `json:"deviceInfo"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
}

func (f *FaceDescriptor) Info() FaceDescriptorInfo {
	return FaceDescriptorInfo{
		ID:         f.ID,
		Label:      f.Label,
		DeviceInfo: f.DeviceInfo,
		CreatedAt:  f.CreatedAt,
		LastUsedAt: f.LastUsedAt,
	}
}

type FaceDescriptorInfo struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	DeviceInfo string     `json:"deviceInfo"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}
