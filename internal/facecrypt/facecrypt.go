// Package facecrypt seals facial descriptor vectors for storage.
//
// Vectors are JSON-encoded and sealed with XChaCha20-Poly1305 under a
// process-wide key. The owning user ID is bound as associated data, so a
// ciphertext copied onto another user's row fails to open.
package facecrypt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/andyleap/bioauth/internal/models"
	"golang.org/x/crypto/chacha20poly1305"
)

const prefix = "v1."

// ErrIntegrity marks a stored ciphertext that could not be opened or decoded.
var ErrIntegrity = errors.New("descriptor integrity check failed")

type Cipher struct {
	aead cipher.AEAD
}

func New(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("descriptor key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// ParseKey decodes a 32-byte key given as hex or base64 (standard or URL).
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("descriptor key is empty")
	}
	decoders := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
	}
	for _, decode := range decoders {
		if key, err := decode(s); err == nil && len(key) == chacha20poly1305.KeySize {
			return key, nil
		}
	}
	return nil, fmt.Errorf("descriptor key must decode to %d bytes of hex or base64", chacha20poly1305.KeySize)
}

func (c *Cipher) Encrypt(userID string, d models.Descriptor) (string, error) {
	for i, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", fmt.Errorf("descriptor component %d is not finite", i)
		}
	}
	plaintext, err := json.Marshal([]float64(d))
	if err != nil {
		return "", fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, []byte(userID))
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt for the same userID. Every
// failure wraps ErrIntegrity.
func (c *Cipher) Decrypt(userID, ciphertext string) (models.Descriptor, error) {
	body, ok := strings.CutPrefix(ciphertext, prefix)
	if !ok {
		return nil, fmt.Errorf("%w: unknown format", ErrIntegrity)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if len(sealed) < c.aead.NonceSize()+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}

	nonce, box := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, box, []byte(userID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	var d models.Descriptor
	if err := json.Unmarshal(plaintext, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return d, nil
}
