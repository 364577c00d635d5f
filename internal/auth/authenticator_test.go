package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

const (
	flagUserPresent  = 0x01
	flagUserVerified = 0x04
	flagBackupElig   = 0x08
	flagBackupState  = 0x10
	flagAttested     = 0x40
)

// testAuthenticator is a software ES256 authenticator whose sign counter
// and flags are under the test's control.
type testAuthenticator struct {
	t       *testing.T
	key     *ecdsa.PrivateKey
	id      []byte
	rpID    string
	origin  string
	flags   byte
	Counter uint32
}

func newTestAuthenticator(t *testing.T, rpID, origin string) *testAuthenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	id := make([]byte, 16)
	_, err = rand.Read(id)
	require.NoError(t, err)
	return &testAuthenticator{t: t, key: key, id: id, rpID: rpID, origin: origin, flags: flagUserPresent | flagUserVerified}
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func (a *testAuthenticator) clientData(typ, challenge string) []byte {
	data, err := json.Marshal(map[string]any{
		"type":      typ,
		"challenge": challenge,
		"origin":    a.origin,
	})
	require.NoError(a.t, err)
	return data
}

func (a *testAuthenticator) coseKey() []byte {
	x := make([]byte, 32)
	y := make([]byte, 32)
	a.key.X.FillBytes(x)
	a.key.Y.FillBytes(y)
	key, err := cbor.Marshal(map[int]any{1: 2, 3: -7, -1: 1, -2: x, -3: y})
	require.NoError(a.t, err)
	return key
}

func (a *testAuthenticator) authData(flags byte, counter uint32) []byte {
	rpHash := sha256.Sum256([]byte(a.rpID))
	buf := make([]byte, 0, 37)
	buf = append(buf, rpHash[:]...)
	buf = append(buf, flags)
	return binary.BigEndian.AppendUint32(buf, counter)
}

// Attest answers a creation challenge with a "none" attestation.
func (a *testAuthenticator) Attest(challenge string) []byte {
	authData := a.authData(a.flags|flagAttested, a.Counter)
	authData = append(authData, make([]byte, 16)...)
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(a.id)))
	authData = append(authData, a.id...)
	authData = append(authData, a.coseKey()...)

	attObj, err := cbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	require.NoError(a.t, err)

	body, err := json.Marshal(map[string]any{
		"id":    b64(a.id),
		"rawId": b64(a.id),
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    b64(a.clientData("webauthn.create", challenge)),
			"attestationObject": b64(attObj),
			"transports":        []string{"internal"},
		},
	})
	require.NoError(a.t, err)
	return body
}

// Assert signs an authentication challenge with the current counter.
func (a *testAuthenticator) Assert(challenge string, userHandle []byte) []byte {
	authData := a.authData(a.flags, a.Counter)
	clientData := a.clientData("webauthn.get", challenge)
	clientHash := sha256.Sum256(clientData)

	digest := sha256.Sum256(append(append([]byte{}, authData...), clientHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	require.NoError(a.t, err)

	body, err := json.Marshal(map[string]any{
		"id":    b64(a.id),
		"rawId": b64(a.id),
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    b64(clientData),
			"authenticatorData": b64(authData),
			"signature":         b64(sig),
			"userHandle":        b64(userHandle),
		},
	})
	require.NoError(a.t, err)
	return body
}
