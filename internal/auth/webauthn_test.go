package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andyleap/bioauth/internal/apierr"
	"github.com/andyleap/bioauth/internal/challenge"
	"github.com/andyleap/bioauth/internal/models"
	"github.com/andyleap/bioauth/internal/storage"
	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRPID   = "example.com"
	testOrigin = "https://example.com"
)

type testEnv struct {
	svc   *WebAuthnService
	store *storage.MemoryStorage
	user  *models.User
}

func setupWebAuthn(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryStorage()
	user := &models.User{ID: "user-1", Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace", IsActive: true}
	require.NoError(t, store.SaveUser(context.Background(), user))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewWebAuthnService(Config{
		RPID:          testRPID,
		RPDisplayName: "Example",
		RPOrigins:     []string{testOrigin},
	}, store, store, challenge.New(store, 5*time.Minute), logger)
	require.NoError(t, err)
	return &testEnv{svc: svc, store: store, user: user}
}

// register runs a full registration ceremony for a and returns the stored
// credential info.
func (e *testEnv) register(t *testing.T, a *testAuthenticator, label string) *models.CredentialInfo {
	t.Helper()
	ctx := context.Background()
	options, err := e.svc.StartRegistration(ctx, e.user.ID)
	require.NoError(t, err)
	info, err := e.svc.FinishRegistration(ctx, e.user.ID, a.Attest(options.Response.Challenge.String()), label)
	require.NoError(t, err)
	return info
}

func (e *testEnv) login(t *testing.T, a *testAuthenticator) error {
	t.Helper()
	ctx := context.Background()
	options, err := e.svc.StartAuthentication(ctx, e.user.Email)
	require.NoError(t, err)
	_, err = e.svc.FinishAuthentication(ctx, e.user.Email, a.Assert(options.Response.Challenge.String(), e.user.Handle()))
	return err
}

func (e *testEnv) events(t *testing.T) []*models.SecurityEvent {
	t.Helper()
	events, err := e.store.ListEvents(context.Background(), e.user.ID, 0)
	require.NoError(t, err)
	return events
}

func TestNewWebAuthnService_RequiresOrigins(t *testing.T) {
	_, err := NewWebAuthnService(Config{RPID: testRPID, RPDisplayName: "Example"}, nil, nil, nil, slog.Default())
	assert.Error(t, err)
}

func TestWebAuthn_VirtualAuthenticatorFlow(t *testing.T) {
	env := setupWebAuthn(t)
	ctx := context.Background()

	rp := virtualwebauthn.RelyingParty{Name: "Example", ID: testRPID, Origin: testOrigin}
	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	options, err := env.svc.StartRegistration(ctx, env.user.ID)
	require.NoError(t, err)
	assert.Equal(t, testRPID, options.Response.RelyingParty.ID)
	assert.Equal(t, "ada@example.com", options.Response.User.Name)
	assert.Equal(t, "Ada Lovelace", options.Response.User.DisplayName)
	assert.Equal(t, protocol.Platform, options.Response.AuthenticatorSelection.AuthenticatorAttachment)
	assert.Empty(t, options.Response.CredentialExcludeList)

	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)
	parsedOptions, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)
	attestation := virtualwebauthn.CreateAttestationResponse(rp, authenticator, credential, *parsedOptions)

	info, err := env.svc.FinishRegistration(ctx, env.user.ID, []byte(attestation), "")
	require.NoError(t, err)
	assert.Equal(t, "Unnamed device", info.Label)
	authenticator.AddCredential(credential)

	loginOptions, err := env.svc.StartAuthentication(ctx, env.user.Email)
	require.NoError(t, err)
	require.Len(t, loginOptions.Response.AllowedCredentials, 1)

	loginJSON, err := json.Marshal(loginOptions.Response)
	require.NoError(t, err)
	parsedLogin, err := virtualwebauthn.ParseAssertionOptions(string(loginJSON))
	require.NoError(t, err)
	assertion := virtualwebauthn.CreateAssertionResponse(rp, authenticator, credential, *parsedLogin)

	user, err := env.svc.FinishAuthentication(ctx, env.user.Email, []byte(assertion))
	require.NoError(t, err)
	assert.Equal(t, env.user.ID, user.ID)
}

func TestWebAuthn_RegisterAndLogin(t *testing.T) {
	env := setupWebAuthn(t)
	a := newTestAuthenticator(t, testRPID, testOrigin)

	info := env.register(t, a, "Laptop")
	assert.Equal(t, "Laptop", info.Label)
	assert.Equal(t, models.DeviceTypeSingle, info.DeviceType)
	assert.False(t, info.BackedUp)
	assert.Equal(t, []string{"internal"}, info.Transports)

	a.Counter = 1
	require.NoError(t, env.login(t, a))

	creds, err := env.store.ListCredentials(context.Background(), env.user.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, uint32(1), creds[0].SignCounter)
	assert.NotNil(t, creds[0].LastUsedAt)

	events := env.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, models.ActionWebAuthnLoginSuccess, events[0].Action)
	assert.Equal(t, models.ActionWebAuthnRegistered, events[1].Action)
	assert.Equal(t, info.CredentialID, events[1].Metadata["credentialId"])

	// the slot is empty after a completed ceremony
	pc, err := env.store.GetPendingChallenge(context.Background(), env.user.ID)
	require.NoError(t, err)
	assert.Nil(t, pc)
}

func TestWebAuthn_MultiDeviceCredential(t *testing.T) {
	env := setupWebAuthn(t)
	a := newTestAuthenticator(t, testRPID, testOrigin)
	a.flags |= flagBackupElig | flagBackupState

	info := env.register(t, a, "Phone")
	assert.Equal(t, models.DeviceTypeMulti, info.DeviceType)
	assert.True(t, info.BackedUp)

	a.Counter = 3
	require.NoError(t, env.login(t, a))
}

func TestWebAuthn_ZeroCounterAuthenticator(t *testing.T) {
	env := setupWebAuthn(t)
	a := newTestAuthenticator(t, testRPID, testOrigin)
	env.register(t, a, "")

	// authenticators without a counter always report zero
	require.NoError(t, env.login(t, a))
	require.NoError(t, env.login(t, a))
}

func TestWebAuthn_StartRegistrationExcludesExisting(t *testing.T) {
	env := setupWebAuthn(t)
	a := newTestAuthenticator(t, testRPID, testOrigin)
	info := env.register(t, a, "Laptop")

	options, err := env.svc.StartRegistration(context.Background(), env.user.ID)
	require.NoError(t, err)
	require.Len(t, options.Response.CredentialExcludeList, 1)
	excluded := models.CredentialID(options.Response.CredentialExcludeList[0].CredentialID)
	assert.Equal(t, info.CredentialID, excluded.String())
}

func TestWebAuthn_DuplicateRegistrationRejected(t *testing.T) {
	env := setupWebAuthn(t)
	a := newTestAuthenticator(t, testRPID, testOrigin)
	env.register(t, a, "Laptop")

	ctx := context.Background()
	options, err := env.svc.StartRegistration(ctx, env.user.ID)
	require.NoError(t, err)
	_, err = env.svc.FinishRegistration(ctx, env.user.ID, a.Attest(options.Response.Challenge.String()), "Again")
	assert.True(t, apierr.Is(err, apierr.KindBadRequest))
	assert.Equal(t, "verification failed", apierr.Message(err))

	n, _ := env.store.CountCredentials(ctx, env.user.ID)
	assert.Equal(t, 1, n)
}

func TestWebAuthn_StartRegistrationUnknownUser(t *testing.T) {
	env := setupWebAuthn(t)
	_, err := env.svc.StartRegistration(context.Background(), "nobody")
	assert.True(t, apierr.Is(err, apierr.KindNotFound))
}

func TestWebAuthn_FinishWithoutStart(t *testing.T) {
	env := setupWebAuthn(t)
	a := newTestAuthenticator(t, testRPID, testOrigin)

	_, err := env.svc.FinishRegistration(context.Background(), env.user.ID, a.Attest("never-issued"), "")
	assert.True(t, apierr.Is(err, apierr.KindBadRequest))
	assert.Equal(t, "challenge not found", apierr.Message(err))
}

func TestWebAuthn_WrongChallengeFailsAndClearsSlot(t *testing.T) {
	env := setupWebAuthn(t)
	ctx := context.Background()
	a := newTestAuthenticator(t, testRPID, testOrigin)

	_, err := env.svc.StartRegistration(ctx, env.user.ID)
	require.NoError(t, err)
	_, err = env.svc.FinishRegistration(ctx, env.user.ID, a.Attest("c3RhbGU"), "")
	assert.True(t, apierr.Is(err, apierr.KindBadRequest))
	assert.Equal(t, "verification failed", apierr.Message(err))

	pc, err := env.store.GetPendingChallenge(ctx, env.user.ID)
	require.NoError(t, err)
	assert.Nil(t, pc)
}

func TestWebAuthn_GarbageResponse(t *testing.T) {
	env := setupWebAuthn(t)
	ctx := context.Background()

	_, err := env.svc.StartRegistration(ctx, env.user.ID)
	require.NoError(t, err)
	_, err = env.svc.FinishRegistration(ctx, env.user.ID, []byte(`{"id":`), "")
	assert.Equal(t, "verification failed", apierr.Message(err))
}

func TestWebAuthn_RegistrationChallengeCannotFinishLogin(t *testing.T) {
	env := setupWebAuthn(t)
	ctx := context.Background()
	a := newTestAuthenticator(t, testRPID, testOrigin)
	env.register(t, a, "")

	options, err := env.svc.StartRegistration(ctx, env.user.ID)
	require.NoError(t, err)
	a.Counter = 1
	_, err = env.svc.FinishAuthentication(ctx, env.user.Email, a.Assert(options.Response.Challenge.String(), nil))
	assert.Equal(t, "challenge not found", apierr.Message(err))
}

func TestWebAuthn_StartAuthenticationErrors(t *testing.T) {
	env := setupWebAuthn(t)
	ctx := context.Background()

	_, err := env.svc.StartAuthentication(ctx, "nobody@example.com")
	assert.True(t, apierr.Is(err, apierr.KindNotFound))

	_, err = env.svc.StartAuthentication(ctx, env.user.Email)
	assert.True(t, apierr.Is(err, apierr.KindBadRequest))
	assert.Equal(t, "no credentials registered", apierr.Message(err))
}

func TestWebAuthn_FinishAuthenticationUnknownEmail(t *testing.T) {
	env := setupWebAuthn(t)
	_, err := env.svc.FinishAuthentication(context.Background(), "nobody@example.com", []byte(`{}`))
	assert.True(t, apierr.Is(err, apierr.KindUnauthorized))
	assert.Equal(t, "invalid credentials", apierr.Message(err))
}

func TestWebAuthn_ReplayedAssertionRejected(t *testing.T) {
	env := setupWebAuthn(t)
	ctx := context.Background()
	a := newTestAuthenticator(t, testRPID, testOrigin)
	env.register(t, a, "")

	options, err := env.svc.StartAuthentication(ctx, env.user.Email)
	require.NoError(t, err)
	a.Counter = 1
	response := a.Assert(options.Response.Challenge.String(), env.user.Handle())

	_, err = env.svc.FinishAuthentication(ctx, env.user.Email, response)
	require.NoError(t, err)

	_, err = env.svc.FinishAuthentication(ctx, env.user.Email, response)
	assert.Equal(t, "challenge not found", apierr.Message(err))
}

func TestWebAuthn_CounterRegressionRejected(t *testing.T) {
	env := setupWebAuthn(t)
	ctx := context.Background()
	a := newTestAuthenticator(t, testRPID, testOrigin)
	env.register(t, a, "")

	a.Counter = 5
	require.NoError(t, env.login(t, a))

	a.Counter = 4
	err := env.login(t, a)
	assert.True(t, apierr.Is(err, apierr.KindUnauthorized))
	assert.Equal(t, "authentication failed", apierr.Message(err))

	// an equal counter is rejected too
	a.Counter = 5
	err = env.login(t, a)
	assert.True(t, apierr.Is(err, apierr.KindUnauthorized))

	creds, _ := env.store.ListCredentials(ctx, env.user.ID)
	assert.Equal(t, uint32(5), creds[0].SignCounter)

	events := env.events(t)
	assert.Equal(t, models.ActionWebAuthnLoginFailed, events[0].Action)
	assert.Equal(t, models.ActionWebAuthnLoginFailed, events[1].Action)

	pc, err := env.store.GetPendingChallenge(ctx, env.user.ID)
	require.NoError(t, err)
	assert.Nil(t, pc)

	a.Counter = 6
	require.NoError(t, env.login(t, a))
}

func TestWebAuthn_UnknownCredentialRejected(t *testing.T) {
	env := setupWebAuthn(t)
	ctx := context.Background()
	env.register(t, newTestAuthenticator(t, testRPID, testOrigin), "")

	other := newTestAuthenticator(t, testRPID, testOrigin)
	other.Counter = 1
	err := env.login(t, other)
	assert.True(t, apierr.Is(err, apierr.KindUnauthorized))
	assert.Equal(t, "credential not found", apierr.Message(err))

	events := env.events(t)
	assert.Equal(t, models.ActionWebAuthnLoginFailed, events[0].Action)
	_, hasCred := events[0].Metadata["credentialId"]
	assert.False(t, hasCred)

	pc, _ := env.store.GetPendingChallenge(ctx, env.user.ID)
	assert.Nil(t, pc)
}

func TestWebAuthn_WrongOriginRejected(t *testing.T) {
	env := setupWebAuthn(t)
	a := newTestAuthenticator(t, testRPID, testOrigin)
	env.register(t, a, "")

	a.origin = "https://evil.example"
	a.Counter = 1
	err := env.login(t, a)
	assert.True(t, apierr.Is(err, apierr.KindUnauthorized))
	assert.Equal(t, "authentication failed", apierr.Message(err))
}

func TestWebAuthn_MalformedAssertion(t *testing.T) {
	env := setupWebAuthn(t)
	ctx := context.Background()
	env.register(t, newTestAuthenticator(t, testRPID, testOrigin), "")

	_, err := env.svc.StartAuthentication(ctx, env.user.Email)
	require.NoError(t, err)
	_, err = env.svc.FinishAuthentication(ctx, env.user.Email, []byte(`not json`))
	assert.True(t, apierr.Is(err, apierr.KindBadRequest))
	assert.Equal(t, "invalid authentication response", apierr.Message(err))

	pc, _ := env.store.GetPendingChallenge(ctx, env.user.ID)
	assert.Nil(t, pc)
}

func TestWebAuthn_ExpiredChallenge(t *testing.T) {
	store := storage.NewMemoryStorage()
	user := &models.User{ID: "user-1", Email: "ada@example.com", IsActive: true}
	require.NoError(t, store.SaveUser(context.Background(), user))
	svc, err := NewWebAuthnService(Config{
		RPID:          testRPID,
		RPDisplayName: "Example",
		RPOrigins:     []string{testOrigin},
	}, store, store, challenge.New(store, time.Millisecond), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx := context.Background()
	options, err := svc.StartRegistration(ctx, user.ID)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	a := newTestAuthenticator(t, testRPID, testOrigin)
	_, err = svc.FinishRegistration(ctx, user.ID, a.Attest(options.Response.Challenge.String()), "")
	assert.Equal(t, "challenge not found", apierr.Message(err))
}

// barrierSlots, once armed, holds the next two slot reads until both have
// arrived, so two finishers see the slot at the same moment.
type barrierSlots struct {
	*storage.MemoryStorage
	armed   atomic.Bool
	arrived sync.WaitGroup
	calls   atomic.Int32
}

func (b *barrierSlots) arm() {
	b.arrived.Add(2)
	b.armed.Store(true)
}

func (b *barrierSlots) wait() {
	if b.armed.Load() && b.calls.Add(1) <= 2 {
		b.arrived.Done()
		b.arrived.Wait()
	}
}

func (b *barrierSlots) GetPendingChallenge(ctx context.Context, userID string) (*models.PendingChallenge, error) {
	b.wait()
	return b.MemoryStorage.GetPendingChallenge(ctx, userID)
}

func (b *barrierSlots) TakePendingChallenge(ctx context.Context, userID string) (*models.PendingChallenge, error) {
	b.wait()
	return b.MemoryStorage.TakePendingChallenge(ctx, userID)
}

func TestWebAuthn_ConcurrentFinishSingleUse(t *testing.T) {
	store := storage.NewMemoryStorage()
	user := &models.User{ID: "user-1", Email: "ada@example.com", IsActive: true}
	require.NoError(t, store.SaveUser(context.Background(), user))

	slots := &barrierSlots{MemoryStorage: store}
	svc, err := NewWebAuthnService(Config{
		RPID:          testRPID,
		RPDisplayName: "Example",
		RPOrigins:     []string{testOrigin},
	}, store, store, challenge.New(slots, 5*time.Minute), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	env := &testEnv{svc: svc, store: store, user: user}

	// zero counter: the counter check cannot tell the two finishes apart
	a := newTestAuthenticator(t, testRPID, testOrigin)
	env.register(t, a, "")

	ctx := context.Background()
	options, err := svc.StartAuthentication(ctx, user.Email)
	require.NoError(t, err)
	response := a.Assert(options.Response.Challenge.String(), user.Handle())
	slots.arm()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.FinishAuthentication(ctx, user.Email, response)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, "challenge not found", apierr.Message(err))
	}
	assert.Equal(t, 1, succeeded)

	creds, err := store.ListCredentials(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, uint32(0), creds[0].SignCounter)
}
