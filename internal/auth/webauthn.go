package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andyleap/bioauth/internal/apierr"
	"github.com/andyleap/bioauth/internal/audit"
	"github.com/andyleap/bioauth/internal/challenge"
	"github.com/andyleap/bioauth/internal/metrics"
	"github.com/andyleap/bioauth/internal/models"
	"github.com/andyleap/bioauth/internal/storage"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

const defaultCredentialLabel = "Unnamed device"

type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	// ChallengeTTL, when non-zero, is also enforced by go-webauthn on the
	// session data and advertised to clients as the ceremony timeout.
	ChallengeTTL time.Duration
}

// WebAuthnService runs the registration and authentication ceremonies.
type WebAuthnService struct {
	webauthn   *webauthn.WebAuthn
	users      storage.UserDirectory
	store      storage.BiometricStore
	challenges *challenge.Store
	logger     *slog.Logger
	now        func() time.Time
}

func NewWebAuthnService(cfg Config, users storage.UserDirectory, store storage.BiometricStore, challenges *challenge.Store, logger *slog.Logger) (*WebAuthnService, error) {
	wcfg := &webauthn.Config{
		RPID:                  cfg.RPID,
		RPDisplayName:         cfg.RPDisplayName,
		RPOrigins:             cfg.RPOrigins,
		AttestationPreference: protocol.PreferNoAttestation,
	}
	if cfg.ChallengeTTL > 0 {
		timeout := webauthn.TimeoutConfig{Enforce: true, Timeout: cfg.ChallengeTTL, TimeoutUVD: cfg.ChallengeTTL}
		wcfg.Timeouts = webauthn.TimeoutsConfig{Login: timeout, Registration: timeout}
	}

	wa, err := webauthn.New(wcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create webauthn: %w", err)
	}

	return &WebAuthnService{
		webauthn:   wa,
		users:      users,
		store:      store,
		challenges: challenges,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// webauthnUser adapts a directory user and their stored credentials to
// go-webauthn's User.
type webauthnUser struct {
	user  *models.User
	creds []*models.Credential
}

func (u *webauthnUser) WebAuthnID() []byte          { return u.user.Handle() }
func (u *webauthnUser) WebAuthnName() string        { return u.user.Email }
func (u *webauthnUser) WebAuthnDisplayName() string { return u.user.DisplayName() }

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, len(u.creds))
	for i, c := range u.creds {
		out[i] = toWebAuthnCredential(c)
	}
	return out
}

func toWebAuthnCredential(c *models.Credential) webauthn.Credential {
	return webauthn.Credential{
		ID:              c.CredentialID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       toTransports(c.Transports),
		Flags: webauthn.CredentialFlags{
			UserPresent:    true,
			BackupEligible: c.BackupEligible(),
			BackupState:    c.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCounter,
		},
	}
}

func toTransports(in []string) []protocol.AuthenticatorTransport {
	out := make([]protocol.AuthenticatorTransport, len(in))
	for i, t := range in {
		out[i] = protocol.AuthenticatorTransport(t)
	}
	return out
}

func fromTransports(in []protocol.AuthenticatorTransport) []string {
	out := make([]string, len(in))
	for i, t := range in {
		out[i] = string(t)
	}
	return out
}

func (w *WebAuthnService) loadUser(ctx context.Context, lookup func() (*models.User, error)) (*webauthnUser, error) {
	user, err := lookup()
	if err != nil {
		return nil, err
	}
	creds, err := w.store.ListCredentials(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return &webauthnUser{user: user, creds: creds}, nil
}

func (w *WebAuthnService) userByID(ctx context.Context, userID string) func() (*models.User, error) {
	return func() (*models.User, error) {
		user, err := w.users.GetUser(ctx, userID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("user not found")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get user: %w", err)
		}
		return user, nil
	}
}

// StartRegistration returns creation options for userID, excluding every
// credential the user already has, and stores the challenge.
func (w *WebAuthnService) StartRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, error) {
	wu, err := w.loadUser(ctx, w.userByID(ctx, userID))
	if err != nil {
		return nil, err
	}

	exclusions := webauthn.Credentials(wu.WebAuthnCredentials()).CredentialDescriptors()
	options, session, err := w.webauthn.BeginRegistration(
		wu,
		webauthn.WithExclusions(exclusions),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			RequireResidentKey:      protocol.ResidentKeyNotRequired(),
			ResidentKey:             protocol.ResidentKeyRequirementPreferred,
			UserVerification:        protocol.VerificationPreferred,
		}),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to begin registration: %w", err)
	}

	if _, err := w.challenges.Issue(ctx, userID, models.CeremonyRegistration, session); err != nil {
		return nil, err
	}

	w.logger.Debug("registration started", "user_id", userID, "excluded", len(exclusions))
	return options, nil
}

// FinishRegistration verifies an attestation response against the pending
// registration challenge and stores the new credential.
func (w *WebAuthnService) FinishRegistration(ctx context.Context, userID string, response []byte, label string) (*models.CredentialInfo, error) {
	wu, err := w.loadUser(ctx, w.userByID(ctx, userID))
	if err != nil {
		return nil, err
	}

	pc, err := w.challenges.Redeem(ctx, userID, models.CeremonyRegistration)
	if err != nil {
		return nil, err
	}
	if pc.Session == nil {
		return nil, challenge.ErrNotFound
	}

	fail := func(cause error) error {
		w.logger.Warn("webauthn registration rejected", "user_id", userID, "error", cause)
		metrics.RecordCeremony(metrics.CeremonyRegistration, metrics.OutcomeRejected)
		return apierr.Wrap(apierr.KindBadRequest, "verification failed", cause)
	}

	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return nil, fail(err)
	}

	credential, err := w.webauthn.CreateCredential(wu, *pc.Session, parsed)
	if err != nil {
		return nil, fail(err)
	}

	if label == "" {
		label = defaultCredentialLabel
	}
	deviceType := models.DeviceTypeSingle
	if credential.Flags.BackupEligible {
		deviceType = models.DeviceTypeMulti
	}

	cred := &models.Credential{
		ID:              uuid.NewString(),
		UserID:          userID,
		CredentialID:    models.CredentialID(credential.ID),
		PublicKey:       credential.PublicKey,
		SignCounter:     credential.Authenticator.SignCount,
		DeviceType:      deviceType,
		BackedUp:        credential.Flags.BackupState,
		Transports:      fromTransports(credential.Transport),
		AttestationType: credential.AttestationType,
		AAGUID:          credential.Authenticator.AAGUID,
		Label:           label,
		CreatedAt:       w.now(),
	}

	event := audit.NewEvent(ctx, userID, models.ActionWebAuthnRegistered, map[string]any{
		"credentialId": cred.CredentialID.String(),
		"label":        cred.Label,
	})
	if err := w.store.CreateCredential(ctx, cred, event); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fail(err)
		}
		metrics.RecordCeremony(metrics.CeremonyRegistration, metrics.OutcomeFailure)
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}

	metrics.RecordCeremony(metrics.CeremonyRegistration, metrics.OutcomeSuccess)
	w.logger.Info("webauthn credential registered", "user_id", userID, "credential_id", cred.ID, "device_type", cred.DeviceType)

	info := cred.Info()
	return &info, nil
}

// StartAuthentication returns request options listing the user's
// credentials and stores the challenge.
func (w *WebAuthnService) StartAuthentication(ctx context.Context, email string) (*protocol.CredentialAssertion, error) {
	wu, err := w.loadUser(ctx, func() (*models.User, error) {
		user, err := w.users.GetUserByEmail(ctx, email)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("user not found")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get user: %w", err)
		}
		return user, nil
	})
	if err != nil {
		return nil, err
	}

	if len(wu.creds) == 0 {
		return nil, apierr.BadRequest("no credentials registered")
	}

	options, session, err := w.webauthn.BeginLogin(wu, webauthn.WithUserVerification(protocol.VerificationPreferred))
	if err != nil {
		return nil, fmt.Errorf("failed to begin login: %w", err)
	}

	if _, err := w.challenges.Issue(ctx, wu.user.ID, models.CeremonyAuthentication, session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishAuthentication verifies an assertion for the user with the given
// email and advances the credential's sign counter. The returned user is
// handed to the session issuer.
func (w *WebAuthnService) FinishAuthentication(ctx context.Context, email string, response []byte) (*models.User, error) {
	wu, err := w.loadUser(ctx, func() (*models.User, error) {
		user, err := w.users.GetUserByEmail(ctx, email)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.Unauthorized("invalid credentials")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get user: %w", err)
		}
		return user, nil
	})
	if err != nil {
		return nil, err
	}
	user := wu.user

	pc, err := w.challenges.Redeem(ctx, user.ID, models.CeremonyAuthentication)
	if err != nil {
		return nil, err
	}
	if pc.Session == nil {
		return nil, challenge.ErrNotFound
	}

	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		w.logger.Warn("malformed assertion", "user_id", user.ID, "error", err)
		return nil, apierr.Wrap(apierr.KindBadRequest, "invalid authentication response", err)
	}

	var matched *models.Credential
	for _, c := range wu.creds {
		if c.CredentialID.Equal(models.CredentialID(parsed.RawID)) {
			matched = c
			break
		}
	}
	if matched == nil {
		return nil, w.rejectLogin(ctx, user, "", errors.New("unknown credential id"), "credential not found")
	}

	validated, err := w.webauthn.ValidateLogin(wu, *pc.Session, parsed)
	if err != nil {
		return nil, w.rejectLogin(ctx, user, matched.CredentialID.String(), err, "authentication failed")
	}
	if validated.Authenticator.CloneWarning {
		return nil, w.rejectLogin(ctx, user, matched.CredentialID.String(),
			fmt.Errorf("sign counter did not advance: stored %d", matched.SignCounter), "authentication failed")
	}

	event := audit.NewEvent(ctx, user.ID, models.ActionWebAuthnLoginSuccess, map[string]any{
		"credentialId": matched.CredentialID.String(),
	})
	err = w.store.UpdateCredentialUsage(ctx, matched.ID, matched.SignCounter, validated.Authenticator.SignCount, w.now(), event)
	if errors.Is(err, storage.ErrCounterConflict) || errors.Is(err, storage.ErrNotFound) {
		return nil, w.rejectLogin(ctx, user, matched.CredentialID.String(), err, "authentication failed")
	}
	if err != nil {
		metrics.RecordCeremony(metrics.CeremonyAuthentication, metrics.OutcomeFailure)
		return nil, fmt.Errorf("failed to update credential: %w", err)
	}

	metrics.RecordCeremony(metrics.CeremonyAuthentication, metrics.OutcomeSuccess)
	w.logger.Info("webauthn login succeeded", "user_id", user.ID, "credential_id", matched.ID)
	return user, nil
}

// rejectLogin records a failed login and returns an Unauthorized error with
// message. The cause is only logged.
func (w *WebAuthnService) rejectLogin(ctx context.Context, user *models.User, credentialID string, cause error, message string) error {
	w.logger.Warn("webauthn login rejected", "user_id", user.ID, "credential_id", credentialID, "error", cause)
	metrics.RecordCeremony(metrics.CeremonyAuthentication, metrics.OutcomeRejected)

	meta := map[string]any{}
	if credentialID != "" {
		meta["credentialId"] = credentialID
	}
	if err := w.store.RecordEvent(ctx, audit.NewEvent(ctx, user.ID, models.ActionWebAuthnLoginFailed, meta)); err != nil {
		w.logger.Error("failed to record login failure", "user_id", user.ID, "error", err)
	}
	return apierr.Wrap(apierr.KindUnauthorized, message, cause)
}
