// Package facial enrolls and verifies facial descriptors.
//
// Descriptors are sealed with facecrypt before they reach the store. A
// verification decrypts every descriptor the user enrolled and accepts the
// single nearest one when its Euclidean distance is at most the threshold.
package facial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/andyleap/bioauth/internal/apierr"
	"github.com/andyleap/bioauth/internal/audit"
	"github.com/andyleap/bioauth/internal/facecrypt"
	"github.com/andyleap/bioauth/internal/liveness"
	"github.com/andyleap/bioauth/internal/metrics"
	"github.com/andyleap/bioauth/internal/models"
	"github.com/andyleap/bioauth/internal/storage"
	"github.com/google/uuid"
)

const (
	DefaultThreshold        = 0.45
	DefaultDescriptorLength = 128

	defaultDescriptorLabel = "Unnamed descriptor"
)

var ErrLengthMismatch = errors.New("descriptor length mismatch")

// Distance returns the Euclidean distance between a and b.
func Distance(a, b models.Descriptor) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

type Config struct {
	Threshold        float64
	DescriptorLength int
	// RequireLiveness makes enrollment replay the submitted liveness trace
	// and refuse descriptors that were not captured on a blink.
	RequireLiveness bool
	Liveness        liveness.Config
}

type Engine struct {
	cfg    Config
	users  storage.UserDirectory
	store  storage.BiometricStore
	cipher *facecrypt.Cipher
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(cfg Config, users storage.UserDirectory, store storage.BiometricStore, cipher *facecrypt.Cipher, logger *slog.Logger) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.DescriptorLength <= 0 {
		cfg.DescriptorLength = DefaultDescriptorLength
	}
	return &Engine{
		cfg:    cfg,
		users:  users,
		store:  store,
		cipher: cipher,
		logger: logger,
		now:    time.Now,
	}
}

type Enrollment struct {
	Descriptor models.Descriptor
	Label      string
	DeviceInfo string
	Liveness   []liveness.Frame
}

// Match is an accepted verification.
type Match struct {
	User         *models.User
	DescriptorID string
	Distance     float64
}

func (e *Engine) checkLength(d models.Descriptor) error {
	if len(d) != e.cfg.DescriptorLength {
		return apierr.Wrap(apierr.KindBadRequest, fmt.Sprintf("descriptor must have %d values", e.cfg.DescriptorLength),
			fmt.Errorf("%w: got %d", ErrLengthMismatch, len(d)))
	}
	for _, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return apierr.BadRequest("descriptor values must be finite")
		}
	}
	return nil
}

// Enroll seals and stores a descriptor for userID.
func (e *Engine) Enroll(ctx context.Context, userID string, req Enrollment) (*models.FaceDescriptorInfo, error) {
	if _, err := e.users.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if err := e.checkLength(req.Descriptor); err != nil {
		metrics.RecordCeremony(metrics.CeremonyFacialEnroll, metrics.OutcomeRejected)
		return nil, err
	}

	if e.cfg.RequireLiveness {
		if err := e.checkLiveness(req); err != nil {
			e.logger.Warn("facial enrollment failed liveness", "user_id", userID, "error", err)
			metrics.RecordCeremony(metrics.CeremonyFacialEnroll, metrics.OutcomeRejected)
			return nil, apierr.Wrap(apierr.KindBadRequest, "liveness check failed", err)
		}
	}

	sealed, err := e.cipher.Encrypt(userID, req.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt descriptor: %w", err)
	}

	label := req.Label
	if label == "" {
		label = defaultDescriptorLabel
	}
	desc := &models.FaceDescriptor{
		ID:              uuid.NewString(),
		UserID:          userID,
		EncryptedVector: sealed,
		Label:           label,
		DeviceInfo:      req.DeviceInfo,
		CreatedAt:       e.now(),
	}
	event := audit.NewEvent(ctx, userID, models.ActionFacialRegistered, map[string]any{
		"descriptorId": desc.ID,
		"label":        desc.Label,
	})
	if err := e.store.CreateDescriptor(ctx, desc, event); err != nil {
		metrics.RecordCeremony(metrics.CeremonyFacialEnroll, metrics.OutcomeFailure)
		return nil, fmt.Errorf("failed to save descriptor: %w", err)
	}

	metrics.RecordCeremony(metrics.CeremonyFacialEnroll, metrics.OutcomeSuccess)
	e.logger.Info("facial descriptor enrolled", "user_id", userID, "descriptor_id", desc.ID)
	info := desc.Info()
	return &info, nil
}

// checkLiveness replays the trace and requires the blink frame to carry
// the submitted descriptor.
func (e *Engine) checkLiveness(req Enrollment) error {
	if len(req.Liveness) == 0 {
		return errors.New("no liveness trace submitted")
	}
	res, err := liveness.Replay(req.Liveness, e.cfg.Liveness)
	if err != nil {
		return err
	}
	d, err := Distance(res.Descriptor, req.Descriptor)
	if err != nil {
		return err
	}
	if d != 0 {
		return errors.New("descriptor was not captured on the blink frame")
	}
	return nil
}

// Verify matches sample against the descriptors enrolled by the user with
// the given email.
func (e *Engine) Verify(ctx context.Context, email string, sample models.Descriptor) (*Match, error) {
	user, err := e.users.GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierr.Unauthorized("invalid credentials")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	descs, err := e.store.ListDescriptors(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	if len(descs) == 0 {
		return nil, apierr.BadRequest("no descriptors enrolled")
	}
	if err := e.checkLength(sample); err != nil {
		metrics.RecordCeremony(metrics.CeremonyFacialVerify, metrics.OutcomeRejected)
		return nil, err
	}

	var (
		best         *models.FaceDescriptor
		bestDistance = math.Inf(1)
	)
	for _, desc := range descs {
		stored, err := e.cipher.Decrypt(user.ID, desc.EncryptedVector)
		if err == nil && len(stored) != len(sample) {
			err = fmt.Errorf("%w: %w: stored %d values", facecrypt.ErrIntegrity, ErrLengthMismatch, len(stored))
		}
		if err != nil {
			return nil, e.integrityFailure(user, desc, err)
		}

		d, _ := Distance(sample, stored)
		if d < bestDistance {
			best, bestDistance = desc, d
		}
	}
	metrics.FaceMatchDistance.Observe(bestDistance)

	if bestDistance > e.cfg.Threshold {
		e.logger.Warn("face not recognized", "user_id", user.ID, "distance", bestDistance)
		metrics.RecordCeremony(metrics.CeremonyFacialVerify, metrics.OutcomeRejected)
		event := audit.NewEvent(ctx, user.ID, models.ActionFacialLoginFailed, map[string]any{
			"reason":   "distance_above_threshold",
			"distance": bestDistance,
		})
		if err := e.store.RecordEvent(ctx, event); err != nil {
			e.logger.Error("failed to record facial login failure", "user_id", user.ID, "error", err)
		}
		return nil, apierr.Unauthorized("face not recognized")
	}

	event := audit.NewEvent(ctx, user.ID, models.ActionFacialLoginSuccess, map[string]any{
		"descriptorId": best.ID,
		"distance":     bestDistance,
	})
	if err := e.store.TouchDescriptor(ctx, best.ID, e.now(), event); err != nil {
		metrics.RecordCeremony(metrics.CeremonyFacialVerify, metrics.OutcomeFailure)
		return nil, fmt.Errorf("failed to update descriptor: %w", err)
	}

	metrics.RecordCeremony(metrics.CeremonyFacialVerify, metrics.OutcomeSuccess)
	e.logger.Info("facial login succeeded", "user_id", user.ID, "descriptor_id", best.ID, "distance", bestDistance)
	return &Match{User: user, DescriptorID: best.ID, Distance: bestDistance}, nil
}

// integrityFailure reports a stored descriptor that could not be opened.
// The client sees an ordinary non-match.
func (e *Engine) integrityFailure(user *models.User, desc *models.FaceDescriptor, cause error) error {
	e.logger.Error("stored descriptor failed integrity check", "user_id", user.ID, "descriptor_id", desc.ID, "error", cause)
	metrics.DescriptorIntegrityErrors.Inc()
	metrics.RecordCeremony(metrics.CeremonyFacialVerify, metrics.OutcomeFailure)
	return apierr.Wrap(apierr.KindUnauthorized, "face not recognized", cause)
}
