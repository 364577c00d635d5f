package liveness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andyleap/bioauth/internal/models"
)

var (
	ErrTimeout   = errors.New("liveness check timed out")
	ErrCancelled = errors.New("liveness check cancelled")
	ErrBusy      = errors.New("liveness check already running")
)

// FrameSource yields face detections from a capture device. Detect returns
// nil, nil when the frame holds no face. Close releases the device.
type FrameSource interface {
	Detect(ctx context.Context) (*Detection, error)
	Close() error
}

// Gate runs one liveness check at a time over a FrameSource.
type Gate struct {
	cfg      Config
	observer func(State)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	state   State
}

// NewGate returns a Gate. observer, if non-nil, is called on every state
// change from the goroutine calling Run.
func NewGate(cfg Config, observer func(State)) *Gate {
	return &Gate{cfg: cfg.withDefaults(), observer: observer}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Cancel stops a running check. Run then returns ErrCancelled.
func (g *Gate) Cancel() {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (g *Gate) setState(s State) {
	g.mu.Lock()
	changed := g.state != s
	g.state = s
	g.mu.Unlock()
	if changed && g.observer != nil {
		g.observer(s)
	}
}

// Run samples src every interval until a blink completes, returning the
// descriptor captured on the reopening frame. src is closed before Run
// returns, whatever the outcome.
func (g *Gate) Run(ctx context.Context, src FrameSource) (models.Descriptor, error) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		src.Close()
		return nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.running = true
	g.cancel = cancel
	g.mu.Unlock()

	defer func() {
		cancel()
		src.Close()
		g.mu.Lock()
		g.running = false
		g.cancel = nil
		g.mu.Unlock()
	}()

	deadline, stop := context.WithTimeout(runCtx, g.cfg.Timeout)
	defer stop()

	tracker := NewTracker(g.cfg)
	g.setState(StateWaitingFace)

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.Done():
			return nil, g.abort(runCtx)
		case <-ticker.C:
		}

		detection, err := src.Detect(deadline)
		if err != nil {
			if deadline.Err() != nil {
				return nil, g.abort(runCtx)
			}
			g.setState(StateIdle)
			return nil, fmt.Errorf("failed to detect face: %w", err)
		}

		state := tracker.Observe(detection)
		g.setState(state)
		if state == StateSuccess {
			return tracker.Descriptor(), nil
		}
	}
}

// abort resets the gate to idle and reports why sampling stopped.
func (g *Gate) abort(runCtx context.Context) error {
	g.setState(StateIdle)
	if runCtx.Err() != nil {
		return ErrCancelled
	}
	return ErrTimeout
}
