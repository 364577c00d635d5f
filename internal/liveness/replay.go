package liveness

import (
	"errors"
	"fmt"
	"time"

	"github.com/andyleap/bioauth/internal/models"
)

var (
	ErrNoBlink      = errors.New("no blink detected")
	ErrInvalidTrace = errors.New("invalid liveness trace")
)

// Frame is one recorded sample of a client-side liveness check. At is the
// offset from the start of the capture in milliseconds; Landmarks is nil
// when no face was found.
type Frame struct {
	At         int64             `json:"t"`
	Landmarks  *Landmarks        `json:"landmarks,omitempty"`
	Descriptor models.Descriptor `json:"descriptor,omitempty"`
}

type Result struct {
	Descriptor models.Descriptor
	Frames     int
	Elapsed    time.Duration
}

// Replay runs the blink tracker over a recorded trace. The blink must
// complete within the configured timeout of the first frame.
func Replay(frames []Frame, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	if len(frames) == 0 {
		return nil, ErrNoBlink
	}

	tracker := NewTracker(cfg)
	start := frames[0].At
	prev := start
	for i, f := range frames {
		if f.At < prev {
			return nil, fmt.Errorf("%w: frame %d goes back in time", ErrInvalidTrace, i)
		}
		prev = f.At

		elapsed := time.Duration(f.At-start) * time.Millisecond
		if elapsed > cfg.Timeout {
			return nil, ErrTimeout
		}

		var d *Detection
		if f.Landmarks != nil {
			d = &Detection{Landmarks: *f.Landmarks, Descriptor: f.Descriptor}
		}
		if tracker.Observe(d) == StateSuccess {
			return &Result{Descriptor: tracker.Descriptor(), Frames: i + 1, Elapsed: elapsed}, nil
		}
	}
	return nil, ErrNoBlink
}
