// Package liveness gates descriptor capture on an observed eye blink.
//
// A Tracker consumes one face detection per sample and completes once the
// eyes stay closed for a run of samples and then reopen. The descriptor of
// the reopening frame is the captured one. Gate drives a Tracker from a live
// FrameSource; Replay drives one over a recorded trace.
package liveness

import (
	"math"
	"time"

	"github.com/andyleap/bioauth/internal/models"
)

const (
	DefaultEARThreshold = 0.32
	DefaultClosedFrames = 2
	DefaultInterval     = 120 * time.Millisecond
	DefaultTimeout      = 15 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateWaitingFace
	StateBlink
	StateSuccess
)

func (s State) String() string {
	switch s {
	case StateWaitingFace:
		return "waiting-face"
	case StateBlink:
		return "blink"
	case StateSuccess:
		return "success"
	default:
		return "idle"
	}
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Eye holds the six landmark points of one eye: the two corners at 0 and
// 3, upper lid at 1 and 2, lower lid at 5 and 4.
type Eye [6]Point

type Landmarks struct {
	LeftEye  Eye `json:"leftEye"`
	RightEye Eye `json:"rightEye"`
}

// Detection is a face found in one sampled frame.
type Detection struct {
	Landmarks  Landmarks
	Descriptor models.Descriptor
}

type Config struct {
	EARThreshold float64
	ClosedFrames int
	Interval     time.Duration
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.EARThreshold <= 0 {
		c.EARThreshold = DefaultEARThreshold
	}
	if c.ClosedFrames <= 0 {
		c.ClosedFrames = DefaultClosedFrames
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

func dist(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// EyeAspectRatio returns the eye aspect ratio of eye, or 0 when its corners
// coincide.
func EyeAspectRatio(eye Eye) float64 {
	horizontal := dist(eye[0], eye[3])
	if horizontal == 0 {
		return 0
	}
	return (dist(eye[1], eye[5]) + dist(eye[2], eye[4])) / (2 * horizontal)
}

func AverageEAR(l Landmarks) float64 {
	return (EyeAspectRatio(l.LeftEye) + EyeAspectRatio(l.RightEye)) / 2
}

// Tracker is the blink state machine. It is not safe for concurrent use.
type Tracker struct {
	cfg        Config
	state      State
	closedRun  int
	eyesClosed bool
	descriptor models.Descriptor
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg.withDefaults()}
}

func (t *Tracker) State() State {
	return t.state
}

// Descriptor returns the captured descriptor once the tracker succeeded.
func (t *Tracker) Descriptor() models.Descriptor {
	return t.descriptor
}

func (t *Tracker) Reset() {
	*t = Tracker{cfg: t.cfg}
}

// Observe feeds one sample; d is nil when no face was found. Once the
// tracker reaches StateSuccess further samples are ignored.
func (t *Tracker) Observe(d *Detection) State {
	if t.state == StateSuccess {
		return t.state
	}
	if d == nil {
		t.state = StateWaitingFace
		return t.state
	}

	if AverageEAR(d.Landmarks) < t.cfg.EARThreshold {
		t.state = StateBlink
		if !t.eyesClosed {
			t.closedRun++
			if t.closedRun >= t.cfg.ClosedFrames {
				t.eyesClosed = true
			}
		}
		return t.state
	}

	if t.eyesClosed {
		t.state = StateSuccess
		t.descriptor = d.Descriptor
		return t.state
	}
	// eyes reopened before the closure counted as a blink
	t.closedRun = 0
	t.state = StateWaitingFace
	return t.state
}
