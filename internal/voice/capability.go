package voice

import (
	"context"
	"errors"
)

// Segment is a piece of recognized speech. Final segments are complete utterances; the rest are
// interim guesses the engine may still revise.
type Segment struct {
	Text  string
	Final bool
}

// Engine turns captured audio into recognized segments. Recognize blocks until ctx is cancelled,
// audio is closed and drained, or recognition fails. Engines that capture audio themselves may
// ignore the audio channel. Returning nil or a context error ends the session as stopped.
type Engine interface {
	Recognize(ctx context.Context, audio <-chan []byte, emit func(Segment)) error
}

// EngineFunc adapts an ordinary function to the Engine interface.
type EngineFunc func(ctx context.Context, audio <-chan []byte, emit func(Segment)) error

// Recognize calls f(ctx, audio, emit).
func (f EngineFunc) Recognize(ctx context.Context, audio <-chan []byte, emit func(Segment)) error {
	return f(ctx, audio, emit)
}

// Capability describes whether the host platform can recognize speech. The zero value is
// unavailable.
type Capability struct {
	engine Engine
}

// Available returns a capability backed by engine.
func Available(engine Engine) Capability {
	return Capability{engine: engine}
}

// Unavailable returns a capability for platforms without speech recognition.
func Unavailable() Capability {
	return Capability{}
}

// Engine returns the recognition engine and whether one is available.
func (c Capability) Engine() (Engine, bool) {
	return c.engine, c.engine != nil
}

var (
	// ErrUnsupported is reported when the platform provides no speech recognition.
	ErrUnsupported = errors.New("speech recognition not supported")
	// ErrNotIdle is returned by Start on a session that already started.
	ErrNotIdle = errors.New("recording session already started")
)
