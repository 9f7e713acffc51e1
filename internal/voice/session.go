// Package voice implements the voice capture session: a bounded recording that turns speech into
// transcript text through a pluggable recognition engine.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a recording session.
type State int

// Session states. A session moves from idle to recording and ends either stopped or errored.
const (
	StateIdle State = iota
	StateRecording
	StateStopped
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MaxSeconds is the recording ceiling. A session that is not stopped earlier stops itself once
// this many seconds have elapsed.
const MaxSeconds = 30

// Ticker delivers the one-second ticks that drive the recording timer.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	State      State
	Elapsed    int
	Transcript string
	Err        error
}

// Message returns the user-facing text of the session error, if any.
func (s Snapshot) Message() string {
	if s.Err == nil {
		return ""
	}
	return ErrorMessage(s.Err)
}

// ErrorMessage turns a recognition error into an inline message.
func ErrorMessage(err error) string {
	if errors.Is(err, ErrUnsupported) {
		return "Speech recognition not supported"
	}
	return fmt.Sprintf("Error: %v", err)
}

// Option configures a Session.
type Option func(*Session)

// WithTranscriptHandler sets the callback receiving every finalized transcript segment.
func WithTranscriptHandler(fn func(string)) Option {
	return func(s *Session) {
		s.onTranscript = fn
	}
}

// WithTickHandler sets the callback receiving the elapsed seconds after each tick.
func WithTickHandler(fn func(elapsed int)) Option {
	return func(s *Session) {
		s.onTick = fn
	}
}

// WithStopHandler sets the callback invoked once when the session ends, by any path.
func WithStopHandler(fn func(Snapshot)) Option {
	return func(s *Session) {
		s.onStop = fn
	}
}

// WithTicker replaces the ticker factory, mostly useful for tests.
func WithTicker(fn func(time.Duration) Ticker) Option {
	return func(s *Session) {
		s.newTicker = fn
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// Session is a single recording. It is created idle, started once, and released when it stops or
// errors. Callbacks run on the session's goroutines and must not block for long.
type Session struct {
	capability Capability

	onTranscript func(string)
	onTick       func(int)
	onStop       func(Snapshot)
	newTicker    func(time.Duration) Ticker
	logger       *slog.Logger

	mu         sync.Mutex
	state      State
	elapsed    int
	transcript string
	err        error
	closing    bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewSession creates an idle session recognizing speech with the given capability.
func NewSession(capability Capability, opts ...Option) *Session {
	s := &Session{
		capability:   capability,
		onTranscript: func(string) {},
		onTick:       func(int) {},
		onStop:       func(Snapshot) {},
		newTicker:    newTimeTicker,
		logger:       slog.Default(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("module", "voice"))
	return s
}

// Start begins recording. It resets the timer and transcript, then starts the ticker and the
// recognition engine. Audio captured by the host is read from audio, which may be nil for engines
// that capture on their own. If the capability is unavailable the session ends errored right away
// and ErrUnsupported is returned.
func (s *Session) Start(ctx context.Context, audio <-chan []byte) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.elapsed = 0
	s.transcript = ""
	s.err = nil

	engine, ok := s.capability.Engine()
	if !ok {
		s.mu.Unlock()
		s.finish(ErrUnsupported)
		return ErrUnsupported
	}

	ctx, cancel := context.WithCancel(ctx)
	s.state = StateRecording
	s.cancel = cancel
	ticker := s.newTicker(time.Second)
	s.mu.Unlock()

	go s.run(ctx, cancel, engine, audio, ticker)

	return nil
}

// Stop ends a recording session. It returns without waiting; use Done to wait for the engine and
// the timer to be released. Stopping a session that is not recording does nothing.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	recording := s.state == StateRecording
	s.mu.Unlock()

	if recording && cancel != nil {
		cancel()
	}
}

// Done returns a channel closed once the session ended and released its resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns the current state of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:      s.state,
		Elapsed:    s.elapsed,
		Transcript: s.transcript,
		Err:        s.err,
	}
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, engine Engine, audio <-chan []byte, ticker Ticker) {
	engineErr := make(chan error, 1)
	go func() {
		engineErr <- engine.Recognize(ctx, audio, s.emit)
	}()

	var cause error
	engineDone := false

loop:
	for {
		select {
		case <-ticker.C():
			if s.tick() >= MaxSeconds {
				s.logger.Debug("Recording ceiling reached")
				break loop
			}
		case err := <-engineErr:
			engineDone = true
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				cause = err
			}
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	ticker.Stop()
	cancel()
	if !engineDone {
		if err := <-engineErr; err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("Engine stopped", slog.String("error", err.Error()))
		}
	}

	s.finish(cause)
}

func (s *Session) tick() int {
	s.mu.Lock()
	if s.elapsed < MaxSeconds {
		s.elapsed++
	}
	elapsed := s.elapsed
	s.mu.Unlock()

	s.onTick(elapsed)
	return elapsed
}

// emit receives segments from the engine. Only finalized segments reach the transcript, each one
// replacing the previous value.
func (s *Session) emit(seg Segment) {
	if !seg.Final || seg.Text == "" {
		return
	}

	s.mu.Lock()
	if s.state != StateRecording || s.closing {
		s.mu.Unlock()
		return
	}
	s.transcript = seg.Text
	s.mu.Unlock()

	s.onTranscript(seg.Text)
}

func (s *Session) finish(cause error) {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateErrored {
		s.mu.Unlock()
		return
	}
	if cause != nil {
		s.state = StateErrored
		s.err = cause
		s.logger.Error("Speech recognition failed", slog.String("error", cause.Error()))
	} else {
		s.state = StateStopped
	}
	s.cancel = nil
	snap := s.snapshotLocked()
	close(s.done)
	s.mu.Unlock()

	s.onStop(snap)
}
