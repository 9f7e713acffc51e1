// Package conversation holds the state of a single conversation view: the ordered message list, the
// input text, and the one relay call that may be in flight at a time. Hosts (the web handlers, the
// terminal client) drive a View and render from the events it emits.
package conversation

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arqam66/chatbot-openai/internal/models"
	"github.com/google/uuid"
)

// Relay streams the model's response to a conversation history.
type Relay interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// StarterPrompt is submitted by StartConversation from the welcome screen.
const StarterPrompt = "What can you help me with?"

var (
	// ErrEmptyInput is returned by Submit when there is nothing to send.
	ErrEmptyInput = errors.New("input is empty")
	// ErrStreamInFlight is returned by Submit while a response is still streaming.
	ErrStreamInFlight = errors.New("a response is already streaming")
	// ErrNotEmpty is returned by StartConversation once the conversation has messages.
	ErrNotEmpty = errors.New("conversation already started")
	// ErrRelayFailed is the user-facing error of a failed relay call.
	ErrRelayFailed = errors.New("failed to get a response, please try again")
)

// EventKind identifies what changed in a View.
type EventKind int

// Kinds of view events.
const (
	// EventMessageAppended is emitted when a message is added to the list.
	EventMessageAppended EventKind = iota
	// EventMessageUpdated is emitted when the streaming assistant message grows.
	EventMessageUpdated
	// EventStreamStarted is emitted when a relay call begins.
	EventStreamStarted
	// EventStreamEnded is emitted when a relay call completes, fails, or is cancelled.
	EventStreamEnded
	// EventInputChanged is emitted when the input is replaced from outside the input widget.
	EventInputChanged
	// EventError is emitted when a relay call fails.
	EventError
)

// Event describes a change in a View.
type Event struct {
	Kind    EventKind
	Message models.Message
	Input   string
	Err     error
}

// ScrollToBottom reports whether the host should scroll the message list to its end.
func (e Event) ScrollToBottom() bool {
	return e.Kind == EventMessageAppended
}

// Option configures a View.
type Option func(*View)

// WithListener sets the function receiving the view's events. Events are delivered in order, one at
// a time, from whichever goroutine produced them; a listener must not call back into the View.
func WithListener(fn func(Event)) Option {
	return func(v *View) {
		v.listener = fn
	}
}

// WithLogger sets the view logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *View) {
		v.logger = logger
	}
}

// WithTimeout bounds every relay call. A call still streaming when d elapses fails like any other
// relay error. Zero leaves calls unbounded.
func WithTimeout(d time.Duration) Option {
	return func(v *View) {
		v.timeout = d
	}
}

// WithIDGenerator replaces the message id generator.
func WithIDGenerator(fn func() string) Option {
	return func(v *View) {
		v.newID = fn
	}
}

// View is the state of one conversation. It is safe for concurrent use.
type View struct {
	relay    Relay
	listener func(Event)
	newID    func() string
	timeout  time.Duration
	logger   *slog.Logger

	// emitMu serializes listener calls so events arrive in the order they happened.
	emitMu sync.Mutex

	mu          sync.Mutex
	messages    []models.Message
	input       string
	streaming   bool
	generation  uint64
	assistantID string
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates an empty view sending its relay calls to relay.
func New(relay Relay, opts ...Option) *View {
	v := &View{
		relay:    relay,
		listener: func(Event) {},
		newID:    func() string { return uuid.New().String() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(slog.String("module", "conversation"))
	return v
}

// Messages returns a copy of the message list.
func (v *View) Messages() []models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]models.Message(nil), v.messages...)
}

// Input returns the current input text.
func (v *View) Input() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.input
}

// Streaming reports whether a relay call is in flight.
func (v *View) Streaming() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.streaming
}

// CanSubmit reports whether Submit would currently be accepted.
func (v *View) CanSubmit() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.streaming && strings.TrimSpace(v.input) != ""
}

// SetInput replaces the input text, e.g. with a voice transcript.
func (v *View) SetInput(text string) {
	v.mu.Lock()
	v.input = text
	v.mu.Unlock()

	v.emit(Event{Kind: EventInputChanged, Input: text})
}

// Submit sends the current input. The input must be non-empty after trimming and no other response
// may be streaming. The user message is appended and the input cleared before the relay call starts;
// the call itself runs in the background and Submit returns the appended message.
func (v *View) Submit() (models.Message, error) {
	v.mu.Lock()
	if v.streaming {
		v.mu.Unlock()
		return models.Message{}, ErrStreamInFlight
	}
	if strings.TrimSpace(v.input) == "" {
		v.mu.Unlock()
		return models.Message{}, ErrEmptyInput
	}

	um := models.Message{
		ID:        v.newID(),
		Role:      models.RoleUser,
		Content:   v.input,
		Timestamp: time.Now(),
	}
	v.messages = append(v.messages, um)
	v.input = ""
	history := append([]models.Message(nil), v.messages...)

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if v.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), v.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	v.streaming = true
	v.generation++
	gen := v.generation
	v.assistantID = ""
	v.cancel = cancel
	done := make(chan struct{})
	v.done = done
	v.mu.Unlock()

	v.emit(Event{Kind: EventMessageAppended, Message: um})
	v.emit(Event{Kind: EventInputChanged})
	v.emit(Event{Kind: EventStreamStarted})

	go v.stream(ctx, gen, history, done)

	return um, nil
}

// StartConversation submits the starter prompt. It is only available while the conversation is
// empty.
func (v *View) StartConversation() (models.Message, error) {
	v.mu.Lock()
	if len(v.messages) > 0 {
		v.mu.Unlock()
		return models.Message{}, ErrNotEmpty
	}
	if v.streaming {
		v.mu.Unlock()
		return models.Message{}, ErrStreamInFlight
	}
	v.input = StarterPrompt
	v.mu.Unlock()

	return v.Submit()
}

// Cancel aborts the in-flight relay call. The partial assistant message is kept as it is and no
// later fragment is applied to it. Cancel reports whether a call was in flight.
func (v *View) Cancel() bool {
	v.mu.Lock()
	if !v.streaming {
		v.mu.Unlock()
		return false
	}
	v.cancel()
	v.endLocked()
	v.mu.Unlock()

	v.logger.Debug("Stream cancelled")
	v.emit(Event{Kind: EventStreamEnded})
	return true
}

// Wait blocks until the current relay goroutine, if any, has returned.
func (v *View) Wait() {
	v.mu.Lock()
	done := v.done
	v.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Close cancels any in-flight call. The view must not be used afterwards.
func (v *View) Close() {
	v.Cancel()
	v.Wait()
}

func (v *View) endLocked() {
	v.streaming = false
	v.generation++
	v.cancel = nil
	v.assistantID = ""
}

func (v *View) stream(ctx context.Context, gen uint64, history []models.Message, done chan struct{}) {
	defer close(done)

	for chunk, err := range v.relay.Chat(ctx, history) {
		if err != nil {
			// Does nothing once Cancel moved the generation on.
			v.fail(gen, err)
			return
		}
		if !v.apply(gen, chunk) {
			return
		}
	}

	v.mu.Lock()
	if v.generation != gen {
		v.mu.Unlock()
		return
	}
	v.cancel()
	v.endLocked()
	v.mu.Unlock()

	v.emit(Event{Kind: EventStreamEnded})
}

// apply appends a fragment to the streaming assistant message, creating it on the first fragment.
// It reports false once the call is no longer current.
func (v *View) apply(gen uint64, chunk string) bool {
	v.mu.Lock()
	if v.generation != gen {
		v.mu.Unlock()
		return false
	}

	kind := EventMessageUpdated
	if v.assistantID == "" {
		am := models.Message{
			ID:        v.newID(),
			Role:      models.RoleAssistant,
			Timestamp: time.Now(),
		}
		v.messages = append(v.messages, am)
		v.assistantID = am.ID
		kind = EventMessageAppended
	}
	last := &v.messages[len(v.messages)-1]
	last.Content += chunk
	msg := *last

	// Emitting under mu keeps events ordered with Cancel, which also emits after taking mu.
	v.emitMu.Lock()
	v.mu.Unlock()
	v.listener(Event{Kind: kind, Message: msg})
	v.emitMu.Unlock()

	return true
}

func (v *View) fail(gen uint64, err error) {
	v.mu.Lock()
	if v.generation != gen {
		v.mu.Unlock()
		return
	}
	v.cancel()
	v.endLocked()
	v.mu.Unlock()

	v.logger.Error("Relay call failed", slog.String("error", err.Error()))
	v.emit(Event{Kind: EventError, Err: ErrRelayFailed})
	v.emit(Event{Kind: EventStreamEnded})
}

func (v *View) emit(e Event) {
	v.emitMu.Lock()
	defer v.emitMu.Unlock()
	v.listener(e)
}
