package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/arqam66/chatbot-openai/internal/conversation"
	"github.com/arqam66/chatbot-openai/internal/models"
)

// scriptedRelay yields the fragments sent on chunks until it is closed. A value on errs fails the
// stream.
type scriptedRelay struct {
	chunks chan string
	errs   chan error

	mu      sync.Mutex
	history [][]models.Message
}

func newScriptedRelay() *scriptedRelay {
	return &scriptedRelay{
		chunks: make(chan string),
		errs:   make(chan error, 1),
	}
}

func (r *scriptedRelay) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	r.mu.Lock()
	r.history = append(r.history, messages)
	r.mu.Unlock()

	return func(yield func(string, error) bool) {
		for {
			select {
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			case err := <-r.errs:
				yield("", err)
				return
			case c, ok := <-r.chunks:
				if !ok {
					return
				}
				if !yield(c, nil) {
					return
				}
			}
		}
	}
}

func (r *scriptedRelay) calls() [][]models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]models.Message(nil), r.history...)
}

type fixedRelay []string

func (f fixedRelay) Chat(ctx context.Context, _ []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, c := range f {
			if !yield(c, nil) {
				return
			}
		}
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []conversation.Event
}

func (l *eventLog) record(e conversation.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []conversation.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]conversation.EventKind, len(l.events))
	for i, e := range l.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func (l *eventLog) count(kind conversation.EventKind) int {
	n := 0
	for _, k := range l.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func newView(relay conversation.Relay, log *eventLog) *conversation.View {
	n := 0
	var mu sync.Mutex
	return conversation.New(relay,
		conversation.WithListener(log.record),
		conversation.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		conversation.WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("m%d", n)
		}),
	)
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubmitHello(t *testing.T) {
	log := &eventLog{}
	v := newView(fixedRelay{"Hi", " there", "!"}, log)

	v.SetInput("Hello")
	um, err := v.Submit()
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if um.Role != models.RoleUser || um.Content != "Hello" {
		t.Errorf("Submit() = %+v, want user message %q", um, "Hello")
	}
	if v.Input() != "" {
		t.Errorf("Input() = %q, want cleared", v.Input())
	}
	v.Wait()

	msgs := v.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Messages() = %+v, want 2", msgs)
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "Hello" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "Hi there!" {
		t.Errorf("msgs[1] = %+v, want assistant %q", msgs[1], "Hi there!")
	}
	if v.Streaming() {
		t.Error("Streaming() = true after the stream ended")
	}

	want := []conversation.EventKind{
		conversation.EventMessageAppended,
		conversation.EventInputChanged,
		conversation.EventStreamStarted,
		conversation.EventMessageAppended,
		conversation.EventMessageUpdated,
		conversation.EventMessageUpdated,
		conversation.EventStreamEnded,
	}
	got := log.kinds()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSubmitAppendsUserMessageBeforeRelay(t *testing.T) {
	relay := newScriptedRelay()
	log := &eventLog{}
	v := newView(relay, log)
	defer v.Close()

	v.SetInput("What is Go?")
	if _, err := v.Submit(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, func() bool { return len(relay.calls()) == 1 })
	history := relay.calls()[0]
	if len(history) != 1 || history[0].Content != "What is Go?" {
		t.Errorf("relay history = %+v, want exactly the user message", history)
	}
}

func TestSubmitRejected(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		busy    bool
		wantErr error
	}{
		{name: "Empty input", input: "", wantErr: conversation.ErrEmptyInput},
		{name: "Whitespace input", input: "  \n\t", wantErr: conversation.ErrEmptyInput},
		{name: "Stream in flight", input: "again", busy: true, wantErr: conversation.ErrStreamInFlight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := newScriptedRelay()
			v := newView(relay, &eventLog{})
			defer v.Close()

			if tt.busy {
				v.SetInput("first")
				if _, err := v.Submit(); err != nil {
					t.Fatalf("first Submit() error = %v", err)
				}
			}
			before := len(v.Messages())

			v.SetInput(tt.input)
			if v.CanSubmit() {
				t.Error("CanSubmit() = true")
			}
			if _, err := v.Submit(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Submit() error = %v, want %v", err, tt.wantErr)
			}
			if got := len(v.Messages()); got != before {
				t.Errorf("Messages() grew from %d to %d", before, got)
			}
			if v.Input() != tt.input {
				t.Errorf("Input() = %q, want %q kept", v.Input(), tt.input)
			}
		})
	}
}

func TestCancelKeepsPartialContent(t *testing.T) {
	relay := newScriptedRelay()
	log := &eventLog{}
	v := newView(relay, log)

	v.SetInput("Tell me a story")
	if _, err := v.Submit(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	relay.chunks <- "Once"
	relay.chunks <- " upon"
	waitFor(t, func() bool { return log.count(conversation.EventMessageUpdated) == 1 })

	if !v.Cancel() {
		t.Fatal("Cancel() = false with a stream in flight")
	}
	if v.Streaming() {
		t.Error("Streaming() = true after Cancel")
	}
	v.Wait()

	msgs := v.Messages()
	if len(msgs) != 2 || msgs[1].Content != "Once upon" {
		t.Fatalf("Messages() = %+v, want partial assistant %q", msgs, "Once upon")
	}
	if log.count(conversation.EventError) != 0 {
		t.Error("Cancel should not surface an error")
	}

	v.SetInput("Next")
	if _, err := v.Submit(); err != nil {
		t.Errorf("Submit() after Cancel error = %v", err)
	}
	v.Close()

	if v.Cancel() {
		t.Error("Cancel() = true with nothing in flight")
	}
}

func TestRelayFailure(t *testing.T) {
	relay := newScriptedRelay()
	log := &eventLog{}
	v := newView(relay, log)

	v.SetInput("Hello")
	if _, err := v.Submit(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	relay.chunks <- "Par"
	relay.errs <- errors.New("connection reset")
	v.Wait()

	if v.Streaming() {
		t.Error("Streaming() = true after failure")
	}
	msgs := v.Messages()
	if len(msgs) != 2 || msgs[1].Content != "Par" {
		t.Errorf("Messages() = %+v, want partial content kept", msgs)
	}

	log.mu.Lock()
	var surfaced error
	for _, e := range log.events {
		if e.Kind == conversation.EventError {
			surfaced = e.Err
		}
	}
	log.mu.Unlock()
	if !errors.Is(surfaced, conversation.ErrRelayFailed) {
		t.Errorf("error event = %v, want %v", surfaced, conversation.ErrRelayFailed)
	}
}

func TestRelayTimeout(t *testing.T) {
	relay := newScriptedRelay()
	log := &eventLog{}
	v := conversation.New(relay,
		conversation.WithListener(log.record),
		conversation.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		conversation.WithTimeout(20*time.Millisecond),
	)

	v.SetInput("Hello")
	if _, err := v.Submit(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	relay.chunks <- "Par"
	v.Wait()

	if v.Streaming() || !v.CanSubmit() {
		t.Error("a timed out call should end the stream")
	}
	if msgs := v.Messages(); len(msgs) != 2 || msgs[1].Content != "Par" {
		t.Errorf("Messages() = %+v, want partial content kept", msgs)
	}
	if n := log.count(conversation.EventError); n != 1 {
		t.Errorf("error events = %d, want 1", n)
	}
	if n := log.count(conversation.EventStreamEnded); n != 1 {
		t.Errorf("stream ended events = %d, want 1", n)
	}
}

func TestFailureBeforeFirstFragment(t *testing.T) {
	relay := newScriptedRelay()
	v := newView(relay, &eventLog{})

	v.SetInput("Hello")
	if _, err := v.Submit(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	relay.errs <- errors.New("unauthorized")
	v.Wait()

	if msgs := v.Messages(); len(msgs) != 1 {
		t.Errorf("Messages() = %+v, want only the user message", msgs)
	}
}

func TestStartConversation(t *testing.T) {
	v := newView(fixedRelay{"I can help."}, &eventLog{})

	um, err := v.StartConversation()
	if err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	if um.Content != conversation.StarterPrompt {
		t.Errorf("StartConversation() = %q, want %q", um.Content, conversation.StarterPrompt)
	}
	v.Wait()

	if _, err := v.StartConversation(); !errors.Is(err, conversation.ErrNotEmpty) {
		t.Errorf("second StartConversation() error = %v, want %v", err, conversation.ErrNotEmpty)
	}
}

func TestAppendEventsScroll(t *testing.T) {
	log := &eventLog{}
	v := newView(fixedRelay{"a", "b"}, log)

	v.SetInput("x")
	if _, err := v.Submit(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	v.Wait()

	log.mu.Lock()
	defer log.mu.Unlock()
	for _, e := range log.events {
		want := e.Kind == conversation.EventMessageAppended
		if e.ScrollToBottom() != want {
			t.Errorf("event %v ScrollToBottom() = %v, want %v", e.Kind, e.ScrollToBottom(), want)
		}
	}
}

func TestInputHeight(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "Empty", text: "", want: conversation.MinInputHeight},
		{name: "One line", text: "Hello", want: conversation.MinInputHeight},
		{name: "Two lines", text: "a\nb", want: 64},
		{name: "Four lines", text: "a\nb\nc\nd", want: 112},
		{name: "Capped", text: "1\n2\n3\n4\n5\n6\n7\n8\n9", want: conversation.MaxInputHeight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := conversation.InputHeight(tt.text); got != tt.want {
				t.Errorf("InputHeight() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInputRows(t *testing.T) {
	tests := []struct {
		text    string
		maxRows int
		want    int
	}{
		{text: "", maxRows: 5, want: 1},
		{text: "a\nb\nc", maxRows: 5, want: 3},
		{text: "a\nb\nc\nd\ne\nf", maxRows: 5, want: 5},
		{text: "a\nb", maxRows: 0, want: 1},
	}

	for _, tt := range tests {
		if got := conversation.InputRows(tt.text, tt.maxRows); got != tt.want {
			t.Errorf("InputRows(%q, %d) = %d, want %d", tt.text, tt.maxRows, got, tt.want)
		}
	}
}
