package tui

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/arqam66/chatbot-openai/internal/conversation"
	"github.com/arqam66/chatbot-openai/internal/models"
	"github.com/arqam66/chatbot-openai/internal/voice"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
)

type fixedRelay []string

func (f fixedRelay) Chat(_ context.Context, _ []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, c := range f {
			if !yield(c, nil) {
				return
			}
		}
	}
}

// hangingRelay yields its fragments, then blocks until the call is cancelled.
type hangingRelay []string

func (h hangingRelay) Chat(ctx context.Context, _ []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, c := range h {
			if !yield(c, nil) {
				return
			}
		}
		<-ctx.Done()
		yield("", ctx.Err())
	}
}

type failingRelay struct{}

func (failingRelay) Chat(_ context.Context, _ []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", errors.New("upstream unavailable"))
	}
}

func newModel(relay conversation.Relay, opts ...Option) Model {
	opts = append([]Option{
		WithRenderer(plainRenderer{}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return New(relay, opts...)
}

func press(m Model, msgs ...tea.KeyMsg) Model {
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func typeText(text string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)}
}

var (
	enterKey   = tea.KeyMsg{Type: tea.KeyEnter}
	newlineKey = tea.KeyMsg{Type: tea.KeyEnter, Alt: true}
	escKey     = tea.KeyMsg{Type: tea.KeyEsc}
	voiceKey   = tea.KeyMsg{Type: tea.KeyCtrlR}
	starterKey = tea.KeyMsg{Type: tea.KeyCtrlS}
)

// pumpUntil feeds queued view and voice messages to the model until cond holds.
func pumpUntil(t *testing.T, m Model, cond func(Model) bool) Model {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond(m) {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		if msgs := m.inbox.take(); len(msgs) > 0 {
			next, _ := m.Update(msgs)
			m = next.(Model)
			continue
		}
		time.Sleep(5 * time.Millisecond)
	}
	return m
}

func idle(m Model) bool {
	return !m.streaming && !m.view.Streaming()
}

func TestSubmitRendersConversation(t *testing.T) {
	m := newModel(fixedRelay{"Hello", " **there**"})

	m = press(m, typeText("Hi"), enterKey)
	if m.textarea.Value() != "" {
		t.Errorf("input = %q, want it cleared after submit", m.textarea.Value())
	}

	m = pumpUntil(t, m, func(m Model) bool { return idle(m) && len(m.messages) == 2 })

	msgs := m.Conversation().Messages()
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "Hi" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "Hello **there**" {
		t.Errorf("second message = %+v", msgs[1])
	}

	out := m.renderMessages()
	for _, want := range []string{"You", "Hi", "Assistant", "Hello **there**"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered messages missing %q:\n%s", want, out)
		}
	}
	if m.status != "" {
		t.Errorf("status = %q, want empty", m.status)
	}
}

func TestSubmitEmptyInputIgnored(t *testing.T) {
	m := newModel(fixedRelay{"unused"})

	m = press(m, typeText("   "), enterKey)

	if n := len(m.Conversation().Messages()); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
	if !strings.Contains(m.renderMessages(), conversation.StarterPrompt) {
		t.Error("empty conversation should offer the starter prompt")
	}
}

func TestCancelKeepsPartialResponse(t *testing.T) {
	m := newModel(hangingRelay{"Par", "tial"})

	m = press(m, typeText("Tell me a story"), enterKey)
	m = pumpUntil(t, m, func(m Model) bool {
		return len(m.messages) == 2 && m.messages[1].Content == "Partial"
	})
	if !m.streaming {
		t.Fatal("model should be streaming")
	}

	m = press(m, typeText("again"), enterKey)
	if !strings.Contains(m.status, "esc to cancel") {
		t.Errorf("status = %q, want in-flight notice", m.status)
	}

	m = press(m, escKey)
	m.Conversation().Wait()
	m = pumpUntil(t, m, idle)

	if m.status != "Response cancelled" {
		t.Errorf("status = %q", m.status)
	}
	if got := m.Conversation().Messages()[1].Content; got != "Partial" {
		t.Errorf("assistant content = %q, want %q", got, "Partial")
	}
	if !m.Conversation().CanSubmit() {
		t.Error("submission should be re-enabled after cancel")
	}
}

func TestRelayFailureShowsError(t *testing.T) {
	m := newModel(failingRelay{})

	m = press(m, typeText("Hello"), enterKey)
	m = pumpUntil(t, m, func(m Model) bool { return idle(m) && m.status != "" })

	if m.status != conversation.ErrRelayFailed.Error() {
		t.Errorf("status = %q, want %q", m.status, conversation.ErrRelayFailed.Error())
	}
	if n := len(m.Conversation().Messages()); n != 1 {
		t.Errorf("messages = %d, want only the user message", n)
	}
}

func TestStarterPrompt(t *testing.T) {
	m := newModel(fixedRelay{"I can help with many things."})

	m = press(m, starterKey)
	m = pumpUntil(t, m, func(m Model) bool { return idle(m) && len(m.messages) == 2 })

	if got := m.messages[0].Content; got != conversation.StarterPrompt {
		t.Errorf("first message = %q, want the starter prompt", got)
	}

	// Not offered once the conversation has started.
	m = press(m, starterKey)
	if n := len(m.Conversation().Messages()); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
}

func TestVoiceUnavailable(t *testing.T) {
	m := newModel(fixedRelay{"unused"})

	m = press(m, voiceKey)
	m = pumpUntil(t, m, func(m Model) bool { return m.status != "" })

	if m.status != "Speech recognition not supported" {
		t.Errorf("status = %q", m.status)
	}
	if m.recording {
		t.Error("model should not be recording")
	}
	if m.textarea.Value() != "" {
		t.Errorf("input = %q, want untouched", m.textarea.Value())
	}
}

func TestVoiceTranscriptFillsInput(t *testing.T) {
	engine := voice.EngineFunc(func(ctx context.Context, _ <-chan []byte, emit func(voice.Segment)) error {
		emit(voice.Segment{Text: "hello from", Final: false})
		emit(voice.Segment{Text: "hello from voice", Final: true})
		<-ctx.Done()
		return ctx.Err()
	})
	m := newModel(fixedRelay{"unused"}, WithVoice(voice.Available(engine)))

	m = press(m, voiceKey)
	if !m.recording {
		t.Fatal("model should be recording")
	}
	m = pumpUntil(t, m, func(m Model) bool { return m.textarea.Value() == "hello from voice" })
	if !strings.Contains(m.statusLine(), "/ 00:30") {
		t.Errorf("status line = %q", m.statusLine())
	}

	m = press(m, voiceKey)
	m = pumpUntil(t, m, func(m Model) bool { return !m.recording })

	if m.status != "" {
		t.Errorf("status = %q, want empty after a clean stop", m.status)
	}
	if m.textarea.Value() != "hello from voice" {
		t.Errorf("input = %q", m.textarea.Value())
	}
}

func TestInputGrowsToMaximum(t *testing.T) {
	tests := []struct {
		name    string
		maxRows int
		want    int
	}{
		{name: "Grows", maxRows: 6, want: 3},
		{name: "Capped", maxRows: 2, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModel(fixedRelay{}, WithMaxInputRows(tt.maxRows))
			if h := m.textarea.Height(); h != 1 {
				t.Fatalf("initial height = %d, want 1", h)
			}

			m = press(m, typeText("a"), newlineKey, typeText("b"), newlineKey, typeText("c"))

			if h := m.textarea.Height(); h != tt.want {
				t.Errorf("height = %d, want %d", h, tt.want)
			}
		})
	}
}

func TestGlamourRendersAssistantMarkdown(t *testing.T) {
	r, err := glamour.NewTermRenderer(glamour.WithStandardStyle("notty"))
	if err != nil {
		t.Fatalf("NewTermRenderer() error = %v", err)
	}
	m := newModel(fixedRelay{"# Title\n\nSome `code`."}, WithRenderer(r))

	m = press(m, typeText("Hi"), enterKey)
	m = pumpUntil(t, m, func(m Model) bool { return idle(m) && len(m.messages) == 2 })

	out := m.renderMessages()
	for _, want := range []string{"Title", "code"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered output missing %q:\n%s", want, out)
		}
	}
}

func TestInboxDeliversInOrder(t *testing.T) {
	b := newInbox()
	for i := 1; i <= 3; i++ {
		b.push(voiceTickMsg(i))
	}

	msg := b.wait()()
	batch, ok := msg.(batchMsg)
	if !ok || len(batch) != 3 {
		t.Fatalf("wait() = %#v, want a batch of 3", msg)
	}
	for i, m := range batch {
		if m != voiceTickMsg(i+1) {
			t.Errorf("batch[%d] = %v", i, m)
		}
	}
}
