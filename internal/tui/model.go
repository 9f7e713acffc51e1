// Package tui hosts a conversation view in the terminal.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/arqam66/chatbot-openai/internal/conversation"
	"github.com/arqam66/chatbot-openai/internal/models"
	"github.com/arqam66/chatbot-openai/internal/voice"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// DefaultMaxInputRows is the number of rows the input grows to before it scrolls.
const DefaultMaxInputRows = 6

// Renderer turns assistant markdown into terminal output. *glamour.TermRenderer satisfies it.
type Renderer interface {
	Render(markdown string) (string, error)
}

type (
	// batchMsg carries everything the view and the voice session produced since the last batch.
	batchMsg []tea.Msg

	viewEventMsg    conversation.Event
	voiceTickMsg    int
	voiceStoppedMsg voice.Snapshot
)

// inbox queues messages produced on other goroutines. Pushing never blocks, so view listeners and
// session callbacks cannot stall against the program loop.
type inbox struct {
	mu      sync.Mutex
	pending []tea.Msg
	signal  chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (b *inbox) push(msg tea.Msg) {
	b.mu.Lock()
	b.pending = append(b.pending, msg)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *inbox) take() batchMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.pending
	b.pending = nil
	return msgs
}

// wait returns a command resolving to the next non-empty batch.
func (b *inbox) wait() tea.Cmd {
	return func() tea.Msg {
		for {
			<-b.signal
			if msgs := b.take(); len(msgs) > 0 {
				return msgs
			}
		}
	}
}

// Option configures a Model.
type Option func(*Model)

// WithRenderer replaces the glamour markdown renderer.
func WithRenderer(r Renderer) Option {
	return func(m *Model) {
		m.renderer = r
		m.customRenderer = true
	}
}

// WithVoice sets the speech capability used by the voice toggle. The default is unavailable.
func WithVoice(capability voice.Capability) Option {
	return func(m *Model) {
		m.capability = capability
	}
}

// WithMaxInputRows sets how far the input grows.
func WithMaxInputRows(rows int) Option {
	return func(m *Model) {
		m.maxRows = rows
	}
}

// WithLogger sets the model logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Model) {
		m.logger = logger
	}
}

// Model is the bubbletea model of the chat screen.
type Model struct {
	view  *conversation.View
	inbox *inbox

	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	keys     KeyMap

	renderer       Renderer
	customRenderer bool
	capability     voice.Capability
	session        *voice.Session
	maxRows        int
	logger         *slog.Logger

	messages  []models.Message
	streaming bool
	status    string
	recording bool
	elapsed   int
	width     int
	height    int
}

// New creates the chat screen around a fresh conversation view talking to relay.
func New(relay conversation.Relay, opts ...Option) Model {
	ta := textarea.New()
	ta.Placeholder = "Type your message..."
	ta.ShowLineNumbers = false
	ta.Prompt = "┃ "
	ta.CharLimit = 0
	ta.KeyMap.InsertNewline = DefaultKeyMap().Newline
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		inbox:      newInbox(),
		textarea:   ta,
		viewport:   viewport.New(80, 20),
		spinner:    sp,
		keys:       DefaultKeyMap(),
		capability: voice.Unavailable(),
		maxRows:    DefaultMaxInputRows,
		logger:     slog.Default(),
		width:      80,
		height:     24,
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.logger = m.logger.With(slog.String("module", "tui"))

	if m.renderer == nil {
		m.renderer = glamourRenderer(m.width, m.logger)
	}

	box := m.inbox
	m.view = conversation.New(relay,
		conversation.WithLogger(m.logger),
		conversation.WithListener(func(e conversation.Event) {
			box.push(viewEventMsg(e))
		}),
	)

	m.textarea.SetHeight(conversation.InputRows("", m.maxRows))
	m.layout()
	m.refresh(false)
	return m
}

func glamourRenderer(width int, logger *slog.Logger) Renderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(width-4, 20)),
	)
	if err != nil {
		logger.Warn("Falling back to plain markdown", slog.String("err", err.Error()))
		return plainRenderer{}
	}
	return r
}

type plainRenderer struct{}

func (plainRenderer) Render(markdown string) (string, error) { return markdown, nil }

// View returns the conversation view driven by the screen.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Chatbot"))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.textarea.View())
	b.WriteString("\n")
	b.WriteString(m.helpLine())
	return b.String()
}

// Conversation returns the underlying conversation view.
func (m Model) Conversation() *conversation.View {
	return m.view
}

// Init starts the cursor blink and the event pump.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.inbox.wait())
}

// Update handles terminal input and conversation events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.customRenderer {
			m.renderer = glamourRenderer(m.width, m.logger)
		}
		m.layout()
		m.refresh(false)
		return m, nil

	case batchMsg:
		cmds := []tea.Cmd{m.inbox.wait()}
		for _, sub := range msg {
			var cmd tea.Cmd
			m, cmd = m.handle(sub)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		if !m.streaming {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.refresh(false)
		return m, cmd

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.updateKey(msg)
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	return m, cmd
}

func (m Model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.session != nil {
			m.session.Stop()
		}
		m.view.Close()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Cancel):
		if m.view.Cancel() {
			m.status = "Response cancelled"
		}
		return m, nil

	case key.Matches(msg, m.keys.Submit):
		return m.submit()

	case key.Matches(msg, m.keys.Start):
		// Only offered while the conversation is empty.
		if _, err := m.view.StartConversation(); err == nil {
			m.textarea.Reset()
			m.status = ""
		}
		return m, nil

	case key.Matches(msg, m.keys.Voice):
		return m.toggleVoice()

	case key.Matches(msg, m.keys.PageUp, m.keys.PageDown):
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	m.resizeInput()
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	m.view.SetInput(m.textarea.Value())
	_, err := m.view.Submit()
	switch {
	case errors.Is(err, conversation.ErrEmptyInput):
		return m, nil
	case errors.Is(err, conversation.ErrStreamInFlight):
		m.status = "Wait for the response to finish or press esc to cancel"
		return m, nil
	case err != nil:
		m.status = err.Error()
		return m, nil
	}

	m.textarea.Reset()
	m.resizeInput()
	m.status = ""
	return m, nil
}

// toggleVoice starts a recording session, or stops the one in progress.
func (m Model) toggleVoice() (tea.Model, tea.Cmd) {
	if m.recording && m.session != nil {
		m.session.Stop()
		return m, nil
	}

	box := m.inbox
	view := m.view
	m.session = voice.NewSession(m.capability,
		voice.WithLogger(m.logger),
		voice.WithTranscriptHandler(func(text string) {
			view.SetInput(text)
		}),
		voice.WithTickHandler(func(elapsed int) {
			box.push(voiceTickMsg(elapsed))
		}),
		voice.WithStopHandler(func(snap voice.Snapshot) {
			box.push(voiceStoppedMsg(snap))
		}),
	)

	if err := m.session.Start(context.Background(), nil); err != nil {
		// The stop handler already reported the failure.
		return m, nil
	}
	m.recording = true
	m.elapsed = 0
	m.status = ""
	return m, nil
}

func (m Model) handle(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case viewEventMsg:
		return m.handleViewEvent(conversation.Event(msg))

	case voiceTickMsg:
		m.elapsed = int(msg)

	case voiceStoppedMsg:
		snap := voice.Snapshot(msg)
		m.recording = false
		m.elapsed = snap.Elapsed
		if snap.State == voice.StateErrored {
			m.status = snap.Message()
		}
	}
	return m, nil
}

func (m Model) handleViewEvent(e conversation.Event) (Model, tea.Cmd) {
	var cmd tea.Cmd

	switch e.Kind {
	case conversation.EventStreamStarted:
		m.streaming = true
		m.status = ""
		cmd = m.spinner.Tick
	case conversation.EventStreamEnded:
		m.streaming = false
	case conversation.EventInputChanged:
		if m.textarea.Value() != e.Input {
			m.textarea.SetValue(e.Input)
			m.resizeInput()
		}
	case conversation.EventError:
		m.status = e.Err.Error()
	}

	m.refresh(e.ScrollToBottom())
	return m, cmd
}

// layout splits the screen between the message list and the input.
func (m *Model) layout() {
	m.textarea.SetWidth(max(m.width-2, 10))
	// title, status and help lines plus the separating newlines.
	chrome := 3
	m.viewport.Width = m.width
	m.viewport.Height = max(m.height-chrome-m.textarea.Height(), 1)
}

func (m *Model) resizeInput() {
	rows := conversation.InputRows(m.textarea.Value(), m.maxRows)
	if rows != m.textarea.Height() {
		m.textarea.SetHeight(rows)
		m.layout()
	}
}

// refresh re-renders the message list from the view. An appended message moves the viewport to the
// bottom.
func (m *Model) refresh(scroll bool) {
	m.messages = m.view.Messages()
	m.viewport.SetContent(m.renderMessages())
	if scroll {
		m.viewport.GotoBottom()
	}
}

func (m Model) renderMessages() string {
	if len(m.messages) == 0 {
		return dimStyle.Render(fmt.Sprintf("Ask anything, or press ctrl+s to start with %q.", conversation.StarterPrompt))
	}

	var b strings.Builder
	for i, msg := range m.messages {
		if i > 0 {
			b.WriteString("\n")
		}
		switch msg.Role {
		case models.RoleUser:
			b.WriteString(userLabelStyle.Render("You"))
			b.WriteString("\n")
			b.WriteString(userContentStyle.Render(msg.Content))
			b.WriteString("\n")
		default:
			b.WriteString(assistantLabelStyle.Render("Assistant"))
			b.WriteString("\n")
			b.WriteString(m.renderMarkdown(msg.Content))
		}
	}

	last := m.messages[len(m.messages)-1]
	if m.streaming && last.Role == models.RoleUser {
		b.WriteString("\n")
		b.WriteString(assistantLabelStyle.Render("Assistant"))
		b.WriteString("\n  ")
		b.WriteString(m.spinner.View())
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderMarkdown(content string) string {
	out, err := m.renderer.Render(content)
	if err != nil {
		m.logger.Warn("Failed to render markdown", slog.String("err", err.Error()))
		return content + "\n"
	}
	return out
}

func (m Model) statusLine() string {
	switch {
	case m.recording:
		return recordingStyle.Render(fmt.Sprintf("● Recording %s / %s", clock(m.elapsed), clock(voice.MaxSeconds)))
	case m.status != "":
		return errorStyle.Render(m.status)
	case m.streaming:
		return dimStyle.Render(m.spinner.View() + " Responding, press esc to cancel")
	}
	return ""
}

func (m Model) helpLine() string {
	var parts []string
	for _, b := range m.keys.help(m.streaming) {
		h := b.Help()
		parts = append(parts, helpKeyStyle.Render(h.Key)+" "+helpDescStyle.Render(h.Desc))
	}
	return lipgloss.NewStyle().PaddingLeft(1).Render(strings.Join(parts, dimStyle.Render(" • ")))
}

func clock(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
