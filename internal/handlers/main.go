package handlers

import (
	"context"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"time"

	chatbot "github.com/arqam66/chatbot-openai"
	"github.com/arqam66/chatbot-openai/internal/models"
	"github.com/arqam66/chatbot-openai/internal/voice"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/time/rate"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context
// and a sequence of messages, returning an iterator that yields response chunks and potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// Config holds the tunables of the HTTP layer.
type Config struct {
	// RelayTimeout bounds every relay call. Zero means DefaultRelayTimeout.
	RelayTimeout time.Duration
	// RequestsPerMinute limits the relay endpoint. Zero disables the limit.
	RequestsPerMinute int
	// VoiceMode selects how voice capture recognizes speech.
	VoiceMode VoiceMode
	// VoiceEngine is the engine of VoiceModeRemote.
	VoiceEngine voice.Engine
	// VoiceTicker replaces the one second ticker of voice sessions.
	VoiceTicker func(time.Duration) voice.Ticker
	// ViewIdleTimeout is how long a view outlives its last event stream, or waits for its first one.
	// Zero means DefaultViewIdleTimeout.
	ViewIdleTimeout time.Duration
}

const (
	// DefaultRelayTimeout is used when Config.RelayTimeout is zero.
	DefaultRelayTimeout = 30 * time.Second
	// DefaultViewIdleTimeout is used when Config.ViewIdleTimeout is zero.
	DefaultViewIdleTimeout = 2 * time.Minute
)

// Main handles the core functionality of the chat application: the relay endpoint, the server-side
// conversation views pushed to browser tabs over server-sent events, and voice capture sessions.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	llm   LLM
	views *viewRegistry

	relayTimeout time.Duration
	limiter      *rate.Limiter

	voiceMode   VoiceMode
	voiceEngine voice.Engine
	voiceTicker func(time.Duration) voice.Ticker

	metrics *Metrics
	logger  *slog.Logger
}

const (
	errLoggerKey = "err"

	viewIDParam = "view_id"
)

// SSE event types of the conversation view.
var (
	appendSSEType = sse.Type("append")
	updateSSEType = sse.Type("update")
	stateSSEType  = sse.Type("state")
	inputSSEType  = sse.Type("input")
	errorSSEType  = sse.Type("chat_error")
)

// NewMain creates a new Main instance with the provided LLM. It initializes the SSE server, which
// subscribes every browser tab to the topic of its own view, and parses the HTML templates from the
// embedded filesystem.
func NewMain(llm LLM, cfg Config, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		chatbot.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = DefaultRelayTimeout
	}
	if cfg.ViewIdleTimeout <= 0 {
		cfg.ViewIdleTimeout = DefaultViewIdleTimeout
	}
	if cfg.VoiceMode == "" {
		cfg.VoiceMode = VoiceModeBrowser
	}
	if cfg.VoiceMode == VoiceModeRemote && cfg.VoiceEngine == nil {
		return Main{}, fmt.Errorf("voice mode %q requires an engine", cfg.VoiceMode)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute)
	}

	m := Main{
		templates:    tmpl,
		llm:          llm,
		relayTimeout: cfg.RelayTimeout,
		limiter:      limiter,
		voiceMode:    cfg.VoiceMode,
		voiceEngine:  cfg.VoiceEngine,
		voiceTicker:  cfg.VoiceTicker,
		metrics:      NewMetrics(),
		logger:       logger.With(slog.String("module", "main")),
	}
	views := newViewRegistry(cfg.ViewIdleTimeout, m.releaseView)
	m.views = views

	m.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			viewID := s.Req.URL.Query().Get(viewIDParam)
			view, ok := views.get(viewID)
			if !ok {
				return sse.Subscription{}, false
			}

			// A reconnecting tab may have missed the end of a stream.
			if err := s.Send(streamStateMessage(view.Streaming())); err == nil {
				_ = s.Flush()
			}

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      []string{sse.DefaultTopic, viewTopic(viewID)},
			}, true
		},
	}

	return m, nil
}

func viewTopic(viewID string) string {
	return fmt.Sprintf("view-%s", viewID)
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients, cancels the streams of every view and waits up to 5 seconds for connections to
// terminate. After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeView")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	for _, v := range m.views.drain() {
		v.Close()
	}
	m.metrics.views.Set(0)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
