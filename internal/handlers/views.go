package handlers

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arqam66/chatbot-openai/internal/conversation"
	"github.com/arqam66/chatbot-openai/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

// viewRegistry holds the live views. A view with no connected event stream expires after the idle
// period, so a tab can reconnect after a dropped stream and a page that never connects is released.
type viewRegistry struct {
	idle     time.Duration
	onExpire func(id string, v *conversation.View)

	mu    sync.Mutex
	views map[string]*viewEntry
}

type viewEntry struct {
	view  *conversation.View
	conns int
	// epoch changes on every connect and disconnect, so a timer armed before them cannot expire
	// the view.
	epoch uint64
	timer *time.Timer
}

func newViewRegistry(idle time.Duration, onExpire func(id string, v *conversation.View)) *viewRegistry {
	return &viewRegistry{
		idle:     idle,
		onExpire: onExpire,
		views:    make(map[string]*viewEntry),
	}
}

func (r *viewRegistry) add(id string, v *conversation.View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &viewEntry{view: v}
	r.views[id] = e
	r.armLocked(id, e)
}

func (r *viewRegistry) get(id string) (*conversation.View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.views[id]
	if !ok {
		return nil, false
	}
	return e.view, true
}

// connect records an open event stream of the view.
func (r *viewRegistry) connect(id string) (*conversation.View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.views[id]
	if !ok {
		return nil, false
	}
	e.conns++
	e.epoch++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	return e.view, true
}

// disconnect records a closed event stream. The last one to close starts the idle period.
func (r *viewRegistry) disconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.views[id]
	if !ok {
		return
	}
	e.conns--
	e.epoch++
	if e.conns <= 0 {
		e.conns = 0
		r.armLocked(id, e)
	}
}

func (r *viewRegistry) armLocked(id string, e *viewEntry) {
	epoch := e.epoch
	e.timer = time.AfterFunc(r.idle, func() {
		r.expire(id, epoch)
	})
}

func (r *viewRegistry) expire(id string, epoch uint64) {
	r.mu.Lock()
	e, ok := r.views[id]
	if !ok || e.epoch != epoch || e.conns > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.views, id)
	r.mu.Unlock()

	r.onExpire(id, e.view)
}

func (r *viewRegistry) drain() []*conversation.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	views := make([]*conversation.View, 0, len(r.views))
	for id, e := range r.views {
		if e.timer != nil {
			e.timer.Stop()
		}
		views = append(views, e.view)
		delete(r.views, id)
	}
	return views
}

// newView creates a conversation view whose events are published to the topic of its id.
func (m Main) newView() (string, *conversation.View) {
	id := uuid.New().String()
	v := conversation.New(m.llm,
		conversation.WithLogger(m.logger.With(slog.String("viewID", id))),
		conversation.WithTimeout(m.relayTimeout),
		conversation.WithListener(func(e conversation.Event) {
			m.publishViewEvent(id, e)
		}),
	)
	m.views.add(id, v)
	m.metrics.views.Inc()
	return id, v
}

func streamStateMessage(streaming bool) *sse.Message {
	msg := &sse.Message{Type: stateSSEType}
	if streaming {
		msg.AppendData("streaming")
	} else {
		msg.AppendData("idle")
	}
	return msg
}

// releaseView closes a view whose idle period ran out.
func (m Main) releaseView(id string, v *conversation.View) {
	v.Close()
	m.metrics.views.Dec()
	m.logger.Debug("View expired", slog.String("viewID", id))
}

func (m Main) publishViewEvent(viewID string, e conversation.Event) {
	msg := &sse.Message{}

	switch e.Kind {
	case conversation.EventMessageAppended, conversation.EventMessageUpdated:
		msg.Type = updateSSEType
		if e.ScrollToBottom() {
			msg.Type = appendSSEType
		}
		state := models.StreamingStateEnded
		if e.Message.Role == models.RoleAssistant {
			state = models.StreamingStateStreaming
		}
		rendered, err := m.renderMessage(e.Message, state)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("message", fmt.Sprintf("%+v", e.Message)),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		msg.AppendData(rendered)
		if e.Message.Role == models.RoleAssistant {
			m.metrics.fragments.Inc()
		}
	case conversation.EventStreamStarted:
		msg = streamStateMessage(true)
	case conversation.EventStreamEnded:
		msg = streamStateMessage(false)
	case conversation.EventInputChanged:
		msg.Type = inputSSEType
		msg.AppendData(jsonData(map[string]any{
			"text":   e.Input,
			"height": conversation.InputHeight(e.Input),
		}))
	case conversation.EventError:
		msg.Type = errorSSEType
		msg.AppendData(jsonData(map[string]string{"message": e.Err.Error()}))
	default:
		return
	}

	if err := m.sseSrv.Publish(msg, viewTopic(viewID)); err != nil {
		m.logger.Error("Failed to publish view event",
			slog.String("viewID", viewID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) renderMessage(msg models.Message, state models.StreamingState) (string, error) {
	content, err := models.RenderContent(msg)
	if err != nil {
		return "", err
	}

	name := "user_message"
	if msg.Role == models.RoleAssistant {
		name = "ai_message"
	}

	// RenderContent escapes user content and drops raw HTML from markdown.
	safe := template.HTML(content) //nolint:gosec

	var sb strings.Builder
	err = m.templates.ExecuteTemplate(&sb, name, message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        safe,
		Timestamp:      msg.Timestamp,
		StreamingState: string(state),
	})
	if err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return sb.String(), nil
}

func jsonData(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
