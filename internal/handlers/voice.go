package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/arqam66/chatbot-openai/internal/voice"
	"github.com/gorilla/websocket"
)

// VoiceMode selects where speech is recognized.
type VoiceMode string

const (
	// VoiceModeBrowser lets the page recognize speech and forward its results.
	VoiceModeBrowser VoiceMode = "browser"
	// VoiceModeRemote streams the page's audio to a remote recognition service.
	VoiceModeRemote VoiceMode = "remote"
	// VoiceModeNone disables speech recognition.
	VoiceModeNone VoiceMode = "none"
)

// Valid reports whether m is a known voice mode.
func (m VoiceMode) Valid() bool {
	switch m {
	case VoiceModeBrowser, VoiceModeRemote, VoiceModeNone:
		return true
	}
	return false
}

type voiceInbound struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Message string `json:"message,omitempty"`
}

type voiceOutbound struct {
	Type      string    `json:"type"`
	Mode      VoiceMode `json:"mode,omitempty"`
	Elapsed   int       `json:"elapsed,omitempty"`
	Remaining int       `json:"remaining,omitempty"`
	Text      string    `json:"text,omitempty"`
	Message   string    `json:"message,omitempty"`
	State     string    `json:"state,omitempty"`
}

const (
	voiceWriteWait = 5 * time.Second
	audioQueueSize = 32
)

var voiceUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// voiceConn serializes writes to the websocket, which the session callbacks issue from several
// goroutines.
type voiceConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *voiceConn) send(msg voiceOutbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(voiceWriteWait))
	return c.conn.WriteJSON(msg)
}

func (c *voiceConn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(voiceWriteWait))
}

// HandleVoice runs one recording session for the view named by the view_id query parameter over a
// websocket. The session starts when the socket opens and ends at the recording ceiling, on a "stop"
// frame, on a recognition error, or when the socket closes. Every finalized transcript replaces the
// view's input.
func (m Main) HandleVoice(w http.ResponseWriter, r *http.Request) {
	viewID := r.URL.Query().Get(viewIDParam)
	view, ok := m.views.get(viewID)
	if !ok {
		http.Error(w, "View not found", http.StatusNotFound)
		return
	}

	ws, err := voiceUpgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("Failed to upgrade voice connection", slog.String(errLoggerKey, err.Error()))
		return
	}
	defer ws.Close()

	conn := &voiceConn{conn: ws}
	logger := m.logger.With(slog.String("viewID", viewID), slog.String("voiceMode", string(m.voiceMode)))

	if err := conn.send(voiceOutbound{Type: "mode", Mode: m.voiceMode}); err != nil {
		logger.Error("Failed to send voice mode", slog.String(errLoggerKey, err.Error()))
		return
	}

	browser := make(chan voiceInbound, audioQueueSize)
	audio := make(chan []byte, audioQueueSize)

	var capability voice.Capability
	switch m.voiceMode {
	case VoiceModeBrowser:
		capability = voice.Available(browserEngine(browser))
	case VoiceModeRemote:
		capability = voice.Available(m.voiceEngine)
	default:
		capability = voice.Unavailable()
	}

	opts := []voice.Option{
		voice.WithLogger(logger),
		voice.WithTranscriptHandler(func(text string) {
			view.SetInput(text)
			_ = conn.send(voiceOutbound{Type: "transcript", Text: text})
		}),
		voice.WithTickHandler(func(elapsed int) {
			_ = conn.send(voiceOutbound{
				Type:      "tick",
				Elapsed:   elapsed,
				Remaining: voice.MaxSeconds - elapsed,
			})
		}),
		voice.WithStopHandler(func(snap voice.Snapshot) {
			result := snap.State.String()
			m.metrics.voiceSessions.WithLabelValues(result).Inc()
			if snap.Err != nil {
				_ = conn.send(voiceOutbound{Type: "error", Message: snap.Message()})
			}
			_ = conn.send(voiceOutbound{Type: "stopped", State: result, Elapsed: snap.Elapsed})
		}),
	}
	if m.voiceTicker != nil {
		opts = append(opts, voice.WithTicker(m.voiceTicker))
	}
	session := voice.NewSession(capability, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Start(ctx, audio); err != nil {
		if !errors.Is(err, voice.ErrUnsupported) {
			logger.Error("Failed to start voice session", slog.String(errLoggerKey, err.Error()))
		}
		conn.close(websocket.CloseNormalClosure, "unsupported")
		return
	}
	logger.Debug("Voice session started")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer close(audio)
		m.readVoice(ws, session, browser, audio, logger)
	}()

	select {
	case <-session.Done():
	case <-readDone:
		session.Stop()
		<-session.Done()
	}

	conn.close(websocket.CloseNormalClosure, session.Snapshot().State.String())
	logger.Debug("Voice session ended")
}

// readVoice reads client frames until the socket fails or the session ends.
func (m Main) readVoice(
	ws *websocket.Conn,
	session *voice.Session,
	browser chan<- voiceInbound,
	audio chan<- []byte,
	logger *slog.Logger,
) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				logger.Debug("Voice connection closed", slog.String(errLoggerKey, err.Error()))
			}
			return
		}

		if mt == websocket.BinaryMessage {
			select {
			case audio <- data:
			case <-session.Done():
				return
			}
			continue
		}

		var in voiceInbound
		if err := json.Unmarshal(data, &in); err != nil {
			logger.Debug("Invalid voice frame", slog.String(errLoggerKey, err.Error()))
			continue
		}

		switch in.Type {
		case "stop":
			session.Stop()
		case "result", "unsupported", "error":
			select {
			case browser <- in:
			case <-session.Done():
				return
			}
		default:
			logger.Debug("Unknown voice frame", slog.String("type", in.Type))
		}
	}
}

// browserEngine recognizes speech from the results the page forwards over the websocket.
func browserEngine(results <-chan voiceInbound) voice.Engine {
	return voice.EngineFunc(func(ctx context.Context, _ <-chan []byte, emit func(voice.Segment)) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case in := <-results:
				switch in.Type {
				case "result":
					emit(voice.Segment{Text: in.Text, Final: in.Final})
				case "unsupported":
					return voice.ErrUnsupported
				case "error":
					if in.Message == "" {
						return errors.New("speech recognition failed")
					}
					return errors.New(in.Message)
				}
			}
		}
	})
}
