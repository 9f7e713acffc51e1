package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arqam66/chatbot-openai/internal/voice"
	"github.com/gorilla/websocket"
)

// RemoteASR is a voice.Engine that forwards captured audio to a streaming speech-recognition
// service over a websocket and relays the recognized segments back.
//
// The exchange is JSON control frames plus binary audio frames: the client opens with a "start"
// frame, streams audio, and sends "end" once the audio is exhausted; the service answers with
// "result" frames and finishes with "end", or reports "error".
type RemoteASR struct {
	url      string
	apiKey   string
	language string
	format   string

	dialer *websocket.Dialer

	logger *slog.Logger
}

type asrClientFrame struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
	Format   string `json:"format,omitempty"`
}

type asrServerFrame struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
	Error string `json:"error"`
}

// NewRemoteASR creates an engine for the ASR websocket at url. Format names the encoding of the
// audio frames produced by the page, e.g. "webm".
func NewRemoteASR(url, apiKey, language, format string, logger *slog.Logger) RemoteASR {
	return RemoteASR{
		url:      url,
		apiKey:   apiKey,
		language: language,
		format:   format,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With(slog.String("module", "asr")),
	}
}

// Recognize implements voice.Engine.
func (r RemoteASR) Recognize(ctx context.Context, audio <-chan []byte, emit func(voice.Segment)) error {
	header := http.Header{}
	if r.apiKey != "" {
		header.Set("Authorization", "Bearer "+r.apiKey)
	}

	conn, _, err := r.dialer.DialContext(ctx, r.url, header)
	if err != nil {
		return fmt.Errorf("failed to connect to ASR websocket: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(asrClientFrame{
		Type:     "start",
		Language: r.language,
		Format:   r.format,
	}); err != nil {
		return fmt.Errorf("failed to send ASR start: %w", err)
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- r.readResults(conn, emit)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()
		case err := <-readErr:
			return err
		case chunk, ok := <-audio:
			if !ok {
				audio = nil
				if err := conn.WriteJSON(asrClientFrame{Type: "end"}); err != nil {
					return fmt.Errorf("failed to send ASR end: %w", err)
				}
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return fmt.Errorf("failed to send audio: %w", err)
			}
		}
	}
}

func (r RemoteASR) readResults(conn *websocket.Conn, emit func(voice.Segment)) error {
	for {
		var frame asrServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return nil
			}
			return fmt.Errorf("failed to read ASR result: %w", err)
		}

		switch frame.Type {
		case "result":
			emit(voice.Segment{Text: frame.Text, Final: frame.Final})
		case "error":
			return fmt.Errorf("asr error: %s", frame.Error)
		case "end":
			return nil
		default:
			r.logger.Debug("Ignoring ASR frame", slog.String("type", frame.Type))
		}
	}
}
