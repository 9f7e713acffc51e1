package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/arqam66/chatbot-openai/internal/models"
	"github.com/tmaxmax/go-sse"
)

// RelayClient talks to a remote relay endpoint. It satisfies the same streaming contract as the
// model providers, so a conversation view can run against either.
type RelayClient struct {
	url string

	client *http.Client

	logger *slog.Logger
}

// NewRelayClient creates a client for the relay endpoint at url, e.g. http://localhost:8080/api/chat.
func NewRelayClient(url string, logger *slog.Logger) RelayClient {
	return RelayClient{
		url:    url,
		client: &http.Client{},
		logger: logger.With(slog.String("module", "relay_client")),
	}
}

// Chat posts the history to the relay endpoint and yields the streamed fragments.
func (r RelayClient) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		jsonBody, err := json.Marshal(models.ChatRequest{Messages: messages})
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewBuffer(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := r.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(resp.Body)
			var e models.ErrorResponse
			if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
				yield("", fmt.Errorf("relay error %d: %s", resp.StatusCode, e.Error))
				return
			}
			yield("", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body)))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case models.RelayEventDelta:
				var delta models.RelayDelta
				if err := json.Unmarshal([]byte(ev.Data), &delta); err != nil {
					yield("", fmt.Errorf("error decoding delta: %w", err))
					return
				}
				if !yield(delta.Text, nil) {
					return
				}
			case models.RelayEventError:
				yield("", fmt.Errorf("relay error: %s", ev.Data))
				return
			case models.RelayEventDone:
				return
			default:
				r.logger.Debug("Ignoring event", slog.String("type", ev.Type))
			}
		}
	}
}
