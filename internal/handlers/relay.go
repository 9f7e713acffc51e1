package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/arqam66/chatbot-openai/internal/models"
	"github.com/tmaxmax/go-sse"
)

const (
	maxRelayBodyBytes = 1 << 20

	relayFailedMessage = "Failed to process chat request"
)

// HandleRelay forwards a conversation history to the model and streams the response back. The body is
// a JSON models.ChatRequest; the whole history is validated before the model is contacted.
//
// The response is plain text flushed fragment by fragment, or server-sent events when the client
// accepts text/event-stream: "delta" events carry fragments, a final "done" or "error" event ends the
// stream. A model failure before the first fragment answers 500 with a generic JSON error.
func (m Main) HandleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if m.limiter != nil && !m.limiter.Allow() {
		m.metrics.relayRequests.WithLabelValues(relayResultLimited).Inc()
		writeJSONError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	var req models.ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRelayBodyBytes))
	if err := dec.Decode(&req); err != nil {
		m.logger.Debug("Invalid relay request body", slog.String(errLoggerKey, err.Error()))
		m.metrics.relayRequests.WithLabelValues(relayResultInvalid).Inc()
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := models.ValidateHistory(req.Messages); err != nil {
		m.metrics.relayRequests.WithLabelValues(relayResultInvalid).Inc()
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), m.relayTimeout)
	defer cancel()

	next, stop := iter.Pull2(m.llm.Chat(ctx, req.Messages))
	defer stop()

	// The first fragment decides the status code.
	first, err, ok := next()
	if ok && err != nil {
		m.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
		m.metrics.relayRequests.WithLabelValues(relayResultFailed).Inc()
		writeJSONError(w, http.StatusInternalServerError, relayFailedMessage)
		return
	}

	frags := func(yield func(string, error) bool) {
		if !ok {
			return
		}
		if !yield(first, nil) {
			return
		}
		for {
			chunk, err, ok := next()
			if !ok || !yield(chunk, err) || err != nil {
				return
			}
		}
	}

	if acceptsEventStream(r) {
		err = m.relaySSE(w, r, frags)
	} else {
		err = m.relayText(w, frags)
	}

	result := relayResultOK
	if err != nil {
		result = relayResultFailed
		if errors.Is(err, context.Canceled) {
			result = relayResultCancelled
		}
		m.logger.Error("Relay stream ended with error", slog.String(errLoggerKey, err.Error()))
	}
	m.metrics.relayRequests.WithLabelValues(result).Inc()
	m.metrics.relayDuration.Observe(time.Since(start).Seconds())
}

func (m Main) relayText(w http.ResponseWriter, frags iter.Seq2[string, error]) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	for chunk, err := range frags {
		if err != nil {
			return err
		}
		if chunk == "" {
			continue
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil {
			return err
		}
		m.metrics.relayFragments.Inc()
	}
	return nil
}

func (m Main) relaySSE(w http.ResponseWriter, r *http.Request, frags iter.Seq2[string, error]) error {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return err
	}

	send := func(typ, data string) error {
		e := &sse.Message{Type: sse.Type(typ)}
		e.AppendData(data)
		if err := sess.Send(e); err != nil {
			return err
		}
		return sess.Flush()
	}

	for chunk, err := range frags {
		if err != nil {
			// The status is already sent, so the failure is reported in band.
			_ = send(models.RelayEventError, relayFailedMessage)
			return err
		}
		if chunk == "" {
			continue
		}
		delta, err := json.Marshal(models.RelayDelta{Text: chunk})
		if err != nil {
			return err
		}
		if err := send(models.RelayEventDelta, string(delta)); err != nil {
			return err
		}
		m.metrics.relayFragments.Inc()
	}

	// SSE events require data.
	return send(models.RelayEventDone, "bye")
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: msg})
}
