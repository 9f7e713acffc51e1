package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/arqam66/chatbot-openai/internal/conversation"
)

// HandleChats submits a message to a conversation view through HTTP POST requests. It expects the
// "view_id" and "message" form fields. The user message and the streamed response reach the page
// through the view's event stream, so a successful request only answers 202 Accepted.
//
// The handler answers 400 for an empty message, 404 for an unknown view and 409 while the view is
// still streaming a previous response.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	v, ok := m.formView(w, r)
	if !ok {
		return
	}

	v.SetInput(r.FormValue("message"))
	if _, err := v.Submit(); err != nil {
		m.submitError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleCancel aborts the response streaming into a view. The partial response is kept.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	v, ok := m.formView(w, r)
	if !ok {
		return
	}

	if !v.Cancel() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	m.metrics.cancelled.Inc()
	w.WriteHeader(http.StatusAccepted)
}

// HandleStart submits the starter prompt from the welcome panel of an empty view.
func (m Main) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	v, ok := m.formView(w, r)
	if !ok {
		return
	}

	if _, err := v.StartConversation(); err != nil {
		m.submitError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (m Main) formView(w http.ResponseWriter, r *http.Request) (*conversation.View, bool) {
	viewID := r.FormValue(viewIDParam)
	if viewID == "" {
		http.Error(w, "View ID is required", http.StatusBadRequest)
		return nil, false
	}
	v, ok := m.views.get(viewID)
	if !ok {
		m.logger.Debug("Unknown view", slog.String("viewID", viewID))
		http.Error(w, "View not found", http.StatusNotFound)
		return nil, false
	}
	return v, true
}

func (m Main) submitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrEmptyInput):
		http.Error(w, "Message is required", http.StatusBadRequest)
	case errors.Is(err, conversation.ErrStreamInFlight), errors.Is(err, conversation.ErrNotEmpty):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		m.logger.Error("Failed to submit message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
