package handlers

import (
	"log/slog"
	"net/http"

	"github.com/arqam66/chatbot-openai/internal/conversation"
)

type homePageData struct {
	ViewID        string
	VoiceMode     VoiceMode
	StarterPrompt string
	InputMin      int
	InputMax      int
}

// HandleHome renders the conversation page. Every page load gets a fresh view, which lives while the
// tab keeps an event stream open.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	id, _ := m.newView()
	m.logger.Debug("View created", slog.String("viewID", id))

	data := homePageData{
		ViewID:        id,
		VoiceMode:     m.voiceMode,
		StarterPrompt: conversation.StarterPrompt,
		InputMin:      conversation.MinInputHeight,
		InputMax:      conversation.MaxInputHeight,
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// HandleSSE streams the events of the view named by the view_id query parameter. The view outlives the
// stream by the idle period, so the browser can reconnect.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	viewID := r.URL.Query().Get(viewIDParam)
	if _, ok := m.views.connect(viewID); !ok {
		http.Error(w, "View not found", http.StatusNotFound)
		return
	}
	defer m.views.disconnect(viewID)

	m.sseSrv.ServeHTTP(w, r)
}
