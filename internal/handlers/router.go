package handlers

import (
	"io/fs"
	"net/http"

	chatbot "github.com/arqam66/chatbot-openai"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router wires the HTTP routes of the chat server.
func (m Main) Router() (http.Handler, error) {
	staticFS, err := fs.Sub(chatbot.StaticFS, "static")
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	r.Handle("/metrics", m.metrics.Handler())

	r.Get("/", m.HandleHome)
	r.Get("/sse", m.HandleSSE)
	r.Get("/voice/ws", m.HandleVoice)

	r.Post("/chats", m.HandleChats)
	r.Post("/chats/cancel", m.HandleCancel)
	r.Post("/chats/start", m.HandleStart)

	r.Post("/api/chat", m.HandleRelay)

	return r, nil
}
