// Package api provides HTTP handlers for the CPF advisor.
package api

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/cpf-advisor/internal/advisor"
	"github.com/ashureev/cpf-advisor/internal/auth"
	"github.com/ashureev/cpf-advisor/internal/config"
	"github.com/ashureev/cpf-advisor/web"
)

// defaultMaxRequestBodySize is the maximum accepted JSON request body (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Handler serves the advisor pages, the JSON API, and the chat WebSocket.
type Handler struct {
	svc           *advisor.Service
	gate          *auth.Gate
	tmpl          *template.Template
	sockets       *SocketManager
	allowedOrigin string
	isDev         bool
	now           func() time.Time
}

// NewHandler creates a Handler. The templates are parsed once here.
func NewHandler(svc *advisor.Service, gate *auth.Gate, sockets *SocketManager, cfg *config.Config) (*Handler, error) {
	tmpl, err := web.Templates()
	if err != nil {
		return nil, err
	}
	if sockets == nil {
		sockets = NewSocketManager()
	}
	return &Handler{
		svc:           svc,
		gate:          gate,
		tmpl:          tmpl,
		sockets:       sockets,
		allowedOrigin: cfg.FrontendURL,
		isDev:         cfg.IsDevelopment(),
		now:           time.Now,
	}, nil
}

// RegisterRoutes mounts every page, API, and WebSocket route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Index)
	r.Post("/navigate", h.Navigate)
	r.Post("/profile", h.Profile)
	r.Post("/chat", h.Chat)
	r.Post("/feedback", h.Feedback)
	r.Post("/return", h.Return)
	r.Post("/login", h.Login)

	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.Session)
		r.Post("/chat", h.APIChat)
	})

	r.Get("/ws/chat", h.ChatSocket)
	r.Handle("/static/*", web.StaticHandler())
}

func (h *Handler) ref(r *http.Request, channel string) advisor.Ref {
	ref := advisor.RefFromContext(r.Context(), channel)
	ref.RequestID = chiMiddleware.GetReqID(r.Context())
	return ref
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode JSON response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
