package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/wa-gateway/internal/identity"
	"github.com/ashureev/wa-gateway/internal/service"
)

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	svc         *service.Service
	maxSessions int
	maxBody     int64
}

// NewAdminHandler creates the admin handler. maxSessions is the default
// cleanup target.
func NewAdminHandler(svc *service.Service, maxSessions int, maxBody int64) *AdminHandler {
	return &AdminHandler{svc: svc, maxSessions: maxSessions, maxBody: maxBody}
}

// RegisterRoutes registers admin routes (requires an admin token).
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(identity.RequireAdmin)
		r.Get("/sessions", h.Sessions)
		r.Get("/stats", h.Stats)
		r.Post("/cleanup", h.Cleanup)
		r.Post("/sessions/{userID}/stop", h.StopSession)
	})
}

// Sessions lists registered sessions.
func (h *AdminHandler) Sessions(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"sessions": h.svc.ListSessions()})
}

// Stats reports session counts and memory usage.
func (h *AdminHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.svc.GetSessionStats())
}

// Cleanup evicts the least recently active sessions down to max_sessions.
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	req := struct {
		MaxSessions *int `json:"max_sessions"`
	}{}
	if r.ContentLength != 0 && !decodeJSON(w, r, h.maxBody, &req) {
		return
	}
	target := h.maxSessions
	if req.MaxSessions != nil {
		target = *req.MaxSessions
	}

	res, err := h.svc.ForceCleanupSessions(r.Context(), target)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// StopSession stops another user's session.
func (h *AdminHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Stop(r.Context(), chi.URLParam(r, "userID")); err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
