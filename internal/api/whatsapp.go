package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/fanout"
	"github.com/ashureev/wa-gateway/internal/identity"
	"github.com/ashureev/wa-gateway/internal/service"
)

// lifecycleLocks serializes start/stop/restart/logout per user.
var lifecycleLocks sync.Map

func lockUser(userID string) func() {
	lock, _ := lifecycleLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// WhatsAppHandler serves the per-user session API.
type WhatsAppHandler struct {
	svc     *service.Service
	sse     *fanout.SSEBroker
	ws      *fanout.WSBroker
	maxBody int64
}

// NewWhatsAppHandler creates the session API handler. Either broker may be nil.
func NewWhatsAppHandler(svc *service.Service, sse *fanout.SSEBroker, ws *fanout.WSBroker, maxBody int64) *WhatsAppHandler {
	return &WhatsAppHandler{svc: svc, sse: sse, ws: ws, maxBody: maxBody}
}

// RegisterRoutes registers session routes (requires authentication).
func (h *WhatsAppHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/whatsapp", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Post("/stop", h.Stop)
		r.Post("/restart", h.Restart)
		r.Post("/logout", h.Logout)
		r.Get("/status", h.Status)
		r.Get("/qr", h.QR)
		r.Post("/send", h.Send)
		r.Post("/send-media", h.SendMedia)
		r.Get("/chats", h.Chats)
		r.Get("/groups", h.Groups)
		r.Get("/messages", h.Messages)
		r.Get("/keywords", h.Keywords)
		r.Post("/keywords", h.AddKeyword)
		r.Delete("/keywords/{keyword}", h.RemoveKeyword)
		r.Get("/events", h.Events)
		r.Get("/ws", h.WebSocket)
	})
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := identity.UserIDFromContext(r.Context())
	if id == "" {
		ErrorCode(w, service.CodeAuthRequired, "unauthorized")
		return "", false
	}
	return id, true
}

// Start launches the caller's session.
func (h *WhatsAppHandler) Start(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	defer lockUser(uid)()

	info, err := h.svc.Start(r.Context(), uid)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	slog.Info("Session start requested", "user_id", uid, "state", info.State)
	JSON(w, http.StatusOK, info)
}

// Stop stops the caller's session.
func (h *WhatsAppHandler) Stop(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	defer lockUser(uid)()

	if err := h.svc.Stop(r.Context(), uid); err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// Restart restarts the caller's session, leaving the failed state.
func (h *WhatsAppHandler) Restart(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	defer lockUser(uid)()

	info, err := h.svc.Restart(r.Context(), uid)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, info)
}

// Logout clears stored credentials and starts a fresh pairing.
func (h *WhatsAppHandler) Logout(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	defer lockUser(uid)()

	if err := h.svc.ClearAuth(r.Context(), uid); err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// Status reports the caller's session.
func (h *WhatsAppHandler) Status(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, h.svc.GetStatus(r.Context(), uid))
}

// QR returns the pairing code. ?force=true requests a fresh one.
func (h *WhatsAppHandler) QR(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"

	qr, err := h.svc.GetQR(r.Context(), uid, force)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, qr)
}

type sendRequest struct {
	ChatID  string `json:"chat_id"`
	Text    string `json:"text"`
	URL     string `json:"url"`
	Caption string `json:"caption"`
}

// Send sends a text message.
func (h *WhatsAppHandler) Send(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if !decodeJSON(w, r, h.maxBody, &req) {
		return
	}

	res, err := h.svc.SendMessage(r.Context(), uid, req.ChatID, req.Text)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// SendMedia sends media fetched from a URL.
func (h *WhatsAppHandler) SendMedia(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if !decodeJSON(w, r, h.maxBody, &req) {
		return
	}

	res, err := h.svc.SendMedia(r.Context(), uid, req.ChatID, req.URL, req.Caption)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func pageFrom(w http.ResponseWriter, r *http.Request) (domain.Page, bool) {
	offset, ok1 := queryInt(r, "offset", 0)
	limit, ok2 := queryInt(r, "limit", 0)
	if !ok1 || !ok2 {
		ErrorCode(w, service.CodeInvalidInput, "offset and limit must be non-negative integers")
		return domain.Page{}, false
	}
	return domain.Page{Offset: offset, Limit: limit}, true
}

// Chats lists the caller's chats.
func (h *WhatsAppHandler) Chats(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	page, ok := pageFrom(w, r)
	if !ok {
		return
	}
	list, err := h.svc.GetChats(r.Context(), uid, page)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, list)
}

// Groups lists the caller's group chats.
func (h *WhatsAppHandler) Groups(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	page, ok := pageFrom(w, r)
	if !ok {
		return
	}
	list, err := h.svc.GetGroups(r.Context(), uid, page)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, list)
}

// Messages lists recent messages, optionally for one chat.
func (h *WhatsAppHandler) Messages(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		ErrorCode(w, service.CodeInvalidInput, "limit must be a non-negative integer")
		return
	}

	page, err := h.svc.GetMessages(r.Context(), uid, r.URL.Query().Get("chat_id"), limit)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, page)
}

// Keywords lists monitored group keywords.
func (h *WhatsAppHandler) Keywords(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	list, err := h.svc.MonitoredKeywords(r.Context(), uid)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"keywords": list})
}

// AddKeyword adds a monitored keyword.
func (h *WhatsAppHandler) AddKeyword(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req struct {
		Keyword string `json:"keyword"`
	}
	if !decodeJSON(w, r, h.maxBody, &req) {
		return
	}

	list, err := h.svc.AddMonitoredKeyword(r.Context(), uid, req.Keyword)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"keywords": list})
}

// RemoveKeyword removes a monitored keyword.
func (h *WhatsAppHandler) RemoveKeyword(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	list, err := h.svc.RemoveMonitoredKeyword(r.Context(), uid, chi.URLParam(r, "keyword"))
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"keywords": list})
}

// Events streams the caller's events over SSE.
func (h *WhatsAppHandler) Events(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	if h.sse == nil {
		Error(w, http.StatusNotFound, "event stream disabled")
		return
	}
	h.sse.Stream(w, r, uid)
}

// WebSocket streams the caller's events over a websocket.
func (h *WhatsAppHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	if h.ws == nil {
		Error(w, http.StatusNotFound, "websocket stream disabled")
		return
	}
	h.ws.Serve(w, r, uid)
}
