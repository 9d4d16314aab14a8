package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/hehehe1cracka/empathic-space-hub/internal/auth"
	"github.com/hehehe1cracka/empathic-space-hub/internal/avatars"
	"github.com/hehehe1cracka/empathic-space-hub/internal/content"
	"github.com/hehehe1cracka/empathic-space-hub/internal/gateway"
	"github.com/hehehe1cracka/empathic-space-hub/internal/models"
	"github.com/hehehe1cracka/empathic-space-hub/internal/notify"
	"github.com/hehehe1cracka/empathic-space-hub/internal/remote"
	"github.com/hehehe1cracka/empathic-space-hub/internal/session"
)

type handlers struct {
	auth     *auth.Service
	gw       gateway.Gateway
	avatars  *avatars.Store
	push     *notify.Sender
	sync     *remote.Server
	upgrader *websocket.Upgrader
	baseURL  string
}

func (h *handlers) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/signup", h.signup)
	mux.HandleFunc("POST /api/login", h.login)
	mux.HandleFunc("POST /api/logoff", h.requireAuth(h.logoff))
	mux.HandleFunc("GET /api/me", h.requireAuth(h.me))
	mux.HandleFunc("POST /api/users/me/avatar", h.requireAuth(h.uploadAvatar))
	mux.HandleFunc("GET /api/avatars/{key}", h.getAvatar)
	mux.HandleFunc("POST /api/users/me/push", h.requireAuth(h.registerPush))
	mux.HandleFunc("GET /api/push-key", h.pushKey)
	mux.HandleFunc("POST /api/notify", h.requireAuth(h.notifyPeer))

	// WebSocket sync endpoint
	mux.HandleFunc("/api/sync", h.handleSync)

	return mux
}

func (h *handlers) token(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if t, ok := strings.CutPrefix(header, "Bearer "); ok {
		return t
	}
	return r.Header.Get("token")
}

func (h *handlers) requireAuth(next func(w http.ResponseWriter, r *http.Request, uid string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := h.auth.UserIDForToken(h.token(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, uid)
	}
}

type sessionResponse struct {
	Token string `json:"token"`
	UID   string `json:"uid"`
}

func (h *handlers) signup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	name := content.Sanitize(req.DisplayName)
	if err := content.ValidateDisplayName(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.auth.CreateAccount(req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrAccountExists):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.auth.UpdateDisplayName(id.UID, name); err != nil {
		http.Error(w, "Failed to set display name", http.StatusInternalServerError)
		return
	}

	profile := models.User{
		ID:            id.UID,
		DisplayName:   name,
		Email:         req.Email,
		Status:        models.StatusOffline,
		DailyLimitMin: session.DefaultDailyLimitMin,
	}
	if err := h.gw.Write(r.Context(), "users/"+id.UID, profile); err != nil {
		http.Error(w, "Failed to create profile", http.StatusInternalServerError)
		return
	}

	h.issueSession(w, id.UID)
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.auth.SignIn(req.Email, req.Password)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	h.issueSession(w, id.UID)
}

func (h *handlers) issueSession(w http.ResponseWriter, uid string) {
	token, err := h.auth.IssueToken(uid)
	if err != nil {
		http.Error(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessionResponse{Token: token, UID: uid})
}

func (h *handlers) logoff(w http.ResponseWriter, r *http.Request, uid string) {
	_ = h.auth.RevokeToken(h.token(r))
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request, uid string) {
	v, err := h.gw.Read(r.Context(), "users/"+uid)
	if err != nil || v == nil {
		http.Error(w, "Profile not found", http.StatusNotFound)
		return
	}
	var profile models.User
	if err := gateway.Decode(v, &profile); err != nil {
		http.Error(w, "Corrupt profile", http.StatusInternalServerError)
		return
	}
	writeJSON(w, profile)
}

func (h *handlers) uploadAvatar(w http.ResponseWriter, r *http.Request, uid string) {
	key, err := h.avatars.Save(http.MaxBytesReader(w, r.Body, avatars.MaxUploadBytes+1))
	switch {
	case errors.Is(err, avatars.ErrTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	case errors.Is(err, avatars.ErrUnsupportedFormat):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	case err != nil:
		http.Error(w, "Upload failed", http.StatusInternalServerError)
		return
	}

	url := h.baseURL + "/api/avatars/" + key
	if err := h.gw.Write(r.Context(), "users/"+uid+"/avatarUrl", url); err != nil {
		http.Error(w, "Failed to store avatar", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"avatarUrl": url})
}

func (h *handlers) getAvatar(w http.ResponseWriter, r *http.Request) {
	f, mime, err := h.avatars.Open(r.PathValue("key"))
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, f); err != nil {
		slog.Warn("failed to stream avatar", "error", err)
	}
}

func (h *handlers) registerPush(w http.ResponseWriter, r *http.Request, uid string) {
	var sub models.PushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.Endpoint == "" {
		http.Error(w, "Invalid subscription", http.StatusBadRequest)
		return
	}
	if err := h.gw.Write(r.Context(), "users/"+uid+"/push", sub); err != nil {
		http.Error(w, "Failed to store subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) pushKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"key": h.push.VAPIDPublicKey()})
}

// notifyPeer lets a sender nudge the recipient's browser after a message.
// Delivery happens off the request path; the response only acknowledges
// the intent.
func (h *handlers) notifyPeer(w http.ResponseWriter, r *http.Request, uid string) {
	var req struct {
		RecipientUID string `json:"recipientUid"`
		Preview      string `json:"preview"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecipientUID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	senderName := "Someone"
	if v, err := h.gw.Read(r.Context(), "users/"+uid+"/displayName"); err == nil {
		if s, ok := v.(string); ok && s != "" {
			senderName = s
		}
	}

	go h.push.NotifyNewMessage(context.Background(), req.RecipientUID, senderName, req.Preview)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) handleSync(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on a websocket, so the token may
	// arrive as a query parameter instead.
	token := h.token(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	uid, err := h.auth.UserIDForToken(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	if err := h.sync.Handle(r.Context(), conn, uid); err != nil {
		slog.Warn("sync connection ended with error", "uid", uid, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
