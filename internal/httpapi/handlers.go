// Package httpapi is the plain-HTTP sidecar to the WebSocket surface: health
// for load balancers, bulk presence lookups, and notification backlog access
// for clients that poll instead of holding a socket.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/beaconlabs/beacon/internal/history"
	"github.com/beaconlabs/beacon/internal/notification"
	"github.com/beaconlabs/beacon/internal/presence"
	"github.com/beaconlabs/beacon/internal/user"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	registry   *presence.Registry
	history    *history.Service
	dispatcher *notification.Dispatcher
	log        *slog.Logger
}

func NewHandler(registry *presence.Registry, historyService *history.Service, dispatcher *notification.Dispatcher, log *slog.Logger) *Handler {
	return &Handler{
		registry:   registry,
		history:    historyService,
		dispatcher: dispatcher,
		log:        log,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/presence", h.handlePresence)
	mux.HandleFunc("/notifications", h.handleNotifications)
	mux.HandleFunc("/notifications/read", h.handleNotificationsRead)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type presenceRequest struct {
	UserIDs []user.ID `json:"user_ids"`
}

type presenceResponse struct {
	Statuses map[user.ID]bool `json:"statuses"`
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req presenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	statuses := make(map[user.ID]bool, len(req.UserIDs))
	for _, id := range req.UserIDs {
		if id == "" {
			continue
		}
		_, online := h.registry.Lookup(id)
		statuses[id] = online
	}
	h.writeJSON(w, http.StatusOK, presenceResponse{Statuses: statuses})
}

type notificationsResponse struct {
	Identity      user.ID                     `json:"identity"`
	Notifications []notification.Notification `json:"notifications"`
}

// handleNotifications serves the backlog. GET /notifications?identity=<id>
// returns the unread set; scope=recent returns the recent window instead.
func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	identity := user.ID(strings.TrimSpace(r.URL.Query().Get("identity")))
	if identity == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("identity query parameter is required"))
		return
	}

	var (
		items []notification.Notification
		err   error
	)
	if r.URL.Query().Get("scope") == "recent" {
		items, err = h.history.RecentNotifications(r.Context(), identity)
	} else {
		items, err = h.history.UnreadNotifications(r.Context(), identity)
	}
	if err != nil {
		switch {
		case errors.Is(err, history.ErrRateLimited):
			h.writeError(w, http.StatusTooManyRequests, err)
		case errors.Is(err, history.ErrInvalidQuery):
			h.writeError(w, http.StatusBadRequest, err)
		default:
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	if items == nil {
		items = []notification.Notification{}
	}
	h.writeJSON(w, http.StatusOK, notificationsResponse{Identity: identity, Notifications: items})
}

type markNotificationsRequest struct {
	NotificationID notification.ID `json:"notification_id"`
	RecipientID    user.ID         `json:"recipient_id"`
	All            bool            `json:"all"`
}

func (h *Handler) handleNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req markNotificationsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	switch {
	case req.All:
		if req.RecipientID == "" {
			h.writeError(w, http.StatusBadRequest, errors.New("recipient_id is required when marking all"))
			return
		}
		if err := h.dispatcher.MarkAllRead(r.Context(), req.RecipientID); err != nil {
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
	case req.NotificationID != "":
		if err := h.dispatcher.MarkRead(r.Context(), req.NotificationID); err != nil {
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
	default:
		h.writeError(w, http.StatusBadRequest, errors.New("notification_id or all is required"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple json objects are not allowed")
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.log.Error("http request failed", "status", status, "err", err)
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
