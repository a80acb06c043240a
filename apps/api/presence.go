package main

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// PresenceReader answers presence questions from the gateway's Redis mirror.
type PresenceReader interface {
	OnlineUsers(ctx context.Context) ([]string, error)
	ChannelCount(ctx context.Context, userID string) (int64, error)
}

type userPresence struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	Channels int64  `json:"channels"`
}

type PresenceHandler struct {
	mirror PresenceReader
	log    *zap.SugaredLogger
}

func NewPresenceHandler(mirror PresenceReader, log *zap.SugaredLogger) *PresenceHandler {
	return &PresenceHandler{mirror: mirror, log: log}
}

// Online serves GET /presence.
func (h *PresenceHandler) Online(w http.ResponseWriter, r *http.Request) {
	users, err := h.mirror.OnlineUsers(r.Context())
	if err != nil {
		h.log.Errorw("failed to fetch online users", "error", err)
		http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"users": users})
}

// User serves GET /presence/{userId}.
func (h *PresenceHandler) User(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	n, err := h.mirror.ChannelCount(r.Context(), userID)
	if err != nil {
		h.log.Errorw("failed to fetch presence", "user", userID, "error", err)
		http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, userPresence{UserID: userID, Online: n > 0, Channels: n})
}
