package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/model"
	"github.com/mahaj/campus-realtime/pkg/store"
)

type notificationPage struct {
	Notifications []model.Notification `json:"notifications"`
	Unread        int                  `json:"unread"`
	Next          string               `json:"next,omitempty"`
}

type NotificationsHandler struct {
	notes    store.NotificationStore
	pageSize int
	log      *zap.SugaredLogger
}

func NewNotificationsHandler(notes store.NotificationStore, pageSize int, log *zap.SugaredLogger) *NotificationsHandler {
	return &NotificationsHandler{notes: notes, pageSize: pageSize, log: log}
}

// List serves GET /notifications for the caller, newest first.
func (h *NotificationsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := caller(r).UserID
	before, limit := page(r, h.pageSize)

	notes, err := h.notes.ListNotifications(r.Context(), userID, before, limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	unread, err := h.notes.UnreadCount(r.Context(), userID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	out := notificationPage{Notifications: notes, Unread: unread}
	if out.Notifications == nil {
		out.Notifications = []model.Notification{}
	}
	if len(notes) == limit {
		out.Next = notes[len(notes)-1].ID
	}
	writeJSON(w, http.StatusOK, out)
}

// MarkRead serves POST /notifications/{id}/read. Someone else's notification is not found.
func (h *NotificationsHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := caller(r).UserID
	id := r.PathValue("id")

	if err := h.notes.MarkRead(r.Context(), userID, id); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.log.Debugw("notification read", "user", userID, "id", id)
	w.WriteHeader(http.StatusNoContent)
}
