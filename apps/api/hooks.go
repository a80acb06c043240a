package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/apperr"
	"github.com/mahaj/campus-realtime/pkg/auth"
	"github.com/mahaj/campus-realtime/pkg/model"
	"github.com/mahaj/campus-realtime/pkg/notify"
	"github.com/mahaj/campus-realtime/pkg/store"
)

type publicationHook struct {
	ArticleID string `json:"articleId" validate:"required"`
	Title     string `json:"title" validate:"required,max=200"`
}

type likeHook struct {
	AuthorID  string `json:"authorId" validate:"required"`
	ArticleID string `json:"articleId" validate:"required"`
}

type commentHook struct {
	AuthorID  string `json:"authorId" validate:"required"`
	ArticleID string `json:"articleId" validate:"required"`
	Text      string `json:"text" validate:"required,max=2000"`
}

type friendHook struct {
	UserID string `json:"userId" validate:"required"`
}

type systemHook struct {
	Message    string   `json:"message" validate:"required,max=500"`
	Recipients []string `json:"recipients" validate:"dive,required"`
}

// HooksHandler turns events raised by the content services into notification events.
// The acting user is always the token's. Broadcast kinds need a service token.
type HooksHandler struct {
	notifier notify.Notifier
	users    store.UserDirectory
	log      *zap.SugaredLogger
}

func NewHooksHandler(notifier notify.Notifier, users store.UserDirectory, log *zap.SugaredLogger) *HooksHandler {
	return &HooksHandler{notifier: notifier, users: users, log: log}
}

// ServeHTTP serves POST /hooks/{kind}.
func (h *HooksHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	ev, err := h.event(r, kind, caller(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	if ev.Empty() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := h.notifier.Enqueue(r.Context(), ev); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.log.Infow("hook accepted", "kind", kind, "actor", ev.SenderID, "type", ev.Type)
	w.WriteHeader(http.StatusAccepted)
}

func (h *HooksHandler) event(r *http.Request, kind string, actor *auth.Claims) (notify.Event, error) {
	name := actor.DisplayName
	if name == "" {
		name = store.ResolveAuthor(r.Context(), h.users, actor.UserID).DisplayName
	}

	switch kind {
	case "publication", "system":
		if !actor.IsService() {
			return notify.Event{}, fmt.Errorf("hook %q needs a service token: %w", kind, apperr.ErrForbidden)
		}
	}

	switch kind {
	case "publication":
		var in publicationHook
		if err := decodeHook(r, &in); err != nil {
			return notify.Event{}, err
		}
		return notify.PublicationEvent(actor.UserID, in.ArticleID, in.Title), nil

	case "like":
		var in likeHook
		if err := decodeHook(r, &in); err != nil {
			return notify.Event{}, err
		}
		return notify.LikeEvent(actor.UserID, name, in.AuthorID, in.ArticleID), nil

	case "comment":
		var in commentHook
		if err := decodeHook(r, &in); err != nil {
			return notify.Event{}, err
		}
		return notify.CommentEvent(actor.UserID, name, in.AuthorID, in.ArticleID, in.Text), nil

	case "friend-request":
		var in friendHook
		if err := decodeHook(r, &in); err != nil {
			return notify.Event{}, err
		}
		return notify.FriendRequestEvent(actor.UserID, name, in.UserID), nil

	case "friend-accepted":
		var in friendHook
		if err := decodeHook(r, &in); err != nil {
			return notify.Event{}, err
		}
		return notify.FriendAcceptedEvent(actor.UserID, name, in.UserID), nil

	case "system":
		var in systemHook
		if err := decodeHook(r, &in); err != nil {
			return notify.Event{}, err
		}
		return notify.SystemEvent(in.Message, in.Recipients...), nil
	}
	return notify.Event{}, fmt.Errorf("unknown hook %q: %w", kind, apperr.ErrNotFound)
}

func decodeHook(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	return model.Validate(v)
}
