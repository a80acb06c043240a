package main

import (
	"net/http"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/model"
	"github.com/mahaj/campus-realtime/pkg/store"
)

type messagePage struct {
	Messages []model.ChatMessage `json:"messages"`
	// Next is the cursor for the following page, empty on the last one.
	Next string `json:"next,omitempty"`
}

type HistoryHandler struct {
	messages store.MessageStore
	users    store.UserDirectory
	pageSize int
	log      *zap.SugaredLogger
}

func NewHistoryHandler(messages store.MessageStore, users store.UserDirectory, pageSize int, log *zap.SugaredLogger) *HistoryHandler {
	return &HistoryHandler{messages: messages, users: users, pageSize: pageSize, log: log}
}

// Public serves GET /history.
func (h *HistoryHandler) Public(w http.ResponseWriter, r *http.Request) {
	before, limit := page(r, h.pageSize)
	msgs, err := h.messages.PublicHistory(r.Context(), before, limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, h.render(r, msgs, limit))
}

// Conversation serves GET /conversations/{peerId}. The caller is always one side of it.
func (h *HistoryHandler) Conversation(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peerId")
	if peerID == "" {
		http.Error(w, "peer id is required", http.StatusBadRequest)
		return
	}

	before, limit := page(r, h.pageSize)
	msgs, err := h.messages.Conversation(r.Context(), caller(r).UserID, peerID, before, limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, h.render(r, msgs, limit))
}

// render attaches sender display fields, resolving each distinct sender once.
func (h *HistoryHandler) render(r *http.Request, msgs []model.ChatMessage, limit int) messagePage {
	senders := lo.Uniq(lo.Map(msgs, func(m model.ChatMessage, _ int) string { return m.SenderID }))
	authors := lo.SliceToMap(senders, func(id string) (string, model.Author) {
		return id, store.ResolveAuthor(r.Context(), h.users, id)
	})
	for i := range msgs {
		author := authors[msgs[i].SenderID]
		msgs[i].Sender = &author
	}

	out := messagePage{Messages: msgs}
	if out.Messages == nil {
		out.Messages = []model.ChatMessage{}
	}
	if len(msgs) == limit {
		out.Next = msgs[len(msgs)-1].ID
	}
	return out
}
