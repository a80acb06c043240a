package model_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/campus-realtime/pkg/apperr"
	"github.com/mahaj/campus-realtime/pkg/model"
)

func TestDirectConversation_IsOrderIndependent(t *testing.T) {
	req := require.New(t)

	key := model.DirectConversation("bob", "alice")
	req.Equal("dm:alice:bob", key)
	req.Equal(key, model.DirectConversation("alice", "bob"))

	a, b, ok := model.ParseDirectConversation(key)
	req.True(ok)
	req.Equal("alice", a)
	req.Equal("bob", b)

	_, _, ok = model.ParseDirectConversation(model.PublicConversation)
	req.False(ok)
}

func TestChatMessage_AudienceShape(t *testing.T) {
	req := require.New(t)

	public := &model.ChatMessage{SenderID: "alice"}
	req.False(public.IsPrivate())
	req.Equal(model.PublicConversation, public.Conversation())
	req.Nil(public.Participants())

	private := &model.ChatMessage{SenderID: "alice", RecipientID: "bob"}
	req.True(private.IsPrivate())
	req.ElementsMatch([]string{"alice", "bob"}, private.Participants())

	// a note to self reaches the sender once
	self := &model.ChatMessage{SenderID: "alice", RecipientID: "alice"}
	req.Equal([]string{"alice"}, self.Participants())
}

func TestValidate_Submission(t *testing.T) {
	req := require.New(t)

	req.NoError(model.Validate(model.Submission{SenderID: "alice", Content: "hi"}))
	req.NoError(model.Validate(model.Submission{
		SenderID:    "alice",
		Attachments: []model.Attachment{{Kind: model.AttachmentImage, URL: "https://cdn.example/cat.png"}},
	}))

	// Neither text nor attachment
	err := model.Validate(model.Submission{SenderID: "alice", Content: "   "})
	req.True(errors.Is(err, apperr.ErrValidation))
	req.Contains(err.Error(), "content_or_attachment")

	// Oversized content
	err = model.Validate(model.Submission{SenderID: "alice", Content: strings.Repeat("x", 4001)})
	req.True(errors.Is(err, apperr.ErrValidation))
	req.Contains(err.Error(), "content: max")

	// Attachment with an unknown kind
	err = model.Validate(model.Submission{
		SenderID:    "alice",
		Attachments: []model.Attachment{{Kind: "pdf", URL: "https://cdn.example/x.pdf"}},
	})
	req.True(errors.Is(err, apperr.ErrValidation))
	req.Contains(err.Error(), "kind: oneof")
}

func TestValidate_CallPayloads(t *testing.T) {
	req := require.New(t)

	req.NoError(model.Validate(model.CallInitiate{CalleeID: "bob", Kind: model.CallVideo, Offer: json.RawMessage(`{}`)}))

	err := model.Validate(model.CallInitiate{CalleeID: "bob", Kind: "hologram", Offer: json.RawMessage(`{}`)})
	req.True(errors.Is(err, apperr.ErrValidation))

	err = model.Validate(model.CallPeer{})
	req.True(errors.Is(err, apperr.ErrValidation))
	req.Contains(err.Error(), "otherId: required")

	req.NoError(model.Validate(model.CallPeer{OtherID: "bob", Reason: "declined"}))
	for _, reason := range []string{"timeout", "disconnect", strings.Repeat("x", 500)} {
		err = model.Validate(model.CallPeer{OtherID: "bob", Reason: reason})
		req.True(errors.Is(err, apperr.ErrValidation), reason)
		req.Contains(err.Error(), "reason:")
	}
}

func TestEncode_WrapsDataInEnvelope(t *testing.T) {
	req := require.New(t)

	frame, err := model.Encode(model.EventMessageDeleted, model.MessageDeleted{MessageID: "42"})
	req.NoError(err)

	var env model.Envelope
	req.NoError(json.Unmarshal(frame, &env))
	req.Equal(model.EventMessageDeleted, env.Type)
	req.NotZero(env.Timestamp)
	req.JSONEq(`{"messageId":"42"}`, string(env.Data))
}
