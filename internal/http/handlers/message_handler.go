// Package handlers provides HTTP handler implementations for the public API.
// This file covers the message surface: the paginated history of one
// conversation and the outbound send. Sends are optimistic: the endpoint
// returns the pending record as soon as it is persisted, and the terminal
// outcome (sent or failed) arrives on the account's event stream.
package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/relaydesk/go-relay-backend/internal/domain"
	"github.com/relaydesk/go-relay-backend/internal/repo"
)

// maxBodyRunes caps outbound message bodies.
const maxBodyRunes = 4096

// ListMessages returns a conversation's messages, oldest first.
func (h *Handler) ListMessages(c *gin.Context) {
	conv := h.tenantConversation(c)
	if conv == nil {
		return
	}
	page, perPage, offset := pageParams(c)

	ctx := c.Request.Context()
	total, err := repo.CountMessages(ctx, h.DB, conv.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list messages")
		return
	}
	msgs, err := repo.ListMessagesPage(ctx, h.DB, conv.ID, offset, perPage)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list messages")
		return
	}
	ok(c, http.StatusOK, ListResponse{Data: msgs, Page: page, PerPage: perPage, Total: total})
}

// PostMessageRequest is the payload for POST /conversations/:id/messages.
type PostMessageRequest struct {
	// Kind is the content type; only "text" is interpreted by the relay.
	Kind string `json:"kind"`
	Body string `json:"body" binding:"required"`
}

// PostMessage queues an outbound send into the conversation. The response is
// the pending message record; admission control, the transport send, and the
// terminal status all happen asynchronously on the account's dispatch worker.
func (h *Handler) PostMessage(c *gin.Context) {
	conv := h.tenantConversation(c)
	if conv == nil {
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Body) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body is required")
		return
	}
	if utf8.RuneCountInString(req.Body) > maxBodyRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body too long")
		return
	}
	if req.Kind == "" {
		req.Kind = "text"
	}

	ctx := c.Request.Context()
	acc, err := repo.GetAccount(ctx, h.DB, conv.AccountID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load account")
		return
	}
	if !h.Sessions.Connected(acc.ID) {
		fail(c, http.StatusConflict, ErrCodeSessionNotConnected, "account transport is not connected")
		return
	}

	target, err := h.conversationTarget(c, conv, acc.Channel)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not resolve target")
		return
	}

	// A send into a conversation with inbound traffic is a reply and never
	// counts against the daily new-contact cap.
	isReply, err := repo.HasInboundMessage(ctx, h.DB, acc.ID, conv.ID)
	if err != nil {
		isReply = false
	}

	msg, err := h.Dispatcher.Dispatch(ctx, acc, conv.ID, target, req.Kind, req.Body, isReply)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeDispatchFailed, "could not queue message")
		return
	}
	ok(c, http.StatusAccepted, msg)
}

// conversationTarget resolves the wire destination for a conversation.
func (h *Handler) conversationTarget(c *gin.Context, conv *domain.Conversation, channel string) (domain.Target, error) {
	ctx := c.Request.Context()
	if conv.GroupID != nil {
		g, err := repo.GetGroup(ctx, h.DB, *conv.GroupID)
		if err != nil {
			return domain.Target{}, err
		}
		return domain.Target{Kind: domain.TargetGroup, ChannelID: g.ChannelID, Channel: channel}, nil
	}
	if conv.ContactID == nil {
		return domain.Target{}, fmt.Errorf("conversation %s has no peer", conv.ID)
	}
	ct, err := repo.GetContact(ctx, h.DB, *conv.ContactID)
	if err != nil {
		return domain.Target{}, err
	}
	return domain.Target{Kind: domain.TargetContact, ChannelID: ct.ChannelID, Channel: channel}, nil
}
