// Package handlers provides HTTP handler implementations for the public API.
// This file covers the conversation surface: the inbox listing and the
// read-state reset agents trigger when opening a thread.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaydesk/go-relay-backend/internal/domain"
	"github.com/relaydesk/go-relay-backend/internal/http/middleware"
	"github.com/relaydesk/go-relay-backend/internal/repo"
	"github.com/relaydesk/go-relay-backend/internal/utils"
)

const (
	defaultPerPage = 50
	maxPerPage     = 200
)

// pageParams parses ?page and ?per_page with clamping.
func pageParams(c *gin.Context) (page, perPage, offset int) {
	page = utils.AtoiDefault(c.Query("page"), 1)
	if page < 1 {
		page = 1
	}
	perPage = utils.AtoiDefault(c.Query("per_page"), defaultPerPage)
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return page, perPage, (page - 1) * perPage
}

// ListConversations returns the account's inbox, most recently active first.
func (h *Handler) ListConversations(c *gin.Context) {
	acc := h.tenantAccount(c)
	if acc == nil {
		return
	}
	page, perPage, offset := pageParams(c)

	ctx := c.Request.Context()
	total, err := repo.CountConversations(ctx, h.DB, acc.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list conversations")
		return
	}
	convs, err := repo.ListConversationsPage(ctx, h.DB, acc.ID, offset, perPage)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list conversations")
		return
	}
	ok(c, http.StatusOK, ListResponse{Data: convs, Page: page, PerPage: perPage, Total: total})
}

// MarkConversationRead resets the conversation's unread counter.
func (h *Handler) MarkConversationRead(c *gin.Context) {
	conv := h.tenantConversation(c)
	if conv == nil {
		return
	}
	if err := repo.MarkConversationRead(c.Request.Context(), h.DB, conv.ID); err != nil {
		if repo.IsNotFound(err) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		} else {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not mark conversation read")
		}
		return
	}
	noContent(c)
}

// tenantConversation loads the :id conversation and enforces tenant ownership
// through its account. Writes the error response itself and returns nil on
// failure.
func (h *Handler) tenantConversation(c *gin.Context) *domain.Conversation {
	ctx := c.Request.Context()
	conv, err := repo.GetConversation(ctx, h.DB, c.Param("id"))
	if err != nil {
		if repo.IsNotFound(err) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		} else {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load conversation")
		}
		return nil
	}
	acc, err := repo.GetAccount(ctx, h.DB, conv.AccountID)
	if err != nil || acc.TenantID != middleware.TenantFrom(c) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		return nil
	}
	return conv
}
