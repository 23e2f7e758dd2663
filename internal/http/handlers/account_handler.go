// Package handlers provides HTTP handler implementations for the public API.
// This file covers the account lifecycle: provisioning a channel identity,
// inspecting its connection state and rate posture, and tearing it down.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaydesk/go-relay-backend/internal/domain"
	"github.com/relaydesk/go-relay-backend/internal/http/middleware"
	"github.com/relaydesk/go-relay-backend/internal/repo"
)

// CreateAccountRequest is the payload for POST /accounts.
type CreateAccountRequest struct {
	// Channel selects the registered transport, e.g. "whatsapp".
	Channel string `json:"channel" binding:"required"`
	// Incognito suppresses unread counters for inbound traffic.
	Incognito bool `json:"incognito"`
}

// CreateAccount provisions a new channel account for the tenant and begins
// connecting it. The response returns immediately; pairing and connection
// progress arrive on the account's event stream.
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "channel is required")
		return
	}
	req.Channel = strings.ToLower(strings.TrimSpace(req.Channel))
	if req.Channel == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "channel is required")
		return
	}

	tenant := middleware.TenantFrom(c)
	acc, err := repo.CreateAccount(c.Request.Context(), h.DB, tenant, req.Channel, req.Incognito)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, "could not create account")
		return
	}

	// Connect in the background; construction failures surface as the error
	// status on the account and on the event stream.
	go func() {
		if err := h.Sessions.Start(context.Background(), acc); err != nil {
			middleware.LoggerFrom(c).Error().Err(err).Str("account_id", acc.ID).Msg("session start failed")
		}
	}()

	ok(c, http.StatusCreated, acc)
}

// ListAccounts returns the tenant's accounts, newest first.
func (h *Handler) ListAccounts(c *gin.Context) {
	tenant := middleware.TenantFrom(c)
	accounts, err := repo.ListAccounts(c.Request.Context(), h.DB, tenant)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list accounts")
		return
	}
	ok(c, http.StatusOK, accounts)
}

// GetAccount returns one account, scoped to the tenant.
func (h *Handler) GetAccount(c *gin.Context) {
	acc := h.tenantAccount(c)
	if acc == nil {
		return
	}
	ok(c, http.StatusOK, acc)
}

// LimitsResponse reports an account's live rate posture.
type LimitsResponse struct {
	AccountID string `json:"account_id"`
	Connected bool   `json:"connected"`
	AgeDays   int    `json:"age_days"`
	IsWarmup  bool   `json:"is_warmup"`
	// DailyLimit and DailyUsed track first-time contacts for the current UTC day.
	DailyLimit      int    `json:"daily_limit"`
	DailyUsed       int    `json:"daily_used"`
	LastMinuteCount int    `json:"last_minute_count"`
	BatchCount      int    `json:"batch_count"`
	RiskLevel       string `json:"risk_level"`
}

// GetAccountLimits returns the account's current send-admission posture.
func (h *Handler) GetAccountLimits(c *gin.Context) {
	acc := h.tenantAccount(c)
	if acc == nil {
		return
	}
	st := h.Governor.Stats(acc.ID, acc.CreatedAt)
	ok(c, http.StatusOK, LimitsResponse{
		AccountID:       acc.ID,
		Connected:       h.Sessions.Connected(acc.ID),
		AgeDays:         st.AgeDays,
		IsWarmup:        st.IsWarmup,
		DailyLimit:      st.DailyLimit,
		DailyUsed:       st.DailyUsed,
		LastMinuteCount: st.LastMinuteCount,
		BatchCount:      st.BatchCount,
		RiskLevel:       st.RiskLevel,
	})
}

// DeleteAccount tears down the account's session and removes the account.
func (h *Handler) DeleteAccount(c *gin.Context) {
	acc := h.tenantAccount(c)
	if acc == nil {
		return
	}

	h.Sessions.Destroy(c.Request.Context(), acc.ID)
	h.Dispatcher.StopAccount(acc.ID)
	if err := repo.DeleteAccount(c.Request.Context(), h.DB, acc.ID); err != nil && !repo.IsNotFound(err) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not delete account")
		return
	}
	noContent(c)
}

// tenantAccount loads the :id account and enforces tenant ownership. A miss
// or foreign account both read as 404 so account ids do not leak across
// tenants. Writes the error response itself and returns nil on failure.
func (h *Handler) tenantAccount(c *gin.Context) *domain.Account {
	acc, err := repo.GetAccount(c.Request.Context(), h.DB, c.Param("id"))
	if err != nil {
		if repo.IsNotFound(err) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "account not found")
		} else {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load account")
		}
		return nil
	}
	if acc.TenantID != middleware.TenantFrom(c) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "account not found")
		return nil
	}
	return acc
}
