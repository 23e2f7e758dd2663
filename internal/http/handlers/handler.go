// Package handlers provides HTTP handler implementations for the public API.
// This file defines the Handler aggregate and its dependencies. Handlers stay
// thin: request parsing, tenant scoping, and response shaping live here, while
// admission, session, and dispatch semantics live in their own packages.
package handlers

import (
	"gorm.io/gorm"

	"github.com/relaydesk/go-relay-backend/internal/dispatch"
	"github.com/relaydesk/go-relay-backend/internal/fanout"
	"github.com/relaydesk/go-relay-backend/internal/governor"
	"github.com/relaydesk/go-relay-backend/internal/session"
)

// Handler carries the injected dependencies for all API endpoints.
type Handler struct {
	DB         *gorm.DB
	Sessions   *session.Manager
	Dispatcher *dispatch.Dispatcher
	Governor   *governor.Governor
	Hub        *fanout.Hub
}

// New constructs the API handler set.
func New(db *gorm.DB, sessions *session.Manager, d *dispatch.Dispatcher, gov *governor.Governor, hub *fanout.Hub) *Handler {
	return &Handler{DB: db, Sessions: sessions, Dispatcher: d, Governor: gov, Hub: hub}
}

// ListResponse is the standard pagination envelope for list endpoints.
type ListResponse struct {
	Data    any   `json:"data"`
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Total   int64 `json:"total"`
}
