// Package handlers provides HTTP handler implementations for the public API.
// This file upgrades the per-account event stream: agents subscribe over a
// websocket and receive message, status, and pairing events for one account.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/relaydesk/go-relay-backend/internal/http/middleware"
)

// upgrader performs the websocket handshake. Origin enforcement happens at
// the CORS layer; browsers that reach this handler already passed it.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SubscribeAccountEvents upgrades the connection and streams the account's
// fanout events until the peer disconnects.
func (h *Handler) SubscribeAccountEvents(c *gin.Context) {
	acc := h.tenantAccount(c)
	if acc == nil {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		middleware.LoggerFrom(c).Warn().Err(err).Str("account_id", acc.ID).Msg("websocket upgrade failed")
		return
	}
	h.Hub.Subscribe(acc.ID, conn)
}
