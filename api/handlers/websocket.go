// Package handlers wires the engine into HTTP routes.
package handlers

import (
	"log"

	"github.com/gin-gonic/gin"

	"github.com/terminal-mux/backend/internal/ws"
)

// WebSocketHandler exposes the terminal protocol endpoint.
type WebSocketHandler struct {
	manager *ws.Manager
}

// NewWebSocketHandler creates a WebSocket handler.
func NewWebSocketHandler(manager *ws.Manager) *WebSocketHandler {
	return &WebSocketHandler{manager: manager}
}

// RegisterRoutes registers the WebSocket route on the router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/terminal", h.handleTerminal)
}

// handleTerminal upgrades to WebSocket and serves the connection until it
// dies. Authentication happens inside the handshake against the token
// query parameter.
func (h *WebSocketHandler) handleTerminal(c *gin.Context) {
	if err := h.manager.HandleConnection(c.Writer, c.Request); err != nil {
		log.Printf("websocket upgrade failed: %v", err)
	}
}
