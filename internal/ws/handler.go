// Package ws streams alert lifecycle events to operator dashboards over
// WebSocket.
package ws

import (
	"context"
	"net/http"

	"github.com/HerbHall/sunlink/internal/alerts"
	"github.com/HerbHall/sunlink/internal/auth"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Handler provides the WebSocket alert stream.
type Handler struct {
	hub    *Hub
	tokens *auth.TokenService
	logger *zap.Logger
	unsubs []func()
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler and subscribes to alert events.
func NewHandler(tokens *auth.TokenService, bus plugin.EventBus, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:    NewHub(logger),
		tokens: tokens,
		logger: logger,
	}
	h.subscribeToEvents(bus)
	return h
}

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/alerts", h.handleAlertStream)
}

// Close detaches the handler from the event bus.
func (h *Handler) Close() {
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.unsubs = nil
}

// handleAlertStream upgrades the connection and streams alert events,
// optionally narrowed to one device with ?deviceId=.
func (h *Handler) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	// Browser WS API doesn't support headers, so the operator token rides
	// in the query string.
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token parameter", http.StatusUnauthorized)
		return
	}

	claims, err := h.tokens.ValidateAccessToken(token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin is not checked; the JWT authorizes the stream.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:     conn,
		operator: claims.Operator,
		deviceID: r.URL.Query().Get("deviceId"),
		send:     make(chan Message, sendBuffer),
		logger:   h.logger,
	}

	h.hub.Register(client)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	// readPump blocks until client disconnects.
	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

func (h *Handler) subscribeToEvents(bus plugin.EventBus) {
	if bus == nil {
		return
	}
	for topic := range messageTypes {
		h.unsubs = append(h.unsubs, bus.Subscribe(topic, h.forward))
	}
	h.logger.Info("subscribed to alert events for WebSocket broadcasting")
}

func (h *Handler) forward(_ context.Context, event plugin.Event) {
	a, ok := event.Payload.(*alerts.Alert)
	if !ok {
		return
	}
	h.hub.Broadcast(Message{
		Type:      messageTypes[event.Topic],
		DeviceID:  a.DeviceID,
		Timestamp: event.Timestamp,
		Data:      a,
	})
}
