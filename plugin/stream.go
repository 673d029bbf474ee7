package plugin

import (
	"context"
	"net/http"
	"time"

	"github.com/GoCodeAlone/nexus/eventbus"
	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// events streams lifecycle events to an operator over a websocket. Each
// connection gets its own module.* subscription, cancelled when the client
// goes away. A client that cannot keep up loses events rather than holding
// up the bus.
func (h *APIHandler) events(w http.ResponseWriter, r *http.Request) {
	bus := h.manager.Bus()
	if bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "no event bus configured"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		h.logger.Warn("Event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	out := make(chan eventbus.Event, streamBuffer)
	sub, err := bus.Subscribe("module.*", func(_ context.Context, ev eventbus.Event) error {
		select {
		case out <- ev:
		default:
			h.logger.Warn("Event stream client is slow, dropping event", "topic", ev.Topic)
		}
		return nil
	})
	if err != nil {
		h.logger.Error("Event stream subscribe failed", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"), time.Now().Add(streamWriteWait))
		return
	}
	defer sub.Cancel()

	operator := h.operator(r)
	h.logger.Info("Event stream opened", "operator", operator)
	defer h.logger.Info("Event stream closed", "operator", operator)

	// The client never sends anything we act on; reading only notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
