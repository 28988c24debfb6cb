package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/regionmesh/regiond/internal/projection"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Handler streams client events to WebSocket clients as JSON text messages,
// one event per message.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer wc.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.hub.Subscribe()
	h.logger.Info("Client connected", "remote", r.RemoteAddr, "subscriber", sub.ID)

	// Clients only listen; reading detects the close handshake.
	go func() {
		defer cancel()
		for {
			if _, _, err := wc.NextReader(); err != nil {
				return
			}
		}
	}()

	sink := &wsSink{wc: wc}
	go sink.pingLoop(ctx, cancel)

	err = Forward(ctx, sub, sink)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Info("Client send failed", "subscriber", sub.ID, "error", err)
	}

	sink.close()
	h.logger.Info("Client disconnected",
		"remote", r.RemoteAddr,
		"subscriber", sub.ID,
		"dropped", sub.Dropped())
}

// wsSink writes data messages from the forwarding goroutine only. Pings
// and the close frame go through WriteControl, which gorilla allows
// concurrently with other writes.
type wsSink struct {
	wc *websocket.Conn
}

func (s *wsSink) Send(_ context.Context, ev projection.ClientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.wc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.wc.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSink) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.wc.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				cancel()
				return
			}
		}
	}
}

func (s *wsSink) close() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.wc.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
