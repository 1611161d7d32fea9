package source

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket dials a push endpoint per ride (<BaseURL>/<ride_id>) and
// redials with backoff when the connection drops.
type WebSocket struct {
	BaseURL    string
	Dialer     *websocket.Dialer
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

func NewWebSocket(baseURL string, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Dialer:     &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		MaxBackoff: 30 * time.Second,
		Logger:     logger,
	}
}

func (w *WebSocket) Subscribe(ctx context.Context, rideID string, h Handler) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	go w.run(ctx, rideID, h)
	return onceFunc(cancel), nil
}

func (w *WebSocket) run(ctx context.Context, rideID string, h Handler) {
	url := w.BaseURL + "/" + rideID
	logger := w.Logger.With("ride_id", rideID, "url", url)
	backoff := time.Second
	connected := true

	for ctx.Err() == nil {
		conn, _, err := w.Dialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if connected {
				connected = false
				h.HandleDisconnect(err)
			}
			logger.Warn("ride event socket dial failed", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.MaxBackoff {
				backoff = w.MaxBackoff
			}
			continue
		}

		backoff = time.Second
		if !connected {
			connected = true
			h.HandleReconnect()
		}

		err = w.read(ctx, conn, rideID, h, logger)
		if ctx.Err() != nil {
			return
		}
		connected = false
		h.HandleDisconnect(err)
	}
}

func (w *WebSocket) read(ctx context.Context, conn *websocket.Conn, rideID string, h Handler, logger *slog.Logger) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		id, ev, err := DecodeEnvelope(payload)
		if err != nil {
			logger.Warn("invalid ride event message", "error", err)
			continue
		}
		if id != rideID {
			continue
		}
		h.HandleEvent(ev)
	}
}
