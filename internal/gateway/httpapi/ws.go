package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/jkaninda/datagate/internal/chat"
	"github.com/jkaninda/datagate/internal/domain"
)

// Subprotocol is the websocket subprotocol spoken on the chat surface.
const Subprotocol = "datagate-chat-v1"

// WebSocketConfig configures the websocket chat surface.
type WebSocketConfig struct {
	Path         string        // Default: "/v1/ws".
	ReadLimit    int64         // Maximum frame size in bytes. Default: 64 KiB.
	IdleTimeout  time.Duration // Close after this long without a frame. Default: 5m.
	PingInterval time.Duration // Keepalive pings. Default: 30s.
	PingTimeout  time.Duration // Wait for a pong. Default: 10s.
}

func (w *WebSocketConfig) path() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/v1/ws"
}

func (w *WebSocketConfig) readLimit() int64 {
	if w != nil && w.ReadLimit > 0 {
		return w.ReadLimit
	}
	return 64 << 10
}

func (w *WebSocketConfig) idleTimeout() time.Duration {
	if w != nil && w.IdleTimeout > 0 {
		return w.IdleTimeout
	}
	return 5 * time.Minute
}

func (w *WebSocketConfig) pingInterval() time.Duration {
	if w != nil && w.PingInterval > 0 {
		return w.PingInterval
	}
	return 30 * time.Second
}

func (w *WebSocketConfig) pingTimeout() time.Duration {
	if w != nil && w.PingTimeout > 0 {
		return w.PingTimeout
	}
	return 10 * time.Second
}

// Frame is one server-to-client websocket message. Exactly one of Response
// or Error is set.
type Frame struct {
	Type     string         `json:"type"` // "response" or "error"
	ID       string         `json:"id,omitempty"`
	Response *chat.Response `json:"response,omitempty"`
	Error    string         `json:"error,omitempty"`
	Code     int            `json:"code,omitempty"`
}

// clientFrame is one client-to-server message: a chat request with an
// optional client-chosen ID echoed on the reply.
type clientFrame struct {
	ID string `json:"id,omitempty"`
	chat.Request
}

// WebSocketHandler returns the handler for GET <path>?surface=<id>. The
// caller is authenticated before the upgrade; each text frame is one turn.
func (g *Gateway) WebSocketHandler() http.Handler {
	return http.HandlerFunc(g.handleUpgrade)
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	principal, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	surface := r.URL.Query().Get("surface")
	if surface == "" {
		surface = domain.DefaultSurface
	}
	if !surfaceRe.MatchString(surface) {
		http.Error(w, "invalid surface", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(g.config.WebSocket.readLimit())

	g.serveConn(r.Context(), conn, principal, surface)
}

func (g *Gateway) serveConn(ctx context.Context, conn *websocket.Conn, principal domain.Principal, surface string) {
	connID := uuid.New().String()
	log := g.logger.With(
		slog.String("conn_id", connID),
		slog.String("user_id", principal.ID),
		slog.String("surface", surface),
	)
	if m := g.config.Metrics; m != nil {
		m.ActiveWebSocket.Inc()
		defer m.ActiveWebSocket.Dec()
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go g.pingLoop(ctx, conn, log)

	log.Info("websocket chat connected")
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.config.WebSocket.idleTimeout())
		typ, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			switch {
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				log.Info("websocket chat disconnected")
			case errors.Is(err, context.DeadlineExceeded):
				log.Info("websocket chat idle, closing")
			default:
				log.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		if typ != websocket.MessageText {
			if err := g.writeFrame(ctx, conn, Frame{Type: "error", Error: "text frames only", Code: http.StatusBadRequest}); err != nil {
				return
			}
			continue
		}

		var in clientFrame
		if err := json.Unmarshal(data, &in); err != nil {
			if err := g.writeFrame(ctx, conn, Frame{Type: "error", Error: "invalid request body", Code: http.StatusBadRequest}); err != nil {
				return
			}
			continue
		}

		if err := g.writeFrame(ctx, conn, g.turn(ctx, log, principal, surface, in)); err != nil {
			log.Warn("websocket write failed", slog.String("error", err.Error()))
			return
		}
	}
}

func (g *Gateway) turn(ctx context.Context, log *slog.Logger, principal domain.Principal, surface string, in clientFrame) Frame {
	if g.limited(principal.ID) {
		return Frame{Type: "error", ID: in.ID, Error: "rate limit exceeded", Code: http.StatusTooManyRequests}
	}
	resp, err := g.chat.Handle(ctx, principal, surface, in.Request)
	if err != nil {
		code, msg := errorStatus(err)
		if code >= http.StatusInternalServerError {
			log.Error("chat turn failed", slog.String("error", err.Error()))
		}
		return Frame{Type: "error", ID: in.ID, Error: msg, Code: code}
	}
	return Frame{Type: "response", ID: in.ID, Response: resp}
}

func (g *Gateway) writeFrame(ctx context.Context, conn *websocket.Conn, f Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, f)
}

// pinger is the part of *websocket.Conn the keepalive loop needs.
type pinger interface {
	Ping(ctx context.Context) error
}

// pingLoop sends keepalive pings until ctx ends or the connection closes.
// Pongs are only read while a Read is pending, so a ping sent during a long
// turn can time out on a healthy connection; that is logged and the loop
// carries on.
func (g *Gateway) pingLoop(ctx context.Context, conn pinger, log *slog.Logger) {
	ticker := time.NewTicker(g.config.WebSocket.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, g.config.WebSocket.pingTimeout())
			err := conn.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug("websocket ping unanswered", slog.String("error", err.Error()))
		}
	}
}
