package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/RichardoC/padi-relay/internal/apperr"
	"github.com/RichardoC/padi-relay/internal/relay"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// originChecker allows same-host requests, requests without an Origin header and
// any origin listed in allowed. A "*" entry allows everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(strings.ToLower(origin), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] || set[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// ServeWebSocket upgrades an authenticated request and runs turns for it until
// the client disconnects.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.auth.ResolveActor(r)
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.ConnectionOpened()
	defer h.metrics.ConnectionClosed()

	logger := h.logger.With(zap.String("actor_id", actor))
	logger.Info("websocket connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{conn: conn, logger: logger}
	session := h.relay.NewSession(actor, relay.EmitterFunc(c.emit))
	defer session.Close()

	turns := make(chan relay.Inbound, h.turnQueue)
	rejects := make(chan error, h.turnQueue)

	go c.readLoop(ctx, cancel, h.pingInterval, turns, rejects)
	go c.pingLoop(ctx, h.pingInterval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("websocket disconnected")
			return
		case err := <-rejects:
			if emitErr := session.Reject(ctx, err); emitErr != nil {
				logger.Debug("could not deliver rejection", zap.Error(emitErr))
			}
		case in := <-turns:
			session.HandleTurn(ctx, in)
		}
	}
}

// wsConn owns the data-frame writes of one connection. Only the processing
// loop writes data frames, so emit needs no lock. Pings use WriteControl, which
// gorilla allows concurrently with other writes.
type wsConn struct {
	conn   *websocket.Conn
	logger *zap.Logger
}

func (c *wsConn) emit(ctx context.Context, ev relay.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(ev)
}

// readLoop decodes inbound frames into the turn queue. A frame that cannot be
// queued is turned into a rejection for the processing loop to report. Any read
// error ends the connection.
func (c *wsConn) readLoop(ctx context.Context, cancel context.CancelFunc, pingInterval time.Duration, turns chan<- relay.Inbound, rejects chan<- error) {
	defer cancel()

	readTimeout := 2 * pingInterval
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var in relay.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.reject(ctx, rejects, apperr.Validation("frame is not a valid JSON message"))
			continue
		}

		select {
		case turns <- in:
		default:
			c.reject(ctx, rejects, apperr.Validation("too many pending messages, try again later"))
		}
	}
}

func (c *wsConn) reject(ctx context.Context, rejects chan<- error, err error) {
	select {
	case rejects <- err:
	case <-ctx.Done():
	default:
		c.logger.Warn("dropping rejection, client is not reading", zap.Error(err))
	}
}

func (c *wsConn) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}
