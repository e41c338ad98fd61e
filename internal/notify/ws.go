package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// DefaultKeepalive is how long a connection may stay silent before it
	// is pinged, and again before it is torn down.
	DefaultKeepalive = 30 * time.Second
	// DefaultWriteTimeout bounds one frame write.
	DefaultWriteTimeout = 10 * time.Second
	// maxFrameSize bounds inbound client frames.
	maxFrameSize = 4096
	// UserIDHeader carries the authenticated user id set by the gateway.
	UserIDHeader = "X-User-ID"
)

// Authenticator resolves the user behind an upgrade request.
type Authenticator func(r *http.Request) (int64, error)

// HeaderAuthenticator trusts the X-User-ID header set by the gateway in
// front of the server.
func HeaderAuthenticator(r *http.Request) (int64, error) {
	raw := r.Header.Get(UserIDHeader)
	if raw == "" {
		return 0, fmt.Errorf("notify: missing %s header", UserIDHeader)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("notify: invalid %s header %q", UserIDHeader, raw)
	}
	return id, nil
}

// wsConn adapts a gorilla connection to Conn. Writes are serialized and
// bounded by a deadline.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	done         chan struct{}
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{ws: ws, writeTimeout: writeTimeout, done: make(chan struct{})}
}

func (c *wsConn) Send(ctx context.Context, ev Event) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", ErrDeliveryFailed)
	case <-ctx.Done():
		// The caller gave up; the connection itself is fine.
		return fmt.Errorf("notify: send: %w", ctx.Err())
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(ev); err != nil {
		c.Close()
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

func (c *wsConn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// clientFrame is an inbound client message.
type clientFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Handler upgrades requests to web sockets and registers them with a Hub.
type Handler struct {
	hub          *Hub
	auth         Authenticator
	keepalive    time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	logger       *zap.Logger
}

// HandlerOpts configures a Handler.
type HandlerOpts struct {
	Hub           *Hub
	Authenticator Authenticator // HeaderAuthenticator when nil
	Keepalive     time.Duration
	WriteTimeout  time.Duration
	// CheckOrigin overrides the same-origin check of the upgrader.
	CheckOrigin func(r *http.Request) bool
	Logger      *zap.Logger
}

// NewHandler creates a web socket Handler.
func NewHandler(opts HandlerOpts) (*Handler, error) {
	if opts.Hub == nil {
		return nil, fmt.Errorf("notify: handler: hub is required")
	}
	if opts.Authenticator == nil {
		opts.Authenticator = HeaderAuthenticator
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{
		hub:          opts.Hub,
		auth:         opts.Authenticator,
		keepalive:    opts.Keepalive,
		writeTimeout: opts.WriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		logger: opts.Logger,
	}, nil
}

// ServeHTTP authenticates, upgrades and then serves the connection until
// the client leaves, the keep-alive expires or the hub drops it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.logger.Debug("notify: upgrade failed", zap.Error(err))
		return
	}
	conn := newWSConn(ws, h.writeTimeout)
	defer conn.Close()

	handle, err := h.hub.Register(userID, conn)
	if err != nil {
		h.logger.Warn("notify: register failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	defer h.hub.Unregister(userID, handle)

	log := h.logger.With(zap.Int64("user_id", userID), zap.String("handle", string(handle)))
	log.Debug("notify: connection opened")
	if err := conn.Send(r.Context(), ConnectedEvent(handle)); err != nil {
		return
	}
	h.serve(conn, log)
	log.Debug("notify: connection closed")
}

// serve runs the read loop in a goroutine and the keep-alive timer here.
// Any inbound frame or control pong counts as activity.
func (h *Handler) serve(conn *wsConn, log *zap.Logger) {
	activity := make(chan struct{}, 1)
	touch := func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}
	conn.ws.SetReadLimit(maxFrameSize)
	conn.ws.SetPongHandler(func(string) error {
		touch()
		return nil
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.ws.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
					log.Debug("notify: read failed", zap.Error(err))
				}
				return
			}
			touch()
			h.handleFrame(conn, data, log)
		}
	}()

	timer := time.NewTimer(h.keepalive)
	defer timer.Stop()
	pinged := false
	for {
		select {
		case <-readDone:
			return
		case <-conn.done:
			return
		case <-activity:
			pinged = false
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(h.keepalive)
		case <-timer.C:
			if pinged {
				log.Info("notify: keep-alive expired")
				return
			}
			pinged = true
			ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
			err := conn.Send(ctx, PingEvent())
			cancel()
			if err != nil {
				return
			}
			if err := conn.ping(); err != nil {
				return
			}
			timer.Reset(h.keepalive)
		}
	}
}

// handleFrame answers ping and subscribe frames. Anything else, including
// malformed JSON, is ignored.
func (h *Handler) handleFrame(conn *wsConn, data []byte, log *zap.Logger) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	switch EventType(frame.Type) {
	case Ping:
		conn.Send(ctx, PongEvent())
	case "subscribe":
		log.Debug("notify: subscribe", zap.Strings("channels", frame.Channels))
		conn.Send(ctx, SubscribedEvent(frame.Channels))
	}
}
