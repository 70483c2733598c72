// Package ws exposes the subscription hub over websocket connections.
package ws

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"MarketPipe/internal/service/hub"
	xlogger "MarketPipe/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Config tunes connection keepalive.
type Config struct {
	WriteTimeout time.Duration
	PongWait     time.Duration
	MaxMessage   int64
}

// clientMessage is a control frame sent by the client.
type clientMessage struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// controlReply acknowledges a control frame. Failed channels carry the reason.
type controlReply struct {
	Type     string            `json:"type"`
	Op       string            `json:"op"`
	Channels []string          `json:"channels,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// Handler upgrades /ws requests and attaches the connection to the hub.
type Handler struct {
	cfg      Config
	hub      *hub.Hub
	upgrader websocket.Upgrader
	logger   *xlogger.Logger
}

func NewHandler(cfg Config, h *hub.Hub, logger *xlogger.Logger) *Handler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.MaxMessage <= 0 {
		cfg.MaxMessage = 4096
	}
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &Handler{
		cfg: cfg,
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", h.Serve)
}

// Serve upgrades the request; ?channels=quote:EURUSD,trade:EURUSD subscribes up front.
func (h *Handler) Serve(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", xlogger.Error(err))
		return nil
	}
	sub := newConnSubscriber(conn, h.cfg.WriteTimeout)
	log := h.logger.With(xlogger.String("conn_id", sub.ID()), xlogger.String("remote", c.RealIP()))
	log.Info("ws connected")

	if raw := c.QueryParam("channels"); raw != "" {
		h.apply(sub, clientMessage{Op: OpSubscribe, Channels: strings.Split(raw, ",")})
	}
	h.readLoop(sub, log)
	return nil
}

func (h *Handler) readLoop(sub *connSubscriber, log *xlogger.Logger) {
	defer func() {
		h.hub.UnsubscribeAll(sub)
		_ = sub.Close()
		log.Info("ws disconnected")
	}()

	conn := sub.conn
	conn.SetReadLimit(h.cfg.MaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(h.cfg.PongWait * 9 / 10)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		var m clientMessage
		if err := conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("ws read", xlogger.Error(err))
			}
			return
		}
		h.apply(sub, m)
	}
}

func (h *Handler) apply(sub *connSubscriber, m clientMessage) {
	reply := controlReply{Type: "ack", Op: m.Op}
	for _, ch := range m.Channels {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		switch m.Op {
		case OpSubscribe:
			if err := h.hub.Subscribe(ch, sub); err != nil {
				if reply.Errors == nil {
					reply.Errors = make(map[string]string)
				}
				reply.Errors[ch] = err.Error()
				continue
			}
		case OpUnsubscribe:
			h.hub.Unsubscribe(ch, sub)
		default:
			reply.Type = "error"
			reply.Errors = map[string]string{"op": "unknown op " + m.Op}
			_ = sub.writeJSON(reply)
			return
		}
		reply.Channels = append(reply.Channels, ch)
	}
	_ = sub.writeJSON(reply)
}

// connSubscriber adapts a websocket connection to hub.Subscriber. Writes from
// the hub writer and from control replies are serialized.
type connSubscriber struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closeOnce    sync.Once
}

func newConnSubscriber(conn *websocket.Conn, writeTimeout time.Duration) *connSubscriber {
	return &connSubscriber{id: uuid.NewString(), conn: conn, writeTimeout: writeTimeout}
}

func (s *connSubscriber) ID() string { return s.id }

func (s *connSubscriber) Send(msg hub.Message) error { return s.writeJSON(msg) }

func (s *connSubscriber) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *connSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

var _ hub.Subscriber = (*connSubscriber)(nil)
