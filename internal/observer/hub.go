package observer

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	rtsup "focusloop/internal/runtime/supervisor"
	logx "focusloop/pkg/logx"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

type HubConfig struct {
	Addr       string
	Path       string
	SendBuffer int
	// AllowedOrigins are origin prefixes accepted on upgrade. Empty allows
	// localhost only.
	AllowedOrigins []string
}

// Frame is one websocket text message.
type Frame struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub broadcasts delivered events to connected websocket clients. Clients
// that fall behind are disconnected; delivery itself never fails because of
// a slow or absent client.
type Hub struct {
	cfg      HubConfig
	log      logx.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	srv     *http.Server
	ln      net.Listener
	sup     *rtsup.Supervisor
}

func NewHub(cfg HubConfig, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Path == "" {
		cfg.Path = "/events"
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	h := &Hub{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "observer.hub")),
		clients: map[*hubClient]struct{}{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := h.cfg.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"}
	}
	for _, prefix := range allowed {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	h.log.Warn("rejected websocket origin", logx.String("origin", origin))
	return false
}

// Start listens on cfg.Addr and serves the upgrade endpoint until Stop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(h.cfg.Path, h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	h.srv, h.ln = srv, ln

	h.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(h.log), rtsup.WithCancelOnError(false))
	h.sup.Go("hub.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	h.log.Info("websocket hub listening", logx.String("addr", ln.Addr().String()), logx.String("path", h.cfg.Path))
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (h *Hub) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	srv, sup := h.srv, h.sup
	h.srv, h.ln, h.sup = nil, nil, nil
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if sup != nil {
		if serr := sup.Stop(ctx); err == nil {
			err = serr
		}
	}
	return err
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, h.cfg.SendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("client connected", logx.String("remote", r.RemoteAddr))

	go h.writePump(c)
	h.readPump(c)
}

// Deliver broadcasts the event envelope to every connected client.
func (h *Hub) Deliver(_ context.Context, name string, payload []byte) error {
	data, err := json.Marshal(Frame{
		Type:      name,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      json.RawMessage(payload),
	})
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			close(c.send)
			delete(h.clients, c)
			h.log.Warn("dropped slow websocket client")
		}
	}
	return nil
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// readPump only watches for close and pong frames; clients never send
// commands over the socket.
func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
