// Package statusfeed streams sync status to WebSocket clients.
//
// Each connection gets its own engine subscription, so a client first
// receives the current status and then every change, skipping stale
// intermediate values when it reads slowly.
package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/xraph/ledgersync"
)

// Source is the part of the engine the feed needs.
type Source interface {
	SubscribeStatus(ctx context.Context) <-chan ledgersync.Status
	Status() ledgersync.Status
}

// Message is one frame sent to clients.
type Message struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Status    ledgersync.Status `json:"status"`
}

// MessageTypeStatus is the only frame type the feed sends.
const MessageTypeStatus = "sync_status"

// Option configures a Feed.
type Option func(*Feed)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Feed) { f.logger = logger }
}

// WithOriginPatterns restricts which browser origins may connect.
func WithOriginPatterns(patterns ...string) Option {
	return func(f *Feed) { f.origins = patterns }
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(f *Feed) { f.writeTimeout = d }
}

// Feed is an http.Handler serving the status stream at "/ws" and a
// JSON snapshot at "/status".
type Feed struct {
	src          Source
	logger       *slog.Logger
	origins      []string
	writeTimeout time.Duration
	mux          *http.ServeMux

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New creates a Feed over src.
func New(src Source, opts ...Option) *Feed {
	f := &Feed{
		src:          src,
		logger:       slog.Default(),
		writeTimeout: 5 * time.Second,
		clients:      make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}

	f.mux = http.NewServeMux()
	f.mux.HandleFunc("/ws", f.handleWebSocket)
	f.mux.HandleFunc("/status", f.handleStatus)
	return f
}

// ServeHTTP implements http.Handler.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mux.ServeHTTP(w, r)
}

// ClientCount returns the number of connected clients.
func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// ListenAndServe serves the feed on addr until ctx is done.
func (f *Feed) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("statusfeed: listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           f,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	f.logger.Info("status feed listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	f.closeClients()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("statusfeed: shutdown: %w", err)
	}
	return nil
}

func (f *Feed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: f.origins,
	})
	if err != nil {
		f.logger.Warn("status feed upgrade failed", "error", err)
		return
	}

	f.addClient(conn)
	defer f.removeClient(conn)

	// Clients never send; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for status := range f.src.SubscribeStatus(ctx) {
		msg := Message{Type: MessageTypeStatus, Timestamp: time.Now().UTC(), Status: status}

		writeCtx, cancel := context.WithTimeout(ctx, f.writeTimeout)
		err := wsjson.Write(writeCtx, conn, msg)
		cancel()
		if err != nil {
			f.logger.Debug("status feed client write failed", "error", err)
			return
		}
	}
	_ = conn.Close(websocket.StatusGoingAway, "sync engine stopped") //nolint:errcheck // peer may be gone
}

func (f *Feed) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f.src.Status()) //nolint:errcheck // client gone
}

func (f *Feed) addClient(conn *websocket.Conn) {
	f.mu.Lock()
	f.clients[conn] = struct{}{}
	n := len(f.clients)
	f.mu.Unlock()
	f.logger.Debug("status feed client connected", "clients", n)
}

func (f *Feed) removeClient(conn *websocket.Conn) {
	f.mu.Lock()
	_, ok := f.clients[conn]
	delete(f.clients, conn)
	n := len(f.clients)
	f.mu.Unlock()

	if ok {
		_ = conn.CloseNow() //nolint:errcheck // best effort
		f.logger.Debug("status feed client disconnected", "clients", n)
	}
}

func (f *Feed) closeClients() {
	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.clients))
	for c := range f.clients {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down") //nolint:errcheck // best effort
	}
}
