package ipc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler receives channel events. Calls are serialized: the listener
// delivers one event at a time regardless of how many plugin connections are
// open, so handlers may mutate shared state without locking against the
// dispatch path.
type Handler interface {
	HandleEnvelope(conn *Conn, envelope *Envelope)
	HandleDisconnect(conn *Conn)
}

type event struct {
	conn     *Conn
	envelope *Envelope // nil signals disconnect
}

// Listener owns the WebSocket endpoint plugins connect to. Each accepted
// connection gets its own read goroutine; everything they read is funneled
// through a single dispatch goroutine in arrival order per connection.
type Listener struct {
	addr    string
	logger  *zap.Logger
	handler Handler
	server  *http.Server
	events  chan event
	conns   map[string]*Conn
	connsMu sync.Mutex
	done    chan struct{}
	stopMu  sync.Mutex
	stopped bool
}

// NewListener creates a listener serving the plugin endpoint on addr.
func NewListener(addr string, handler Handler, logger *zap.Logger) *Listener {
	l := &Listener{
		addr:    addr,
		logger:  logger,
		handler: handler,
		events:  make(chan event, 64),
		conns:   make(map[string]*Conn),
		done:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/plugin", l.handleUpgrade)

	l.server = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 0, // plugin connections are long-lived
		IdleTimeout: 0,
	}

	return l
}

// Start begins accepting plugin connections and dispatching their envelopes.
func (l *Listener) Start() error {
	l.logger.Info("Starting plugin channel listener", zap.String("addr", l.addr))

	go l.dispatchLoop()

	go func() {
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.logger.Error("Plugin channel listener error", zap.Error(err))
		}
	}()

	return nil
}

// handleUpgrade accepts one plugin connection and starts its read loop.
func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Error("Failed to upgrade plugin connection", zap.Error(err))
		return
	}

	conn := NewConn(ws, l.logger)

	l.connsMu.Lock()
	l.conns[conn.ID()] = conn
	l.connsMu.Unlock()

	l.logger.Debug("Plugin connection accepted",
		zap.String("conn_id", conn.ID()),
		zap.String("remote_addr", r.RemoteAddr))

	go l.readLoop(conn)
}

// readLoop delivers each frame of one connection to the dispatch channel in
// arrival order, then signals disconnect when the connection dies.
func (l *Listener) readLoop(conn *Conn) {
	for {
		envelope, err := conn.ReadEnvelope()
		if err != nil {
			select {
			case <-l.done:
			default:
				l.logger.Debug("Plugin connection closed",
					zap.String("conn_id", conn.ID()),
					zap.Error(err))
			}

			l.connsMu.Lock()
			delete(l.conns, conn.ID())
			l.connsMu.Unlock()

			select {
			case l.events <- event{conn: conn}:
			case <-l.done:
			}
			return
		}

		select {
		case l.events <- event{conn: conn, envelope: envelope}:
		case <-l.done:
			return
		}
	}
}

// dispatchLoop is the single goroutine that invokes the handler. It is the
// serialization point for every registry and proxy mutation downstream.
func (l *Listener) dispatchLoop() {
	for {
		select {
		case ev := <-l.events:
			if ev.envelope == nil {
				l.handler.HandleDisconnect(ev.conn)
				continue
			}
			l.handler.HandleEnvelope(ev.conn, ev.envelope)
		case <-l.done:
			return
		}
	}
}

// Stop closes the endpoint and all live plugin connections. Idempotent.
func (l *Listener) Stop() error {
	l.stopMu.Lock()
	defer l.stopMu.Unlock()

	if l.stopped {
		return nil
	}
	l.stopped = true
	close(l.done)

	l.connsMu.Lock()
	for _, conn := range l.conns {
		conn.Close()
	}
	l.conns = make(map[string]*Conn)
	l.connsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown plugin channel listener: %w", err)
	}
	return nil
}
