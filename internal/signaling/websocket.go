package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrClosed means that signaler is closed.
var ErrClosed = errors.New("signaler closed")

// received is result of blocking read.
type received struct {
	m   Message
	err error
}

// readLoop calls read until error, passing messages to out. Messages that
// fail to decode are skipped by read itself.
func readLoop(read func() (Message, error), out chan<- received, done <-chan struct{}) {
	for {
		m, err := read()
		select {
		case out <- received{m: m, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func receive(ctx context.Context, in <-chan received, done <-chan struct{}) (Message, error) {
	select {
	case <-done:
		return Message{}, ErrClosed
	default:
	}
	select {
	case r := <-in:
		return r.m, r.err
	case <-done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// WebSocketOptions for DialWebSocket.
type WebSocketOptions struct {
	Log  *zap.Logger
	Name string
}

// WebSocket is Signaler over websocket connection to Relay.
type WebSocket struct {
	log       *zap.Logger
	name      string
	conn      *websocket.Conn
	writeMux  sync.Mutex
	in        chan received
	done      chan struct{}
	closeOnce sync.Once
}

// DialWebSocket connects to relay on url.
func DialWebSocket(ctx context.Context, url string, o WebSocketOptions) (*WebSocket, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial")
	}
	w := &WebSocket{
		log:  o.Log.Named("signaling").With(zap.String("url", url)),
		name: o.Name,
		conn: conn,
		in:   make(chan received),
		done: make(chan struct{}),
	}
	w.log.Info("connected")
	go readLoop(w.read, w.in, w.done)
	return w, nil
}

func (w *WebSocket) read() (Message, error) {
	for {
		_, buf, err := w.conn.ReadMessage()
		if err != nil {
			return Message{}, errors.Wrap(err, "failed to read")
		}
		var m Message
		if err = json.Unmarshal(buf, &m); err != nil {
			w.log.Warn("failed to decode message", zap.Error(err))
			continue
		}
		if m.From == w.name {
			continue
		}
		return m, nil
	}
}

// Send implements Signaler.
func (w *WebSocket) Send(ctx context.Context, m Message) error {
	m.From = w.name
	buf, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "failed to encode")
	}
	w.writeMux.Lock()
	defer w.writeMux.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err = w.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return errors.Wrap(w.conn.WriteMessage(websocket.TextMessage, buf), "failed to write")
}

// Receive implements Signaler.
func (w *WebSocket) Receive(ctx context.Context) (Message, error) {
	return receive(ctx, w.in, w.done)
}

// Close implements Signaler.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.writeMux.Lock()
		_ = w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		w.writeMux.Unlock()
		err = w.conn.Close()
	})
	return err
}

// Relay is websocket endpoint that broadcasts every message to all other
// connections.
type Relay struct {
	log      *zap.Logger
	upgrader websocket.Upgrader
	mux      sync.Mutex
	conns    map[*websocket.Conn]struct{}
}

// NewRelay initializes and returns Relay.
func NewRelay(l *zap.Logger) *Relay {
	if l == nil {
		l = zap.NewNop()
	}
	return &Relay{
		log: l.Named("relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Connections returns count of connected clients.
func (r *Relay) Connections() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return len(r.conns)
}

func (r *Relay) broadcast(from *websocket.Conn, t int, msg []byte) {
	r.mux.Lock()
	defer r.mux.Unlock()
	for c := range r.conns {
		if c == from {
			continue
		}
		if err := c.WriteMessage(t, msg); err != nil {
			r.log.Warn("failed to write", zap.Stringer("addr", c.RemoteAddr()), zap.Error(err))
		}
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("failed to upgrade", zap.Error(err))
		return
	}
	l := r.log.With(zap.Stringer("addr", conn.RemoteAddr()))
	l.Info("connected")
	r.mux.Lock()
	r.conns[conn] = struct{}{}
	r.mux.Unlock()
	defer func() {
		r.mux.Lock()
		delete(r.conns, conn)
		r.mux.Unlock()
		conn.Close()
		l.Info("disconnected")
	}()
	for {
		t, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if t == websocket.TextMessage || t == websocket.BinaryMessage {
			l.Debug("broadcast", zap.Int("len", len(msg)))
			r.broadcast(conn, t, msg)
		}
	}
}
