// Package broadcast republishes decoded chunks to subscribers over a
// topic-based PUB endpoint.
//
// Subscribers connect over WebSocket at /sub and pass an optional ?topic=
// prefix filter; an empty filter receives everything. Each published chunk
// is delivered as one text frame of the form "topic message". Delivery is
// fire-and-forget: frames to subscribers that cannot keep up are dropped
// rather than stalling the ingest path.
package broadcast

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Zereker/relay"
)

// ErrClosed is returned when publishing on a closed Broadcast.
var ErrClosed = errors.New("broadcast: closed")

const (
	// subscriberBuffer is how many frames may queue per subscriber before
	// further frames to it are dropped.
	subscriberBuffer = 64
	// writeTimeout bounds a single frame write to a subscriber.
	writeTimeout = 10 * time.Second
	// readLimit caps inbound frames; subscribers are not expected to send
	// anything beyond control frames.
	readLimit = 512
)

// Broadcast owns the PUB endpoint and the set of live subscribers.
type Broadcast struct {
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	logger   relay.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	conn *websocket.Conn
	// topic is the prefix filter; "" matches every topic.
	topic string
	send  chan []byte
}

// New binds the PUB endpoint and starts accepting subscribers.
// A nil logger falls back to the slog default.
func New(endpoint string, logger relay.Logger) (*Broadcast, error) {
	if logger == nil {
		logger = slog.Default()
	}

	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "broadcast: bind pub endpoint")
	}

	b := &Broadcast{
		listener: listener,
		logger:   logger,
		subs:     make(map[*subscriber]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sub", b.handleSubscribe)
	b.server = &http.Server{Handler: mux}

	go func() {
		if err := b.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			b.logger.Error("pub endpoint serve error", "error", err)
		}
	}()

	return b, nil
}

// Send publishes message under topic to every subscriber whose prefix
// filter matches. Slow subscribers miss the frame; Send never blocks on
// them.
func (b *Broadcast) Send(topic, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	frame := []byte(topic + " " + message)
	for sub := range b.subs {
		if !strings.HasPrefix(topic, sub.topic) {
			continue
		}
		select {
		case sub.send <- frame:
		default:
			// Subscriber buffer full: drop the frame.
		}
	}

	return nil
}

// Addr returns the PUB endpoint's bound address.
func (b *Broadcast) Addr() net.Addr {
	return b.listener.Addr()
}

// Close stops accepting subscribers and disconnects the current ones.
// Safe to call multiple times.
func (b *Broadcast) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.send)
	}
	b.mu.Unlock()

	return b.server.Close()
}

// handleSubscribe upgrades an HTTP request to a WebSocket subscription.
func (b *Broadcast) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("subscriber upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		conn:  conn,
		topic: r.URL.Query().Get("topic"),
		send:  make(chan []byte, subscriberBuffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.logger.Info("subscriber connected", "addr", conn.RemoteAddr(), "topic", sub.topic)

	go b.writePump(sub)
	go b.readPump(sub)
}

// readPump discards inbound frames and detects the subscriber going away.
func (b *Broadcast) readPump(sub *subscriber) {
	defer b.drop(sub)

	sub.conn.SetReadLimit(readLimit)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump delivers queued frames to one subscriber. When the send channel
// closes (Close or drop), it performs the close handshake and exits.
func (b *Broadcast) writePump(sub *subscriber) {
	defer sub.conn.Close()

	for frame := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sub.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			b.logger.Debug("subscriber write failed", "addr", sub.conn.RemoteAddr(), "error", err)
			return
		}
	}

	_ = sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = sub.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// drop removes a subscriber and closes its send channel exactly once.
func (b *Broadcast) drop(sub *subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.send)
	}
	b.mu.Unlock()

	b.logger.Info("subscriber disconnected", "addr", sub.conn.RemoteAddr())
}
