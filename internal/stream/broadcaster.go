// Package stream pushes dispatched directory events to connected WebSocket
// clients.
//
// Each client owns a buffered channel of JSON frames. Broadcast uses a
// non-blocking send so a slow or stalled client never holds up the watch
// engine's event loop; frames that do not fit are dropped and counted on the
// client.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dirwatch/dirwatch/internal/watcher"
)

// DefaultBufferSize is the per-client frame buffer depth used when none is
// configured.
const DefaultBufferSize = 64

// EventData is the payload of an "event" frame.
type EventData struct {
	Watch string `json:"watch"`
	Dir   string `json:"dir"`
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	At    string `json:"at"`
}

// Message is the JSON envelope written to clients. Type is "event" for
// directory events.
type Message struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// Client is one connected WebSocket client. It is valid until
// Broadcaster.Unregister is called with its ID.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // frames discarded because the buffer was full
}

// ID returns the client's identifier.
func (c *Client) ID() string { return c.id }

// Send returns the channel on which encoded frames are delivered. It is
// closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans frames out to registered clients. It is safe for
// concurrent use.
//
// mu guards clients and closed. Broadcast holds the read lock while it
// sends, so a client's channel is never closed under an in-flight send.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool

	sent atomic.Uint64

	bufSize int
	logger  *slog.Logger
}

// NewBroadcaster creates a Broadcaster. bufSize <= 0 selects
// DefaultBufferSize.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		clients: make(map[string]*Client),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register adds a client with the given id. If the broadcaster is closed
// the returned client's Send channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.send)
		return c
	}
	if old, ok := b.clients[id]; ok {
		close(old.send)
	}
	b.clients[id] = c
	return c
}

// Unregister removes the client and closes its Send channel. Unknown ids are
// ignored.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[id]; ok {
		delete(b.clients, id)
		close(c.send)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Sent returns the number of frames handed to client buffers.
func (b *Broadcaster) Sent() uint64 {
	return b.sent.Load()
}

// Broadcast encodes msg and offers it to every client without blocking.
func (b *Broadcaster) Broadcast(msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("stream: marshal failed", slog.Any("error", err))
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, c := range b.clients {
		select {
		case c.send <- raw:
			b.sent.Add(1)
		default:
			c.Dropped.Add(1)
			b.logger.Warn("stream: client buffer full, dropping frame",
				slog.String("client_id", c.id))
		}
	}
}

// Publish broadcasts ev as an "event" frame tagged with the watch name.
func (b *Broadcaster) Publish(watch string, ev watcher.Event) {
	b.Broadcast(Message{
		Type: "event",
		Data: EventData{
			Watch: watch,
			Dir:   ev.Dir,
			Name:  ev.Name,
			Kind:  ev.Kind.String(),
			At:    ev.Time.UTC().Format(time.RFC3339Nano),
		},
	})
}

// Close unregisters every client. Afterwards Broadcast is a no-op and
// Register returns closed clients.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.clients {
		delete(b.clients, id)
		close(c.send)
	}
}

// Listener publishes every event it receives to a Broadcaster. It implements
// watcher.DirListener.
type Listener struct {
	watcher.NopListener

	b     *Broadcaster
	watch string
}

// NewListener returns a listener that publishes to b under the watch name.
func NewListener(b *Broadcaster, watch string) *Listener {
	return &Listener{b: b, watch: watch}
}

// OnEvent publishes ev.
func (l *Listener) OnEvent(ev watcher.Event) {
	l.b.Publish(l.watch, ev)
}
