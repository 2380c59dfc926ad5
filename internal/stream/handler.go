package stream

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// maxMessageSize caps frames read from clients. Clients only send
	// control frames, so anything large is a misbehaving peer.
	maxMessageSize = 64 * 1024

	defaultWriteTimeout = 10 * time.Second
)

// Handler upgrades HTTP requests to WebSocket connections, registers each
// connection with the Broadcaster and writes its frames until either side
// goes away.
type Handler struct {
	bc           *Broadcaster
	logger       *slog.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewHandler creates a Handler backed by bc. writeTimeout <= 0 defaults to
// 10 seconds.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		bc:           bc,
		logger:       logger,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Access is controlled by the API's bearer-token middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles the upgrade and drives the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		h.logger.Warn("stream: upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.Any("error", err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	client := h.bc.Register(clientID)
	defer h.bc.Unregister(clientID)

	h.logger.Info("stream: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", r.RemoteAddr))

	readDone := make(chan struct{})
	go h.readLoop(conn, readDone)

	h.writeLoop(conn, client, readDone)

	h.logger.Info("stream: client disconnected",
		slog.String("client_id", clientID),
		slog.Int64("dropped", client.Dropped.Load()))
}

// readLoop discards client frames; gorilla answers pings and close frames
// internally. It returns when the connection fails or is closed.
func (h *Handler) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, client *Client, readDone <-chan struct{}) {
	for {
		select {
		case frame, ok := <-client.Send():
			if !ok {
				// Broadcaster closed: say goodbye.
				deadline := time.Now().Add(h.writeTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("stream: write failed",
					slog.String("client_id", client.ID()),
					slog.Any("error", err))
				return
			}
		case <-readDone:
			return
		}
	}
}
