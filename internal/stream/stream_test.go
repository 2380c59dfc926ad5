package stream_test

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dirwatch/dirwatch/internal/stream"
	"github.com/dirwatch/dirwatch/internal/watcher"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

func sampleEvent() watcher.Event {
	return watcher.Event{
		Dir:  "/srv/in",
		Name: "a.txt",
		Kind: watcher.Create,
		Time: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func recv(t *testing.T, c *stream.Client) []byte {
	t.Helper()
	select {
	case frame, ok := <-c.Send():
		if !ok {
			t.Fatal("send channel closed")
		}
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame within 1s")
		return nil
	}
}

// waitClients polls until the broadcaster has n clients.
func waitClients(t *testing.T, bc *stream.Broadcaster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bc.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want %d", bc.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Broadcaster
// ---------------------------------------------------------------------------

func TestBroadcaster_RegisterUnregister(t *testing.T) {
	bc := stream.NewBroadcaster(quietLogger(), 4)

	c1 := bc.Register("c1")
	bc.Register("c2")
	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("ClientCount = %d, want 2", got)
	}
	if c1.ID() != "c1" {
		t.Errorf("ID = %q, want c1", c1.ID())
	}

	bc.Unregister("c1")
	bc.Unregister("c1") // unknown now; no-op
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("ClientCount = %d, want 1", got)
	}
	if _, ok := <-c1.Send(); ok {
		t.Error("send channel still open after Unregister")
	}
}

func TestBroadcaster_PublishFansOut(t *testing.T) {
	bc := stream.NewBroadcaster(quietLogger(), 4)
	c1 := bc.Register("c1")
	c2 := bc.Register("c2")

	bc.Publish("incoming", sampleEvent())

	for _, c := range []*stream.Client{c1, c2} {
		var msg stream.Message
		if err := json.Unmarshal(recv(t, c), &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		want := stream.EventData{
			Watch: "incoming",
			Dir:   "/srv/in",
			Name:  "a.txt",
			Kind:  "create",
			At:    "2026-03-01T12:00:00Z",
		}
		if msg.Type != "event" || msg.Data != want {
			t.Errorf("client %s got %+v", c.ID(), msg)
		}
	}
	if got := bc.Sent(); got != 2 {
		t.Errorf("Sent = %d, want 2", got)
	}
}

func TestBroadcaster_FullBufferDrops(t *testing.T) {
	bc := stream.NewBroadcaster(quietLogger(), 2)
	c := bc.Register("slow")

	for i := 0; i < 5; i++ {
		bc.Publish("w", sampleEvent())
	}
	if got := c.Dropped.Load(); got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
	if got := len(c.Send()); got != 2 {
		t.Errorf("buffered = %d, want 2", got)
	}
}

func TestBroadcaster_Close(t *testing.T) {
	bc := stream.NewBroadcaster(quietLogger(), 0)
	c := bc.Register("c")

	bc.Close()
	bc.Close()

	if _, ok := <-c.Send(); ok {
		t.Error("client channel open after Close")
	}
	if got := bc.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d after Close", got)
	}

	late := bc.Register("late")
	if _, ok := <-late.Send(); ok {
		t.Error("Register after Close returned an open channel")
	}
	bc.Publish("w", sampleEvent()) // must not panic
}

// drain reads c until its channel is closed.
func drain(t *testing.T, c *stream.Client) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Send():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatalf("client %s channel never closed", c.ID())
		}
	}
}

func TestBroadcaster_PublishDuringUnregister(t *testing.T) {
	bc := stream.NewBroadcaster(quietLogger(), 1)
	ev := sampleEvent()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					bc.Publish("w", ev)
				}
			}
		}()
	}

	for i := 0; i < 2000; i++ {
		id := "c" + strconv.Itoa(i)
		bc.Register(id)
		bc.Unregister(id)
	}
	close(stop)
	wg.Wait()

	if got := bc.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d, want 0", got)
	}
}

func TestBroadcaster_RegisterRacingCloseIsClosed(t *testing.T) {
	for round := 0; round < 200; round++ {
		bc := stream.NewBroadcaster(quietLogger(), 0)

		clients := make([]*stream.Client, 8)
		var wg sync.WaitGroup
		for i := range clients {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				clients[i] = bc.Register("c" + strconv.Itoa(i))
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			bc.Close()
		}()
		wg.Wait()

		for _, c := range clients {
			drain(t, c)
		}
		if got := bc.ClientCount(); got != 0 {
			t.Fatalf("round %d: ClientCount = %d after Close", round, got)
		}
	}
}

func TestListener_Publishes(t *testing.T) {
	bc := stream.NewBroadcaster(quietLogger(), 4)
	c := bc.Register("c")

	var l watcher.DirListener = stream.NewListener(bc, "incoming")
	l.OnEvent(sampleEvent())

	if !strings.Contains(string(recv(t, c)), `"watch":"incoming"`) {
		t.Error("frame missing watch name")
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHandler_StreamsEvents(t *testing.T) {
	bc := stream.NewBroadcaster(quietLogger(), 8)
	srv := httptest.NewServer(stream.NewHandler(bc, quietLogger(), time.Second))
	defer srv.Close()

	conn := dial(t, srv)
	waitClients(t, bc, 1)

	bc.Publish("incoming", sampleEvent())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg stream.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != "event" || msg.Data.Name != "a.txt" || msg.Data.Kind != "create" {
		t.Errorf("message = %+v", msg)
	}
}

func TestHandler_ClientDisconnectUnregisters(t *testing.T) {
	bc := stream.NewBroadcaster(quietLogger(), 8)
	srv := httptest.NewServer(stream.NewHandler(bc, quietLogger(), time.Second))
	defer srv.Close()

	conn := dial(t, srv)
	waitClients(t, bc, 1)

	_ = conn.Close()
	waitClients(t, bc, 0)
}

func TestHandler_BroadcasterCloseSendsGoingAway(t *testing.T) {
	bc := stream.NewBroadcaster(quietLogger(), 8)
	srv := httptest.NewServer(stream.NewHandler(bc, quietLogger(), time.Second))
	defer srv.Close()

	conn := dial(t, srv)
	waitClients(t, bc, 1)

	bc.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway {
		t.Errorf("ReadMessage error = %v, want close 1001", err)
	}
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	bc := stream.NewBroadcaster(quietLogger(), 8)
	srv := httptest.NewServer(stream.NewHandler(bc, quietLogger(), time.Second))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if bc.ClientCount() != 0 {
		t.Error("plain request registered a client")
	}
}
