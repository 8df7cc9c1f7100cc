package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"videoroom/internal/config"
	"videoroom/internal/media/mediatest"
	"videoroom/internal/recording"
	"videoroom/internal/rooms"
)

type fakeWSConn struct {
	mu      sync.Mutex
	written [][]byte
	once    sync.Once
	readCh  chan []byte
}

func newFakeWSConn() *fakeWSConn {
	return &fakeWSConn{readCh: make(chan []byte)}
}

func (c *fakeWSConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.readCh
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeWSConn) WriteMessage(mt int, data []byte) error {
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeWSConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeWSConn) Close() error {
	c.once.Do(func() { close(c.readCh) })
	return nil
}

func (c *fakeWSConn) writtenFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func TestTrySendBackpressure(t *testing.T) {
	conn := NewWSConnection(newFakeWSConn())

	for i := 0; i < sendQueueSize; i++ {
		if err := conn.TrySend([]byte("x")); err != nil {
			t.Fatalf("TrySend %d failed: %v", i, err)
		}
	}
	if err := conn.TrySend([]byte("overflow")); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("TrySend on full queue = %v, want ErrBackpressure", err)
	}
}

func TestWriteLoopDeliversQueuedFrames(t *testing.T) {
	ws := newFakeWSConn()
	conn := NewWSConnection(ws)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := conn.TrySend([]byte("one")); err != nil {
		t.Fatalf("TrySend failed: %v", err)
	}
	if err := conn.TrySend([]byte("two")); err != nil {
		t.Fatalf("TrySend failed: %v", err)
	}
	conn.StartWriteLoop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for len(ws.writtenFrames()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("write loop delivered %d frames, want 2", len(ws.writtenFrames()))
		}
		time.Sleep(10 * time.Millisecond)
	}
	frames := ws.writtenFrames()
	if string(frames[0]) != "one" || string(frames[1]) != "two" {
		t.Errorf("frames delivered out of order: %q, %q", frames[0], frames[1])
	}
}

type failingWSConn struct {
	fakeWSConn
}

func (c *failingWSConn) WriteMessage(mt int, data []byte) error {
	return errors.New("broken pipe")
}

// A peer dropping mid-stream must not crash senders still holding the
// connection: TrySend after the write loop bailed out reports closure
// instead of panicking.
func TestTrySendAfterWriteFailure(t *testing.T) {
	ws := &failingWSConn{fakeWSConn{readCh: make(chan []byte)}}
	conn := NewWSConnection(ws)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.StartWriteLoop(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(2 * time.Second)
		for {
			err := conn.TrySend([]byte("x"))
			if errors.Is(err, ErrConnClosed) {
				return
			}
			if time.Now().After(deadline) {
				t.Error("TrySend never observed the closed connection")
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sender goroutine wedged")
	}
}

func TestTrySendAfterCloseReportsClosed(t *testing.T) {
	conn := NewWSConnection(newFakeWSConn())
	conn.Close()
	if err := conn.TrySend([]byte("x")); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("TrySend after Close = %v, want ErrConnClosed", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := NewWSConnection(newFakeWSConn())
	conn.Close()
	conn.Close()
}

func newTestServer(t *testing.T) (*httptest.Server, *mediatest.Engine) {
	t.Helper()
	engine := mediatest.NewEngine()
	ports, err := recording.NewPortAllocator(50000, 50099)
	if err != nil {
		t.Fatalf("NewPortAllocator failed: %v", err)
	}
	registry := rooms.NewRegistry(engine, recording.Options{
		FFmpegBin: "ffmpeg",
		Dir:       t.TempDir(),
		SDPDir:    t.TempDir(),
		Ports:     ports,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &config.Config{Mode: "release"}
	srv := httptest.NewServer(SetupRouter(ctx, cfg, registry, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv, engine
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading server message: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decoding server message: %v", err)
	}
	return decoded
}

func TestSignalingHandshake(t *testing.T) {
	srv, engine := newTestServer(t)

	conn := dialWS(t, srv, "")
	init := readServerMessage(t, conn)
	if init["action"] != "init" {
		t.Fatalf("first message action = %v, want init", init["action"])
	}
	roomID, _ := init["roomId"].(string)
	if roomID == "" {
		t.Fatal("init lacks roomId")
	}
	if len(engine.Routers()) != 1 {
		t.Fatalf("created %d routers, want 1", len(engine.Routers()))
	}

	// A second client naming the same room must land in it.
	other := dialWS(t, srv, "?roomId="+roomID)
	otherInit := readServerMessage(t, other)
	if otherInit["roomId"] != roomID {
		t.Errorf("second client joined %v, want %s", otherInit["roomId"], roomID)
	}
	if len(engine.Routers()) != 1 {
		t.Errorf("second client created another router")
	}
}

func TestSignalingRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv, "")
	readServerMessage(t, conn)

	err := conn.WriteJSON(map[string]any{
		"action":          "init",
		"name":            "alice",
		"rtpCapabilities": map[string]any{},
	})
	if err != nil {
		t.Fatalf("sending init: %v", err)
	}
	err = conn.WriteJSON(map[string]any{
		"action":         "connectProducerTransport",
		"dtlsParameters": map[string]any{},
	})
	if err != nil {
		t.Fatalf("sending connect: %v", err)
	}
	ack := readServerMessage(t, conn)
	if ack["action"] != "connectedProducerTransport" {
		t.Errorf("ack action = %v, want connectedProducerTransport", ack["action"])
	}
}

func TestInvalidRoomIDRejected(t *testing.T) {
	srv, engine := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ws?roomId=not-a-uuid")
	if err != nil {
		t.Fatalf("GET /ws failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if len(engine.Routers()) != 0 {
		t.Errorf("rejected request created a router")
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}
