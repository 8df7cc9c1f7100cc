package participant

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"videoroom/internal/domain"
	"videoroom/internal/media"
	"videoroom/internal/media/mediatest"
	"videoroom/internal/recording"
	"videoroom/internal/rooms"
)

// fakeConn records outbound frames in memory.
type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	sendErr error
}

func (c *fakeConn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// waitFor polls until a frame with the given action shows up, skipping
// earlier frames, and returns it decoded.
func (c *fakeConn) waitFor(t *testing.T, a action) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	seen := 0
	for {
		c.mu.Lock()
		frames := c.frames[seen:]
		seen = len(c.frames)
		c.mu.Unlock()
		for _, data := range frames {
			var decoded map[string]any
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("undecodable outbound frame: %v", err)
			}
			if decoded["action"] == string(a) {
				return decoded
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %q frame within deadline", a)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// expectNone asserts no frame with the given action arrives within the window.
func (c *fakeConn) expectNone(t *testing.T, a action, window time.Duration) {
	t.Helper()
	c.mu.Lock()
	start := len(c.frames)
	c.mu.Unlock()
	time.Sleep(window)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, data := range c.frames[start:] {
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			continue
		}
		if decoded["action"] == string(a) {
			t.Fatalf("unexpected %q frame: %s", a, data)
		}
	}
}

func frame(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal test frame: %v", err)
	}
	return data
}

type testEnv struct {
	engine *mediatest.Engine
	reg    *rooms.Registry
	roomID domain.RoomID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	engine := mediatest.NewEngine()
	ports, err := recording.NewPortAllocator(50000, 50099)
	if err != nil {
		t.Fatalf("NewPortAllocator failed: %v", err)
	}
	return &testEnv{
		engine: engine,
		reg: rooms.NewRegistry(engine, recording.Options{
			FFmpegBin: "ffmpeg",
			Dir:       t.TempDir(),
			SDPDir:    t.TempDir(),
			Ports:     ports,
		}),
		roomID: domain.NewRoomID(),
	}
}

// join admits a new session to the shared test room and starts it.
func (e *testEnv) join(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	ctx := context.Background()
	room, err := e.reg.GetOrCreateRoom(ctx, e.roomID)
	if err != nil {
		t.Fatalf("GetOrCreateRoom failed: %v", err)
	}
	conn := &fakeConn{}
	sess, err := New(ctx, room, conn, zerolog.Nop())
	if err != nil {
		room.Release()
		t.Fatalf("New session failed: %v", err)
	}
	go sess.Run(ctx)
	t.Cleanup(func() {
		sess.Shutdown()
		waitClosed(t, conn)
	})
	return sess, conn
}

func waitClosed(t *testing.T, conn *fakeConn) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !conn.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("connection not closed within deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func initSession(t *testing.T, sess *Session, conn *fakeConn, name string) map[string]any {
	t.Helper()
	init := conn.waitFor(t, actionServerInit)
	sess.HandleMessage(frame(t, map[string]any{
		"action":          actionInit,
		"name":            name,
		"rtpCapabilities": map[string]any{},
	}))
	return init
}

func produceAudio(t *testing.T, sess *Session, conn *fakeConn) string {
	t.Helper()
	sess.HandleMessage(frame(t, map[string]any{
		"action":        actionProduce,
		"kind":          "audio",
		"rtpParameters": map[string]any{},
	}))
	produced := conn.waitFor(t, actionProduced)
	id, _ := produced["id"].(string)
	if id == "" {
		t.Fatalf("produced frame lacks id: %v", produced)
	}
	return id
}

func TestSessionSendsInitWithTransportOptions(t *testing.T) {
	env := newTestEnv(t)
	_, conn := env.join(t)

	init := conn.waitFor(t, actionServerInit)
	if init["roomId"] != string(env.roomID) {
		t.Errorf("init roomId = %v, want %s", init["roomId"], env.roomID)
	}
	for _, key := range []string{"producerTransportOptions", "consumerTransportOptions"} {
		opts, ok := init[key].(map[string]any)
		if !ok {
			t.Fatalf("init lacks %s: %v", key, init)
		}
		if id, _ := opts["id"].(string); id == "" {
			t.Errorf("%s lacks transport id", key)
		}
		if _, ok := opts["iceParameters"]; !ok {
			t.Errorf("%s lacks iceParameters", key)
		}
	}
	if _, ok := init["routerRtpCapabilities"]; !ok {
		t.Error("init lacks routerRtpCapabilities")
	}
}

func TestConnectTransportAcks(t *testing.T) {
	env := newTestEnv(t)
	sess, conn := env.join(t)
	initSession(t, sess, conn, "alice")

	sess.HandleMessage(frame(t, map[string]any{
		"action":         actionConnectProducerTransport,
		"dtlsParameters": map[string]any{},
	}))
	conn.waitFor(t, actionConnectedProducerTransport)

	sess.HandleMessage(frame(t, map[string]any{
		"action":         actionConnectConsumerTransport,
		"dtlsParameters": map[string]any{},
	}))
	conn.waitFor(t, actionConnectedConsumerTransport)
}

func TestProduceAnnouncesToOthersButNotSelf(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceConn := env.join(t)
	bob, bobConn := env.join(t)
	initSession(t, alice, aliceConn, "alice")
	initSession(t, bob, bobConn, "bob")

	producerID := produceAudio(t, alice, aliceConn)

	added := bobConn.waitFor(t, actionProducerAdded)
	if added["producerId"] != producerID {
		t.Errorf("announced producer %v, want %s", added["producerId"], producerID)
	}
	if added["name"] != "alice" {
		t.Errorf("announced name %v, want alice", added["name"])
	}
	if added["participantId"] != string(alice.ID()) {
		t.Errorf("announced participant %v, want %s", added["participantId"], alice.ID())
	}

	aliceConn.expectNone(t, actionProducerAdded, 100*time.Millisecond)
}

func TestLateJoinerSeesExistingProducers(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceConn := env.join(t)
	initSession(t, alice, aliceConn, "alice")
	producerID := produceAudio(t, alice, aliceConn)

	bob, bobConn := env.join(t)
	initSession(t, bob, bobConn, "bob")

	added := bobConn.waitFor(t, actionProducerAdded)
	if added["producerId"] != producerID {
		t.Errorf("replayed producer %v, want %s", added["producerId"], producerID)
	}
}

func TestConsumeFlow(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceConn := env.join(t)
	bob, bobConn := env.join(t)
	initSession(t, alice, aliceConn, "alice")
	initSession(t, bob, bobConn, "bob")

	producerID := produceAudio(t, alice, aliceConn)
	bobConn.waitFor(t, actionProducerAdded)

	bob.HandleMessage(frame(t, map[string]any{
		"action":     actionConsume,
		"producerId": producerID,
	}))
	consumed := bobConn.waitFor(t, actionConsumed)
	if consumed["producerId"] != producerID {
		t.Errorf("consumed producer %v, want %s", consumed["producerId"], producerID)
	}
	consumerID, _ := consumed["id"].(string)
	if consumerID == "" {
		t.Fatalf("consumed frame lacks id: %v", consumed)
	}

	// Resume must not disturb the session.
	bob.HandleMessage(frame(t, map[string]any{
		"action": actionConsumerResume,
		"id":     consumerID,
	}))
	bob.HandleMessage(frame(t, map[string]any{
		"action": actionConsumerResume,
		"id":     "nonexistent",
	}))
	bobConn.expectNone(t, actionConsumed, 100*time.Millisecond)
	if bobConn.isClosed() {
		t.Fatal("session died on consumer resume")
	}
}

func TestConsumeBeforeInitIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	sess, conn := env.join(t)
	conn.waitFor(t, actionServerInit)

	sess.HandleMessage(frame(t, map[string]any{
		"action":     actionConsume,
		"producerId": "whatever",
	}))
	conn.expectNone(t, actionConsumed, 100*time.Millisecond)
	if conn.isClosed() {
		t.Fatal("session died on premature consume")
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	env := newTestEnv(t)
	sess, conn := env.join(t)
	conn.waitFor(t, actionServerInit)

	sess.HandleMessage([]byte("not json"))
	sess.HandleMessage(frame(t, map[string]any{"action": "unheardOf"}))
	sess.HandleMessage([]byte(`{"action":"produce","kind":7}`))

	// The session must still be serviceable.
	initSession(t, sess, conn, "alice")
	produceAudio(t, sess, conn)
}

func TestLeaveAnnouncesProducerRemoval(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceConn := env.join(t)
	bob, bobConn := env.join(t)
	initSession(t, alice, aliceConn, "alice")
	initSession(t, bob, bobConn, "bob")

	producerID := produceAudio(t, alice, aliceConn)
	bobConn.waitFor(t, actionProducerAdded)

	alice.Shutdown()
	waitClosed(t, aliceConn)

	removed := bobConn.waitFor(t, actionProducerRemoved)
	if removed["producerId"] != producerID {
		t.Errorf("removed producer %v, want %s", removed["producerId"], producerID)
	}
	if removed["participantId"] != string(alice.ID()) {
		t.Errorf("removal attributed to %v, want %s", removed["participantId"], alice.ID())
	}

	// Bob's reference keeps the room alive.
	if env.engine.Routers()[0].Closed() {
		t.Fatal("room router closed while a participant remained")
	}
	_ = bob
}

func TestLastLeaveClosesRoom(t *testing.T) {
	env := newTestEnv(t)
	sess, conn := env.join(t)
	initSession(t, sess, conn, "alice")

	sess.Shutdown()
	waitClosed(t, conn)

	if !env.engine.Routers()[0].Closed() {
		t.Fatal("room router not closed after last participant left")
	}
}

func TestSendFailureTearsDownSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room, err := env.reg.GetOrCreateRoom(ctx, env.roomID)
	if err != nil {
		t.Fatalf("GetOrCreateRoom failed: %v", err)
	}
	conn := &fakeConn{sendErr: errors.New("peer too slow")}
	sess, err := New(ctx, room, conn, zerolog.Nop())
	if err != nil {
		room.Release()
		t.Fatalf("New session failed: %v", err)
	}
	go sess.Run(ctx)

	waitClosed(t, conn)
	deadline := time.Now().Add(2 * time.Second)
	for !env.engine.Routers()[0].Closed() {
		if time.Now().After(deadline) {
			t.Fatal("room not released after send failure")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSaturatedSubscriberDoesNotBlockAnnouncements(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub, subConn := env.join(t)
	initSession(t, sub, subConn, "watcher")

	// Wedge the subscriber's goroutine, then saturate its inbox so the
	// next room event delivery cannot be queued.
	gate := make(chan struct{})
	sub.enqueue(func() { <-gate })
	defer close(gate)
	for i := 0; i < inboxSize; i++ {
		sub.inbox <- func() {}
	}

	room, err := env.reg.GetOrCreateRoom(ctx, env.roomID)
	if err != nil {
		t.Fatalf("GetOrCreateRoom failed: %v", err)
	}
	defer room.Release()
	wt, err := room.Router().CreateWebRtcTransport(ctx)
	if err != nil {
		t.Fatalf("CreateWebRtcTransport failed: %v", err)
	}
	producer, err := wt.Produce(ctx, media.KindAudio, &media.RtpParameters{})
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}

	announced := make(chan struct{})
	go func() {
		room.AddProducer(domain.NewParticipantID(), producer)
		close(announced)
	}()
	select {
	case <-announced:
	case <-time.After(2 * time.Second):
		t.Fatal("announcement blocked on a saturated subscriber")
	}
}
