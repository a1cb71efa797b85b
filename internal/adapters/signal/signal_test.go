package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/ezstream/internal/app"
	"github.com/dkeye/ezstream/internal/app/orch"
	"github.com/dkeye/ezstream/internal/core"
	"github.com/dkeye/ezstream/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type countingStreamer struct {
	mu     sync.Mutex
	chunks [][]byte
	starts int
	stops  int
}

func (s *countingStreamer) Start(domain.ConnID, domain.StreamRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return nil
}

func (s *countingStreamer) Feed(_ domain.ConnID, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *countingStreamer) Stop(domain.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *countingStreamer) OnDisconnect(domain.ConnID) {}

func (s *countingStreamer) snapshot() (starts, stops, chunks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops, len(s.chunks)
}

func newTestServer(t *testing.T, limiter *JoinLimiter) (*httptest.Server, *orch.Orchestrator, *countingStreamer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	streams := &countingStreamer{}
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    core.NewRoomDirectory(),
		Streams:  streams,
	}
	settings := DefaultSettings()
	settings.ReadLimit = 1 << 16
	ctl := NewSignalWSController(o, limiter, settings)

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/socket", func(c *gin.Context) {
		c.Set("client_token", "test-client")
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, o, streams
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := core.EncodeMessage(event, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, ws *websocket.Conn) core.Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := core.DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func expect(t *testing.T, ws *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	msg := recv(t, ws)
	if msg.Event != event {
		t.Fatalf("got %q (%s), want %q", msg.Event, msg.Data, event)
	}
	return msg.Data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSignal_JoinAndRelay(t *testing.T) {
	srv, o, _ := newTestServer(t, nil)
	a := dial(t, srv)
	b := dial(t, srv)

	send(t, a, domain.EventJoinRoom, "r1")
	if data := expect(t, a, domain.EventExistingUsers); string(data) != "[]" {
		t.Fatalf("existing-users = %s", data)
	}

	send(t, b, domain.EventJoinRoom, "r1")
	var peers []domain.PeerInfo
	if err := json.Unmarshal(expect(t, b, domain.EventExistingUsers), &peers); err != nil || len(peers) != 1 {
		t.Fatalf("peers = %+v err=%v", peers, err)
	}
	var bID string
	_ = json.Unmarshal(expect(t, a, domain.EventUserConnected), &bID)
	aID := string(peers[0].ID)

	send(t, b, domain.EventOffer, map[string]string{"to": aID, "sdp": "v=0"})
	var offer map[string]string
	_ = json.Unmarshal(expect(t, a, domain.EventOffer), &offer)
	if offer["from"] != bID || offer["sdp"] != "v=0" {
		t.Fatalf("offer = %v", offer)
	}

	send(t, b, domain.EventScreenShareStarted, "r1")
	var sharer string
	_ = json.Unmarshal(expect(t, a, domain.EventUserScreenShareStarted), &sharer)
	if sharer != bID {
		t.Fatalf("sharer = %q", sharer)
	}

	_ = b.Close()
	var gone string
	_ = json.Unmarshal(expect(t, a, domain.EventUserDisconnected), &gone)
	if gone != bID {
		t.Fatalf("disconnected = %q", gone)
	}
	waitFor(t, "registry cleanup", func() bool { return o.Registry.Count() == 1 })
}

func TestSignal_InvalidJoinReportsError(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	a := dial(t, srv)

	send(t, a, domain.EventJoinRoom, map[string]int{"not": 1})
	var msg string
	_ = json.Unmarshal(expect(t, a, domain.EventError), &msg)
	if msg != domain.JoinFailedMessage {
		t.Fatalf("message = %q", msg)
	}

	// The connection survives and can still join.
	send(t, a, domain.EventJoinRoom, "r1")
	expect(t, a, domain.EventExistingUsers)
}

func TestSignal_JoinRateLimited(t *testing.T) {
	srv, _, _ := newTestServer(t, NewJoinLimiter(0.001, 1))
	a := dial(t, srv)

	send(t, a, domain.EventJoinRoom, "r1")
	expect(t, a, domain.EventExistingUsers)
	send(t, a, domain.EventJoinRoom, "r2")
	expect(t, a, domain.EventError)
}

func TestSignal_BinaryFramesFeedEncoder(t *testing.T) {
	srv, _, streams := newTestServer(t, nil)
	a := dial(t, srv)

	send(t, a, domain.EventStreamStart, map[string]any{"rtmpUrl": "rtmp://h/app", "streamKey": "k"})
	for i := 0; i < 3; i++ {
		if err := a.WriteMessage(websocket.BinaryMessage, []byte{byte(i), 1, 2}); err != nil {
			t.Fatal(err)
		}
	}
	send(t, a, domain.EventStreamStop, nil)

	waitFor(t, "stream events", func() bool {
		starts, stops, chunks := streams.snapshot()
		return starts == 1 && stops == 1 && chunks == 3
	})
}

func TestSignal_UnknownEventKeepsConnection(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	a := dial(t, srv)

	send(t, a, "bogus", 1)
	if err := a.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	send(t, a, domain.EventJoinRoom, "r1")
	expect(t, a, domain.EventExistingUsers)
}

func TestJoinLimiter(t *testing.T) {
	var nilLimiter *JoinLimiter
	if !nilLimiter.Allow("x") {
		t.Fatal("nil limiter must allow")
	}
	l := NewJoinLimiter(0.001, 2)
	if !l.Allow("a") || !l.Allow("a") || l.Allow("a") {
		t.Fatal("burst not enforced")
	}
	if !l.Allow("b") {
		t.Fatal("limits must be per connection")
	}
	l.Forget("a")
	if !l.Allow("a") {
		t.Fatal("forgotten connection must start fresh")
	}
}

func TestSignal_WaitCoversDisconnectCleanup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    core.NewRoomDirectory(),
		Streams:  &countingStreamer{},
	}
	ctl := NewSignalWSController(o, nil, DefaultSettings())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := gin.New()
	r.GET("/socket", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	send(t, a, domain.EventJoinRoom, "r1")
	expect(t, a, domain.EventExistingUsers)
	send(t, b, domain.EventJoinRoom, "r1")
	expect(t, b, domain.EventExistingUsers)

	cancel()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	if err := ctl.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	// Everything observable after Wait must already be cleaned up.
	if n := o.Registry.Count(); n != 0 {
		t.Fatalf("connections after Wait = %d", n)
	}
	if rooms := o.ListRooms(); len(rooms) != 0 {
		t.Fatalf("rooms after Wait = %+v", rooms)
	}
}

func TestSignal_WaitHonoursContext(t *testing.T) {
	ctl := &SignalWSController{}
	ctl.live.Add(1)
	defer ctl.live.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ctl.Wait(ctx); err == nil {
		t.Fatal("Wait returned before the connection finished")
	}
}
