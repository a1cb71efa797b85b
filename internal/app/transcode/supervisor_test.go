package transcode

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dkeye/ezstream/internal/domain"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.StopGrace = 20 * time.Millisecond
	opts.KillTimeout = 200 * time.Millisecond
	return opts
}

func testRequest() domain.StreamRequest {
	return domain.StreamRequest{
		RTMPURL:   "rtmp://live.example.com/app",
		StreamKey: "sk-123",
		Settings:  domain.StreamSettings{Width: 1280, Height: 720, FPS: 30, Bitrate: 2_500_000},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSupervisor_StartFeedStop(t *testing.T) {
	l := &fakeLauncher{}
	s := NewSupervisor(testOptions(), l)

	if err := s.Start("c", testRequest()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.State("c"); got != StateStreaming {
		t.Fatalf("state=%s want streaming", got)
	}
	for i := 0; i < 3; i++ {
		if err := s.Feed("c", []byte{byte(i)}); err != nil {
			t.Fatalf("Feed %d: %v", i, err)
		}
	}
	s.Stop("c")

	if l.count() != 1 {
		t.Fatalf("launches=%d want 1", l.count())
	}
	writes, closed, signals, kills := l.proc(0).snapshot()
	if writes != 3 {
		t.Fatalf("writes=%d want 3", writes)
	}
	if closed == 0 {
		t.Fatalf("encoder input never closed")
	}
	if signals != 1 || kills != 0 {
		t.Fatalf("signals=%d kills=%d want 1/0", signals, kills)
	}
	if got := s.State("c"); got != StateIdle {
		t.Fatalf("state=%s want idle", got)
	}
	if s.Active() != 0 {
		t.Fatalf("active sessions=%d", s.Active())
	}
	if err := s.Feed("c", []byte("late")); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("feed after stop err=%v", err)
	}
}

func TestSupervisor_LaunchArgs(t *testing.T) {
	l := &fakeLauncher{}
	s := NewSupervisor(testOptions(), l)
	if err := s.Start("c", testRequest()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop("c")

	got := l.launches[0]
	if got.binary != "ffmpeg" {
		t.Fatalf("binary=%q", got.binary)
	}
	if last := got.args[len(got.args)-1]; last != "rtmp://live.example.com/app/sk-123" {
		t.Fatalf("target=%q", last)
	}
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	l := &fakeLauncher{}
	s := NewSupervisor(testOptions(), l)

	s.Stop("nobody")
	if err := s.Start("c", testRequest()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop("c")
	s.Stop("c")
	s.OnDisconnect("c")

	if got := s.State("c"); got != StateIdle {
		t.Fatalf("state=%s", got)
	}
	if _, _, signals, _ := l.proc(0).snapshot(); signals != 1 {
		t.Fatalf("signals=%d want 1", signals)
	}
}

func TestSupervisor_DoubleStartReplacesProcess(t *testing.T) {
	l := &fakeLauncher{}
	s := NewSupervisor(testOptions(), l)

	if err := s.Start("c", testRequest()); err != nil {
		t.Fatalf("Start 1: %v", err)
	}
	if err := s.Start("c", testRequest()); err != nil {
		t.Fatalf("Start 2: %v", err)
	}
	defer s.Stop("c")

	if l.count() != 2 {
		t.Fatalf("launches=%d", l.count())
	}
	if _, _, signals, _ := l.proc(0).snapshot(); signals != 1 {
		t.Fatalf("first process not terminated, signals=%d", signals)
	}
	if s.Active() != 1 {
		t.Fatalf("active=%d want 1", s.Active())
	}
	if err := s.Feed("c", []byte("x")); err != nil {
		t.Fatalf("Feed: %v", err)
	}
}

func TestSupervisor_SpawnFailureLeavesIdle(t *testing.T) {
	l := &fakeLauncher{err: errors.New("exec: not found")}
	s := NewSupervisor(testOptions(), l)

	if err := s.Start("c", testRequest()); err == nil {
		t.Fatalf("expected spawn error")
	}
	if got := s.State("c"); got != StateIdle {
		t.Fatalf("state=%s", got)
	}
	if err := s.Feed("c", []byte("x")); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("feed err=%v", err)
	}
	s.Stop("c")
}

func TestSupervisor_InvalidDestinationNeverSpawns(t *testing.T) {
	l := &fakeLauncher{}
	s := NewSupervisor(testOptions(), l)

	req := testRequest()
	req.RTMPURL = "http://example.com/app"
	if err := s.Start("c", req); !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("err=%v", err)
	}
	req = testRequest()
	req.StreamKey = ""
	if err := s.Start("c", req); !errors.Is(err, ErrMissingStreamKey) {
		t.Fatalf("err=%v", err)
	}
	if l.count() != 0 {
		t.Fatalf("launches=%d", l.count())
	}
}

func TestSupervisor_UnexpectedExitGoesIdle(t *testing.T) {
	l := &fakeLauncher{}
	s := NewSupervisor(testOptions(), l)
	if err := s.Start("c", testRequest()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	l.proc(0).exit(errors.New("exit status 1"))
	waitFor(t, "idle after crash", func() bool { return s.State("c") == StateIdle })

	if err := s.Feed("c", []byte("x")); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("feed err=%v", err)
	}
	if s.Active() != 0 {
		t.Fatalf("active=%d", s.Active())
	}
	s.Stop("c")
	if _, _, signals, _ := l.proc(0).snapshot(); signals != 0 {
		t.Fatalf("dead process was signaled")
	}
}

func TestSupervisor_BackpressureDropsChunks(t *testing.T) {
	opts := testOptions()
	opts.QueueDepth = 1
	l := &fakeLauncher{next: func(p *fakeProcess) { p.block = true }}
	s := NewSupervisor(opts, l)
	if err := s.Start("c", testRequest()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Feed("c", []byte("1")); err != nil {
		t.Fatalf("Feed 1: %v", err)
	}
	<-l.proc(0).writeStarted
	if err := s.Feed("c", []byte("2")); err != nil {
		t.Fatalf("Feed 2: %v", err)
	}
	if err := s.Feed("c", []byte("3")); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("Feed 3 err=%v want backpressure", err)
	}

	s.Stop("c")
	if got := s.State("c"); got != StateIdle {
		t.Fatalf("state=%s", got)
	}
}

func TestSupervisor_DisconnectSignalsWithinGrace(t *testing.T) {
	opts := testOptions()
	opts.StopGrace = 50 * time.Millisecond
	l := &fakeLauncher{}
	s := NewSupervisor(opts, l)
	if err := s.Start("c", testRequest()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	begin := time.Now()
	s.OnDisconnect("c")

	p := l.proc(0)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.signals) != 1 || p.signals[0] != os.Interrupt {
		t.Fatalf("signals=%v", p.signals)
	}
	if d := p.signalTimes[0].Sub(begin); d > opts.StopGrace+500*time.Millisecond {
		t.Fatalf("signal after %s", d)
	}
}

func TestSupervisor_EncoderFlushesOnEOF(t *testing.T) {
	opts := testOptions()
	opts.StopGrace = 2 * time.Second
	l := &fakeLauncher{next: func(p *fakeProcess) { p.exitOnEOF = true }}
	s := NewSupervisor(opts, l)
	if err := s.Start("c", testRequest()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop("c")
	if _, closed, signals, _ := l.proc(0).snapshot(); closed == 0 || signals != 0 {
		t.Fatalf("closed=%d signals=%d", closed, signals)
	}
}

func TestSupervisor_KillsStubbornEncoder(t *testing.T) {
	l := &fakeLauncher{next: func(p *fakeProcess) { p.exitOnSignal = false }}
	s := NewSupervisor(testOptions(), l)
	if err := s.Start("c", testRequest()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop("c")
	if _, _, signals, kills := l.proc(0).snapshot(); signals != 1 || kills != 1 {
		t.Fatalf("signals=%d kills=%d", signals, kills)
	}
	if got := s.State("c"); got != StateIdle {
		t.Fatalf("state=%s", got)
	}
}

func TestSupervisor_StopAll(t *testing.T) {
	l := &fakeLauncher{}
	s := NewSupervisor(testOptions(), l)
	for _, id := range []domain.ConnID{"a", "b", "c"} {
		if err := s.Start(id, testRequest()); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
	}
	s.StopAll()
	if s.Active() != 0 {
		t.Fatalf("active=%d", s.Active())
	}
}

func TestSupervisor_StartAfterStopAllRejected(t *testing.T) {
	l := &fakeLauncher{}
	s := NewSupervisor(testOptions(), l)
	if err := s.Start("a", testRequest()); err != nil {
		t.Fatal(err)
	}
	s.StopAll()

	if err := s.Start("b", testRequest()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Start after StopAll err=%v", err)
	}
	if l.count() != 1 {
		t.Fatalf("launches=%d, want 1", l.count())
	}
	if s.Active() != 0 || s.State("b") != StateIdle {
		t.Fatalf("active=%d state=%s", s.Active(), s.State("b"))
	}
}
