package transcode

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/ezstream/internal/domain"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

var (
	ErrNotStreaming = errors.New("no active stream")
	ErrBackpressure = errors.New("encoder input busy")
	ErrStopped      = errors.New("session stopped before encoder started")
	ErrShutdown     = errors.New("supervisor shut down")
)

type State int32

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// session owns one encoder process for one connection. The process handle is
// only set while streaming or stopping.
type session struct {
	conn     domain.ConnID
	host     string
	settings domain.StreamSettings
	logger   zerolog.Logger
	stderr   *lineLogger

	mu          sync.Mutex
	state       State
	proc        Process
	queue       chan []byte
	queueClosed bool

	// ending suppresses write-error noise once a stop has begun.
	ending atomic.Bool

	written atomic.Uint64
	dropped atomic.Uint64

	wg       conc.WaitGroup
	exited   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	onIdle   func(*session)
}

func newSession(conn domain.ConnID, host string, settings domain.StreamSettings, depth int, logger zerolog.Logger, stderr *lineLogger) *session {
	if depth <= 0 {
		depth = 1
	}
	return &session{
		conn:     conn,
		host:     host,
		settings: settings,
		logger:   logger,
		stderr:   stderr,
		state:    StateStarting,
		queue:    make(chan []byte, depth),
		exited:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// run attaches a freshly launched process. If a stop raced the launch the
// process is killed right away.
func (s *session) run(proc Process) error {
	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		_ = proc.CloseInput()
		_ = proc.Kill()
		_ = proc.Wait()
		close(s.exited)
		s.markIdle()
		return ErrStopped
	}
	s.proc = proc
	s.state = StateStreaming
	s.mu.Unlock()

	s.wg.Go(func() { s.writeLoop(proc) })
	s.wg.Go(func() { s.waitLoop(proc) })
	return nil
}

// abort is used when the launch itself failed.
func (s *session) abort() {
	s.mu.Lock()
	s.ending.Store(true)
	s.closeQueueLocked()
	s.mu.Unlock()
	close(s.exited)
	s.markIdle()
}

func (s *session) feed(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming || s.ending.Load() {
		return ErrNotStreaming
	}
	select {
	case s.queue <- chunk:
		return nil
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn().Uint64("dropped", n).Msg("encoder input busy, dropping chunk")
		}
		return ErrBackpressure
	}
}

func (s *session) writeLoop(proc Process) {
	for chunk := range s.queue {
		if _, err := proc.Write(chunk); err != nil {
			if !s.ending.Load() {
				s.logger.Error().Err(err).Msg("stream write error")
			}
			continue
		}
		s.written.Add(1)
	}
	if err := proc.CloseInput(); err != nil && !s.ending.Load() {
		s.logger.Debug().Err(err).Msg("close encoder input")
	}
}

func (s *session) waitLoop(proc Process) {
	err := proc.Wait()
	s.stderr.Flush()
	close(s.exited)

	s.mu.Lock()
	stopping := s.state == StateStopping
	if !stopping {
		s.state = StateIdle
		s.ending.Store(true)
		s.closeQueueLocked()
	}
	s.mu.Unlock()

	ev := s.logger.Info()
	if !stopping && err != nil {
		ev = s.logger.Warn()
	}
	ev.Err(err).
		Int("code", exitCode(err)).
		Bool("requested", stopping).
		Uint64("written", s.written.Load()).
		Uint64("dropped", s.dropped.Load()).
		Msg("encoder exited")

	if !stopping {
		s.markIdle()
	}
}

// stop closes the encoder input so it can flush, then escalates to an
// interrupt after grace and a kill after killTimeout. Safe to call repeatedly.
func (s *session) stop(grace, killTimeout time.Duration) {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return
	case StateStopping:
		s.mu.Unlock()
		<-s.done
		return
	}
	wasStarting := s.state == StateStarting
	s.state = StateStopping
	s.ending.Store(true)
	s.closeQueueLocked()
	proc := s.proc
	s.mu.Unlock()

	if wasStarting || proc == nil {
		<-s.done
		return
	}

	timer := time.NewTimer(grace)
	select {
	case <-s.exited:
		timer.Stop()
	case <-timer.C:
		s.logger.Debug().Dur("grace", grace).Msg("encoder still running, interrupting")
		if err := proc.Signal(os.Interrupt); err != nil {
			s.logger.Debug().Err(err).Msg("interrupt encoder")
		}
		// Unblocks a writer stuck on a full pipe.
		_ = proc.CloseInput()
		kill := time.NewTimer(killTimeout)
		select {
		case <-s.exited:
			kill.Stop()
		case <-kill.C:
			s.logger.Warn().Dur("timeout", killTimeout).Msg("encoder ignored interrupt, killing")
			if err := proc.Kill(); err != nil {
				s.logger.Error().Err(err).Msg("kill encoder")
			}
			<-s.exited
		}
	}

	if r := s.wg.WaitAndRecover(); r != nil {
		s.logger.Error().Str("panic", r.String()).Msg("encoder goroutine panicked")
	}
	s.markIdle()
}

func (s *session) closeQueueLocked() {
	if !s.queueClosed {
		s.queueClosed = true
		close(s.queue)
	}
}

func (s *session) markIdle() {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.state = StateIdle
		s.proc = nil
		s.mu.Unlock()
		close(s.done)
		if s.onIdle != nil {
			s.onIdle(s)
		}
	})
}
