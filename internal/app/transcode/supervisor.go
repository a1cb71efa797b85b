package transcode

import (
	"fmt"
	"sync"

	"github.com/dkeye/ezstream/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Supervisor owns at most one encoder process per connection.
type Supervisor struct {
	opts     Options
	launcher Launcher

	mu       sync.Mutex
	sessions map[domain.ConnID]*session
	closed   bool
}

func NewSupervisor(opts Options, launcher Launcher) *Supervisor {
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	return &Supervisor{
		opts:     opts,
		launcher: launcher,
		sessions: make(map[domain.ConnID]*session),
	}
}

// Start spawns the encoder for conn. An existing session for conn is torn down
// first. On failure the connection is left idle.
func (s *Supervisor) Start(conn domain.ConnID, req domain.StreamRequest) error {
	logger := log.With().Str("module", "transcode").Str("conn", string(conn)).Logger()

	if old := s.get(conn); old != nil {
		logger.Info().Msg("stream already active, restarting")
		old.stop(s.opts.StopGrace, s.opts.KillTimeout)
	}

	target, host, err := ComposeTarget(req.RTMPURL, req.StreamKey)
	if err != nil {
		logger.Warn().Err(err).Msg("rejecting stream start")
		return err
	}
	logger = logger.With().Str("dest_host", host).Logger()

	stderr := newLineLogger(logger.With().Str("module", "transcode.encoder").Logger(), req.StreamKey)
	sess := newSession(conn, host, req.Settings, s.opts.QueueDepth, logger, stderr)
	sess.onIdle = s.remove

	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			logger.Info().Msg("rejecting stream start during shutdown")
			return ErrShutdown
		}
		cur := s.sessions[conn]
		if cur == nil {
			break
		}
		s.mu.Unlock()
		// A concurrent Start won the race.
		cur.stop(s.opts.StopGrace, s.opts.KillTimeout)
		s.mu.Lock()
	}
	s.sessions[conn] = sess
	s.mu.Unlock()

	fps, bitrate := effective(s.opts, req.Settings)
	args := BuildArgs(s.opts, req.Settings, target)
	proc, err := s.launcher.Launch(s.opts.Binary, args, stderr)
	if err != nil {
		logger.Error().Err(err).Msg("failed to spawn encoder")
		sess.abort()
		return fmt.Errorf("spawn encoder: %w", err)
	}
	if err := sess.run(proc); err != nil {
		logger.Info().Msg("stream stopped while encoder was starting")
		return err
	}

	logger.Info().
		Int("pid", proc.Pid()).
		Int("fps", fps).
		Int("bitrate", bitrate).
		Int("width", req.Settings.Width).
		Int("height", req.Settings.Height).
		Msg("encoder started")
	return nil
}

// Feed hands a chunk to the encoder. Chunks are dropped, never queued without
// bound, when the encoder is not keeping up or no stream is active.
func (s *Supervisor) Feed(conn domain.ConnID, chunk []byte) error {
	sess := s.get(conn)
	if sess == nil {
		return ErrNotStreaming
	}
	return sess.feed(chunk)
}

// Stop is a no-op when conn has no session.
func (s *Supervisor) Stop(conn domain.ConnID) {
	sess := s.get(conn)
	if sess == nil {
		return
	}
	sess.stop(s.opts.StopGrace, s.opts.KillTimeout)
}

// OnDisconnect guarantees no encoder outlives its connection.
func (s *Supervisor) OnDisconnect(conn domain.ConnID) {
	s.Stop(conn)
}

func (s *Supervisor) State(conn domain.ConnID) State {
	sess := s.get(conn)
	if sess == nil {
		return StateIdle
	}
	return sess.State()
}

func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StopAll tears every session down in parallel and refuses later starts;
// used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	s.closed = true
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	var wg conc.WaitGroup
	for _, sess := range all {
		wg.Go(func() { sess.stop(s.opts.StopGrace, s.opts.KillTimeout) })
	}
	wg.Wait()
}

func (s *Supervisor) get(conn domain.ConnID) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[conn]
}

func (s *Supervisor) remove(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sess.conn] == sess {
		delete(s.sessions, sess.conn)
	}
}
