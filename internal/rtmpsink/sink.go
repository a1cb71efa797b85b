// Package rtmpsink is a local RTMP ingest endpoint that accepts what the
// encoder publishes and counts it. It lets the transcode path be exercised
// end to end without an external streaming service.
package rtmpsink

import (
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

type StreamStats struct {
	Name          string    `json:"name"`
	StartedAt     time.Time `json:"started_at"`
	VideoMessages uint64    `json:"video_messages"`
	VideoBytes    uint64    `json:"video_bytes"`
	AudioMessages uint64    `json:"audio_messages"`
	AudioBytes    uint64    `json:"audio_bytes"`
	Live          bool      `json:"live"`
}

type stream struct {
	name      string
	startedAt time.Time
	videoMsgs atomic.Uint64
	videoB    atomic.Uint64
	audioMsgs atomic.Uint64
	audioB    atomic.Uint64
	live      atomic.Bool
}

func (s *stream) stats() StreamStats {
	return StreamStats{
		Name:          s.name,
		StartedAt:     s.startedAt,
		VideoMessages: s.videoMsgs.Load(),
		VideoBytes:    s.videoB.Load(),
		AudioMessages: s.audioMsgs.Load(),
		AudioBytes:    s.audioB.Load(),
		Live:          s.live.Load(),
	}
}

type Sink struct {
	srv *rtmp.Server

	mu      sync.Mutex
	streams map[string]*stream
}

func New() *Sink {
	s := &Sink{streams: make(map[string]*stream)}
	s.srv = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			log.Debug().Str("module", "rtmpsink").Str("remote", conn.RemoteAddr().String()).Msg("rtmp connection")
			return conn, &rtmp.ConnConfig{
				Handler: &handler{sink: s},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024,
				},
			}
		},
	})
	return s
}

// Serve blocks until ln is closed.
func (s *Sink) Serve(ln net.Listener) error {
	log.Info().Str("module", "rtmpsink").Str("addr", ln.Addr().String()).Msg("rtmp sink listening")
	return s.srv.Serve(ln)
}

func (s *Sink) Close() error {
	return s.srv.Close()
}

// Streams returns every stream seen so far, newest first.
func (s *Sink) Streams() []StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamStats, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (s *Sink) open(name string) *stream {
	st := &stream{name: name, startedAt: time.Now()}
	st.live.Store(true)
	s.mu.Lock()
	s.streams[name] = st
	s.mu.Unlock()
	return st
}

type handler struct {
	rtmp.DefaultHandler
	sink   *Sink
	stream *stream
}

func (h *handler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	h.stream = h.sink.open(cmd.PublishingName)
	log.Info().Str("module", "rtmpsink").Str("stream", cmd.PublishingName).Str("type", cmd.PublishingType).Msg("publish started")
	return nil
}

func (h *handler) OnVideo(_ uint32, payload io.Reader) error {
	n, err := io.Copy(io.Discard, payload)
	if h.stream != nil {
		h.stream.videoMsgs.Add(1)
		h.stream.videoB.Add(uint64(n))
	}
	return err
}

func (h *handler) OnAudio(_ uint32, payload io.Reader) error {
	n, err := io.Copy(io.Discard, payload)
	if h.stream != nil {
		h.stream.audioMsgs.Add(1)
		h.stream.audioB.Add(uint64(n))
	}
	return err
}

func (h *handler) OnClose() {
	if h.stream == nil {
		log.Debug().Str("module", "rtmpsink").Msg("rtmp connection closed before publish")
		return
	}
	h.stream.live.Store(false)
	st := h.stream.stats()
	log.Info().Str("module", "rtmpsink").
		Str("stream", st.Name).
		Uint64("video_bytes", st.VideoBytes).
		Uint64("audio_bytes", st.AudioBytes).
		Dur("duration", time.Since(st.StartedAt)).
		Msg("publish ended")
}
