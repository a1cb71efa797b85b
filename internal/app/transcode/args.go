package transcode

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dkeye/ezstream/internal/domain"
)

var (
	ErrInvalidDestination = errors.New("invalid rtmp destination")
	ErrMissingStreamKey   = errors.New("missing stream key")
)

// Options are the encoder knobs that do not come from the client.
type Options struct {
	Binary          string
	InputFormat     string
	Preset          string
	Tune            string
	DefaultFPS      int
	DefaultBitrate  int
	AudioBitrate    string
	AudioSampleRate int
	// QueueDepth bounds the chunks buffered between Feed and the encoder's stdin.
	QueueDepth  int
	StopGrace   time.Duration
	KillTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Binary:          "ffmpeg",
		InputFormat:     "webm",
		Preset:          "veryfast",
		Tune:            "zerolatency",
		DefaultFPS:      30,
		DefaultBitrate:  1_000_000,
		AudioBitrate:    "128k",
		AudioSampleRate: 44100,
		QueueDepth:      64,
		StopGrace:       100 * time.Millisecond,
		KillTimeout:     2 * time.Second,
	}
}

// ComposeTarget joins base and key as base + "/" + key. A trailing slash on
// base is not doubled, and only rtmp and rtmps destinations are accepted.
// The returned host is the only part of the destination that may be logged.
func ComposeTarget(base, key string) (target string, host string, err error) {
	base = strings.TrimSpace(base)
	u, err := url.Parse(base)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "rtmp", "rtmps":
	default:
		return "", "", fmt.Errorf("%w: scheme %q", ErrInvalidDestination, u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("%w: empty host", ErrInvalidDestination)
	}
	if strings.TrimSpace(key) == "" {
		return "", "", ErrMissingStreamKey
	}
	return strings.TrimSuffix(base, "/") + "/" + key, u.Host, nil
}

func effective(opts Options, s domain.StreamSettings) (fps, bitrate int) {
	fps, bitrate = s.FPS, s.Bitrate
	if fps <= 0 {
		fps = opts.DefaultFPS
	}
	if bitrate <= 0 {
		bitrate = opts.DefaultBitrate
	}
	return fps, bitrate
}

// BuildArgs derives the encoder command line: raw container on stdin, H.264/AAC
// out, buffer size at twice the bitrate, keyframe every two seconds, FLV to target.
func BuildArgs(opts Options, s domain.StreamSettings, target string) []string {
	fps, bitrate := effective(opts, s)
	br := strconv.Itoa(bitrate)

	args := []string{
		"-analyzeduration", "0",
		"-probesize", "32",
		"-f", opts.InputFormat,
		"-i", "-",
		"-c:v", "libx264",
		"-preset", opts.Preset,
		"-tune", opts.Tune,
		"-b:v", br,
		"-maxrate", br,
		"-bufsize", strconv.Itoa(bitrate * 2),
		"-pix_fmt", "yuv420p",
		"-g", strconv.Itoa(fps * 2),
		"-r", strconv.Itoa(fps),
	}
	if s.Width > 0 && s.Height > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", s.Width, s.Height))
	}
	args = append(args,
		"-c:a", "aac",
		"-b:a", opts.AudioBitrate,
		"-ar", strconv.Itoa(opts.AudioSampleRate),
		"-f", "flv",
		"-flvflags", "no_duration_filesize",
		target,
	)
	return args
}
