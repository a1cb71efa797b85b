package transcode

import (
	"bytes"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const maxLineBytes = 4096

// lineLogger turns encoder stderr into log lines with the stream secret masked.
type lineLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	secret string
	buf    []byte
}

func newLineLogger(logger zerolog.Logger, secret string) *lineLogger {
	return &lineLogger{logger: logger, secret: secret}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexAny(l.buf, "\r\n")
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > maxLineBytes {
		l.emit(l.buf)
		l.buf = l.buf[:0]
	}
	return len(p), nil
}

func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.emit(l.buf)
		l.buf = l.buf[:0]
	}
}

func (l *lineLogger) emit(line []byte) {
	s := strings.TrimSpace(string(line))
	if s == "" {
		return
	}
	if l.secret != "" {
		s = strings.ReplaceAll(s, l.secret, "****")
	}
	l.logger.Debug().Msg(s)
}
