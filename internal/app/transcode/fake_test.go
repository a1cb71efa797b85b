package transcode

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

var (
	errInterrupted = errors.New("signal: interrupt")
	errKilled      = errors.New("signal: killed")
)

type fakeProcess struct {
	mu          sync.Mutex
	writes      [][]byte
	inputClosed int
	signals     []os.Signal
	signalTimes []time.Time
	kills       int

	exitOnSignal bool
	exitOnEOF    bool
	// block makes Write wait until the input is closed.
	block        bool
	writeStarted chan struct{}

	closedCh  chan struct{}
	closeOnce sync.Once
	exitCh    chan error
	exitOnce  sync.Once
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		exitOnSignal: true,
		writeStarted: make(chan struct{}, 16),
		closedCh:     make(chan struct{}),
		exitCh:       make(chan error, 1),
	}
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	select {
	case p.writeStarted <- struct{}{}:
	default:
	}
	if p.block {
		<-p.closedCh
		return 0, os.ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakeProcess) CloseInput() error {
	p.mu.Lock()
	p.inputClosed++
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.closedCh) })
	if p.exitOnEOF {
		p.exit(nil)
	}
	return nil
}

func (p *fakeProcess) Wait() error { return <-p.exitCh }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.signalTimes = append(p.signalTimes, time.Now())
	p.mu.Unlock()
	if p.exitOnSignal {
		p.exit(errInterrupted)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.exit(errKilled)
	return nil
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() { p.exitCh <- err })
}

func (p *fakeProcess) snapshot() (writes int, inputClosed int, signals int, kills int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes), p.inputClosed, len(p.signals), p.kills
}

type launch struct {
	binary string
	args   []string
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches []launch
	procs    []*fakeProcess
	err      error
	// next customizes each new process before it is returned.
	next func(*fakeProcess)
}

func (l *fakeLauncher) Launch(binary string, args []string, stderr io.Writer) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, launch{binary: binary, args: args})
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess()
	if l.next != nil {
		l.next(p)
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}
