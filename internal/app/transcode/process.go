package transcode

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Process is a running encoder. Write feeds its standard input.
type Process interface {
	Write(p []byte) (int, error)
	CloseInput() error
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
	Pid() int
}

type Launcher interface {
	Launch(binary string, args []string, stderr io.Writer) (Process, error)
}

// ExecLauncher starts encoders as child processes.
type ExecLauncher struct {
	// WaitDelay bounds how long Wait waits for stderr to drain after exit.
	WaitDelay time.Duration
}

func (l ExecLauncher) Launch(binary string, args []string, stderr io.Writer) (Process, error) {
	cmd := exec.Command(binary, args...)
	cmd.Stderr = stderr
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin}, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	closeOnce sync.Once
	closeErr  error
}

func (p *execProcess) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *execProcess) CloseInput() error {
	p.closeOnce.Do(func() { p.closeErr = p.stdin.Close() })
	return p.closeErr
}

func (p *execProcess) Wait() error                { return p.cmd.Wait() }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }
func (p *execProcess) Pid() int                   { return p.cmd.Process.Pid }

// exitCode reports the process exit code, -1 when it is not known.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
