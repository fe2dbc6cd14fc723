package harness

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/p2k3m/novaharness/internal/adb"
)

// ErrWaitTimeout marks a process wait that exceeded its deadline.
var ErrWaitTimeout = errors.New("process wait timed out")

// defaultLineQueue bounds the hand-off queue between the reader goroutine
// and the consuming control flow.
const defaultLineQueue = 256

// Extra is one key/value instrumentation argument, order-preserving.
type Extra struct {
	Key   string
	Value string
}

// LaunchSpec describes one instrumentation invocation.
type LaunchSpec struct {
	Component string
	Test      string
	Extras    []Extra
}

// Process is a launched instrumentation run. Lines is closed when the output
// stream ends, so consumers can tell "no data yet" from "stream closed".
type Process interface {
	Lines() <-chan string
	Wait(timeout time.Duration) (exitCode int, err error)
	Kill()
}

// Launcher starts instrumentation runs. No retry logic lives here; retries
// belong to the recovery controller.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// AdbLauncher launches `am instrument` through the adb bridge with merged
// stdout/stderr. The child is attached to a pty when possible so adb keeps
// its output line-buffered; plain pipes are the fallback.
type AdbLauncher struct {
	Bridge     *adb.Bridge
	Logger     *slog.Logger
	DisablePTY bool
	QueueSize  int
}

// Launch starts the instrumentation child process and begins streaming its
// output.
func (l *AdbLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if spec.Component == "" {
		return nil, errors.New("screenshot harness instrumentation is not installed on the target device")
	}
	args := []string{
		"shell", "am", "instrument", "-w", "-r",
		"-e", "runScreenshotHarness", "true",
		"-e", "captureProgrammaticScreenshots", "false",
		"-e", "class", spec.Test,
	}
	for _, extra := range spec.Extras {
		args = append(args, "-e", extra.Key, extra.Value)
	}
	args = append(args, spec.Component)

	argv := l.Bridge.Args(args...)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	logger := l.Logger
	if logger == nil {
		logger = discardLogger
	}

	queue := l.QueueSize
	if queue <= 0 {
		queue = defaultLineQueue
	}
	proc := &childProcess{
		cmd:      cmd,
		lines:    make(chan string, queue),
		pumpDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	var stream io.Reader
	if !l.DisablePTY {
		if ptmx, err := pty.Start(cmd); err == nil {
			proc.ptmx = ptmx
			stream = ptmx
		} else {
			logger.Debug("pty allocation failed, using pipes", "err", err)
		}
	}
	if stream == nil {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		cmd.Stderr = cmd.Stdout
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		stream = pipe
	}

	logger.Info("instrumentation launched", "component", spec.Component, "test", spec.Test)
	go proc.pump(stream)
	go proc.reap()
	return proc, nil
}

// childProcess wraps one running instrumentation child.
type childProcess struct {
	cmd   *exec.Cmd
	lines chan string
	ptmx  *os.File

	pumpDone chan struct{}
	done     chan struct{}
	waitErr  error
	killOnce sync.Once
}

func (p *childProcess) Lines() <-chan string { return p.lines }

// pump moves output lines onto the hand-off queue and closes it when the
// stream ends. Reading a pty returns an error once the child exits; that is
// the normal end-of-stream signal there.
func (p *childProcess) pump(stream io.Reader) {
	defer close(p.pumpDone)
	defer close(p.lines)
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
}

// reap waits for the pump to drain the stream before calling Wait, which
// closes the pipe ends and would otherwise discard buffered output.
func (p *childProcess) reap() {
	<-p.pumpDone
	p.waitErr = p.cmd.Wait()
	if p.ptmx != nil {
		p.ptmx.Close()
	}
	close(p.done)
}

// Wait blocks for process exit up to the timeout. A zero timeout waits
// without bound. The exit code is -1 when the child died without reporting
// one (killed by signal).
func (p *childProcess) Wait(timeout time.Duration) (int, error) {
	if timeout <= 0 {
		<-p.done
		return p.exitCode(), nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.exitCode(), nil
	case <-timer.C:
		return 0, ErrWaitTimeout
	}
}

func (p *childProcess) exitCode() int {
	if state := p.cmd.ProcessState; state != nil {
		return state.ExitCode()
	}
	if p.waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(p.waitErr, &exitErr) {
			return exitErr.ExitCode()
		}
		return -1
	}
	return 0
}

// Kill forcibly terminates the child and waits a short grace period before
// giving up on its exit.
func (p *childProcess) Kill() {
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
	grace := time.NewTimer(5 * time.Second)
	defer grace.Stop()
	select {
	case <-p.done:
	case <-grace.C:
	}
}
