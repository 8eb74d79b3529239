package oracle

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/midnightmine/scavenger/logging"
)

// Process is a handle to one running hasher instance.
type Process interface {
	Pid() int
	Alive() bool
	// Terminate sends a graceful termination signal, waits up to grace
	// for exit and force-kills if the process is still alive.
	Terminate(grace time.Duration) error
}

// Launcher spawns hasher processes. Tests substitute a fake so no real
// process is ever started.
type Launcher interface {
	Launch(ctx context.Context, port uint16) (Process, error)
}

type execLauncher struct {
	binary string
}

// NewExecLauncher launches the configured hasher binary bound to a local
// port.
func NewExecLauncher(binary string) Launcher {
	return &execLauncher{binary: binary}
}

func (l *execLauncher) Launch(ctx context.Context, port uint16) (Process, error) {
	cmd := exec.Command(l.binary, "--port", strconv.Itoa(int(port))) //#nosec G204
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning hasher %s on port %d: %w", l.binary, port, err)
	}

	p := &execProcess{cmd: cmd, exited: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.waitErr = err
		close(p.exited)
		logging.FromContext(ctx).Debug("hasher process exited",
			zap.Int("pid", p.Pid()),
			zap.Uint16("port", port),
			zap.Error(err),
		)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *execProcess) Terminate(grace time.Duration) error {
	if !p.Alive() {
		return nil
	}

	var result *multierror.Error
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		result = multierror.Append(result, fmt.Errorf("sending SIGTERM to pid %d: %w", p.Pid(), err))
	}

	select {
	case <-p.exited:
		return result.ErrorOrNil()
	case <-time.After(grace):
	}

	if err := p.cmd.Process.Kill(); err != nil {
		result = multierror.Append(result, fmt.Errorf("killing pid %d: %w", p.Pid(), err))
	}
	<-p.exited
	return result.ErrorOrNil()
}
