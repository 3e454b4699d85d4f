package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ExecSpawner spawns local OS processes.
type ExecSpawner struct {
	Log *zap.SugaredLogger
}

func (s *ExecSpawner) logger() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

// Spawn starts req with piped stdin and stdout. The process is killed if ctx is canceled.
func (s *ExecSpawner) Spawn(ctx context.Context, req Request) (Binding, error) {
	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.WD
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: creating stdin pipe: %v", ErrSpawn, err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("%w: creating stdout pipe: %v", ErrSpawn, err)
	}
	cmd.Stdout = stdoutW

	start := time.Now()
	err = cmd.Start()
	// the child holds its own copy of the write end, ours must go so EOF can be seen
	_ = stdoutW.Close()
	if err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		return nil, fmt.Errorf("%w: starting %q: %v", ErrSpawn, req.Command, err)
	}

	p := &Process{
		id:     uuid.NewString(),
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		start:  start,
		done:   make(chan struct{}),
	}
	p.log = s.logger().With("BindingID", p.id, "PID", cmd.Process.Pid)
	go p.wait()

	p.log.Debugw("process started", "Command", req.Command, "Args", req.Args)
	return p, nil
}

// Process is a Binding backed by an exec.Cmd.
type Process struct {
	id  string
	log *zap.SugaredLogger
	cmd *exec.Cmd

	stdin  io.WriteCloser
	stdout *os.File
	start  time.Time

	// done is closed by wait once status is set
	done   chan struct{}
	status *ExitStatus

	closeOnce sync.Once
	closeErr  error
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	st := &ExitStatus{Code: -1, Duration: time.Since(p.start)}
	if p.cmd.ProcessState != nil {
		st.Code = p.cmd.ProcessState.ExitCode()
		st.State = p.cmd.ProcessState.String()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.log.Debugf("unexpected wait error: %s", err)
			st.Err = err
		}
	}
	p.status = st
	close(p.done)
}

func (p *Process) ID() string { return p.id }

func (p *Process) PID() int { return p.cmd.Process.Pid }

func (p *Process) FD() int {
	rc, err := p.stdout.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1
	}
	return fd
}

func (p *Process) Write(b []byte) error {
	if _, err := p.stdin.Write(b); err != nil {
		return fmt.Errorf("%w %s: %v", ErrWrite, p.id, err)
	}
	return nil
}

func (p *Process) Drain(buf []byte) (int, error) {
	rc, err := p.stdout.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		n    int
		rerr error
	)
	// a raw read; going through os.File would park on the runtime poller when the pipe is empty
	err = rc.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), buf)
		return true
	})
	if err != nil {
		return 0, err
	}
	switch {
	case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EINTR):
		return 0, nil
	case rerr != nil:
		return 0, fmt.Errorf("reading stdout of %s: %w", p.id, rerr)
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func (p *Process) Terminate() error {
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("%w %s (pid %d): %v", ErrKill, p.id, p.PID(), err)
	}
	return nil
}

func (p *Process) PollExit() (*ExitStatus, bool) {
	select {
	case <-p.done:
		return p.status, true
	default:
		return nil, false
	}
}

func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		// Wait may have closed stdin already
		_ = p.stdin.Close()
		p.closeErr = p.stdout.Close()
	})
	return p.closeErr
}
