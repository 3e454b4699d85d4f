package process

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSpawn is returned when the executable could not be started.
	ErrSpawn = errors.New("spawning process")
	// ErrWrite is returned when writing to a process's stdin failed, usually because it exited.
	ErrWrite = errors.New("writing to process")
	// ErrKill is returned when the process could not be killed, usually because it already exited.
	ErrKill = errors.New("killing process")
)

// Request describes the process to spawn.
type Request struct {
	Command string
	Args    []string
	// Env is appended to the service's own environment.
	Env []string
	WD  string
}

// ExitStatus is the result of a finished process.
type ExitStatus struct {
	// Code is -1 when the process was killed by a signal.
	Code int
	// State is the OS description, e.g. "exit status 1" or "signal: killed".
	State    string
	Err      error
	Duration time.Duration
}

func (s *ExitStatus) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s (%s) after %s", s.State, s.Err, s.Duration)
	}
	return fmt.Sprintf("%s after %s", s.State, s.Duration)
}

// Binding is a spawned process with piped stdin and stdout.
type Binding interface {
	// ID identifies the binding in logs and status output.
	ID() string
	PID() int
	// FD is the descriptor of the stdout read end, or -1 once the binding is closed.
	FD() int
	Write(b []byte) error
	// Drain reads at most len(buf) bytes without blocking.
	// It returns 0, nil when nothing is available and 0, io.EOF at end of stream.
	Drain(buf []byte) (int, error)
	// Terminate kills the process. It does not release the pipes.
	Terminate() error
	// PollExit reports the exit status if the process has finished. It never blocks.
	PollExit() (*ExitStatus, bool)
	// Close releases both pipes. It is safe to call more than once.
	Close() error
}

// Spawner starts processes.
type Spawner interface {
	Spawn(ctx context.Context, req Request) (Binding, error)
}

type SpawnerFunc func(ctx context.Context, req Request) (Binding, error)

func (f SpawnerFunc) Spawn(ctx context.Context, req Request) (Binding, error) { return f(ctx, req) }
