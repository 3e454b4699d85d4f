// Package fake has in-memory stand-ins for processes and the reactor, for tests.
// Every fake can share a Journal so tests can assert on the order of side effects across them.
package fake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/guseggert/tunnelexec/agent/process"
	"github.com/guseggert/tunnelexec/tunnel"
)

// Journal is an ordered log of side effects.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *Journal) Add(format string, args ...any) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// Binding is a process.Binding that runs nothing.
type Binding struct {
	mu sync.Mutex

	Req     process.Request
	id      string
	pid     int
	fd      int
	journal *Journal

	written bytes.Buffer
	pending []byte
	eof     bool
	status  *process.ExitStatus
	closed  bool

	Kills  int
	Closes int
}

func (b *Binding) ID() string { return b.id }
func (b *Binding) PID() int   { return b.pid }

func (b *Binding) FD() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return -1
	}
	return b.fd
}

func (b *Binding) Write(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != nil || b.closed {
		return fmt.Errorf("%w %s: process exited", process.ErrWrite, b.id)
	}
	b.written.Write(p)
	return nil
}

func (b *Binding) Drain(buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		if b.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(buf, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

func (b *Binding) Terminate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.journal.Add("kill %s", b.id)
	b.Kills++
	if b.status != nil {
		return fmt.Errorf("%w %s: already exited", process.ErrKill, b.id)
	}
	b.status = &process.ExitStatus{Code: -1, State: "signal: killed"}
	return nil
}

func (b *Binding) PollExit() (*process.ExitStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.status != nil
}

func (b *Binding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.journal.Add("close %s", b.id)
	b.Closes++
	b.closed = true
	return nil
}

// Written returns everything written to the process's stdin.
func (b *Binding) Written() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written.String()
}

// Emit queues output for Drain.
func (b *Binding) Emit(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, p...)
}

// Exit makes the process finish with code.
func (b *Binding) Exit(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eof = true
	b.status = &process.ExitStatus{Code: code, State: fmt.Sprintf("exit status %d", code)}
}

// Spawner hands out Bindings with distinct descriptors, starting at 100.
type Spawner struct {
	mu       sync.Mutex
	Journal  *Journal
	Err      error
	bindings []*Binding
}

func (s *Spawner) Spawn(ctx context.Context, req process.Request) (process.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	n := len(s.bindings)
	b := &Binding{
		Req:     req,
		id:      fmt.Sprintf("b%d", n),
		pid:     1000 + n,
		fd:      100 + n,
		journal: s.Journal,
	}
	s.bindings = append(s.bindings, b)
	s.Journal.Add("spawn %s", b.id)
	return b, nil
}

func (s *Spawner) Bindings() []*Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Binding(nil), s.bindings...)
}

// Last returns the most recently spawned Binding, or nil.
func (s *Spawner) Last() *Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bindings) == 0 {
		return nil
	}
	return s.bindings[len(s.bindings)-1]
}

// IO is a tunnel.IO that records what it is asked to do.
type IO struct {
	Journal *Journal

	registered   map[int]bool
	Unregistered map[int]int
	Written      []*tunnel.Msg
}

func NewIO(j *Journal) *IO {
	return &IO{
		Journal:      j,
		registered:   map[int]bool{},
		Unregistered: map[int]int{},
	}
}

func (f *IO) RegisterIO(fd int) error {
	if f.registered[fd] {
		return fmt.Errorf("registering fd %d: %w", fd, tunnel.ErrRegistered)
	}
	f.registered[fd] = true
	f.Journal.Add("register %d", fd)
	return nil
}

func (f *IO) UnregisterIO(fd int) error {
	if !f.registered[fd] {
		return fmt.Errorf("unregistering fd %d: %w", fd, tunnel.ErrUnknownFD)
	}
	delete(f.registered, fd)
	f.Unregistered[fd]++
	f.Journal.Add("unregister %d", fd)
	return nil
}

func (f *IO) Write(m *tunnel.Msg) error {
	cp := *m
	cp.Data = append([]byte(nil), m.Data...)
	f.Written = append(f.Written, &cp)
	f.Journal.Add("write %s %d", m.Kind, m.ClientID)
	return nil
}

// Registered reports whether fd is currently registered.
func (f *IO) Registered(fd int) bool { return f.registered[fd] }

// NumRegistered counts the registered descriptors.
func (f *IO) NumRegistered() int { return len(f.registered) }
