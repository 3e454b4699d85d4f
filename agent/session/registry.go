package session

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/guseggert/tunnelexec/agent/process"
	"go.uber.org/zap"
)

// ErrUnknownClient is returned for operations on a client id that is not subscribed.
var ErrUnknownClient = errors.New("client is not subscribed")

// IO registers process output descriptors with the reactor.
type IO interface {
	RegisterIO(fd int) error
	UnregisterIO(fd int) error
}

// State is either NoProcess or WithProcess.
type State interface {
	isState()
	String() string
}

// NoProcess is a subscribed client with nothing running for it yet, or any more.
type NoProcess struct{}

// WithProcess is a subscribed client whose process is running and registered.
type WithProcess struct {
	Binding process.Binding
}

func (NoProcess) isState()         {}
func (NoProcess) String() string   { return "no_process" }
func (WithProcess) isState()       {}
func (WithProcess) String() string { return "with_process" }

// Entry is one subscribed client.
type Entry struct {
	ID    uint16
	Label string
	Since time.Time
	// State is always NoProcess under a shared policy, the process belongs to the registry.
	State State
}

// SpawnFunc starts the process for a client.
type SpawnFunc func(id uint16, label string) (process.Binding, error)

// ExitFunc is told about a process that exited on its own, and which clients it was serving.
type ExitFunc func(ids []uint16, b process.Binding, status *process.ExitStatus)

// Registry maps client ids to their sessions.
// Every descriptor it registers is unregistered exactly once, when the binding is torn down or reaped.
type Registry struct {
	policy  Policy
	log     *zap.SugaredLogger
	entries map[uint16]*Entry
	// shared is the single process under a shared policy
	shared State
	now    func() time.Time
}

func NewRegistry(policy Policy, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		policy:  policy,
		log:     log.Named("registry"),
		entries: map[uint16]*Entry{},
		shared:  NoProcess{},
		now:     time.Now,
	}
}

func (r *Registry) Policy() Policy { return r.policy }

func (r *Registry) Len() int { return len(r.entries) }

func (r *Registry) Get(id uint16) (*Entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// IDs returns the subscribed client ids in ascending order.
func (r *Registry) IDs() []uint16 {
	ids := make([]uint16, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Register subscribes id. A client that is already subscribed starts over: its process is torn down first.
func (r *Registry) Register(io IO, id uint16, label string) error {
	if old, ok := r.entries[id]; ok {
		r.log.Warnw("client subscribed twice, replacing its session", "ClientID", id)
		if err := r.teardown(io, old); err != nil {
			return err
		}
	}
	r.entries[id] = &Entry{ID: id, Label: label, Since: r.now(), State: NoProcess{}}
	return nil
}

// Deregister tears down the process of id, then forgets id.
func (r *Registry) Deregister(io IO, id uint16) error {
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("client %d: %w", id, ErrUnknownClient)
	}
	err := r.teardown(io, e)
	delete(r.entries, id)
	return err
}

// DeregisterAll calls notify for every client, tears its process down and forgets it.
func (r *Registry) DeregisterAll(io IO, notify func(id uint16) error) error {
	for _, id := range r.IDs() {
		if err := notify(id); err != nil {
			return err
		}
		err := r.teardown(io, r.entries[id])
		delete(r.entries, id)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetOrSpawn returns the process serving id, spawning and registering one if there is none.
func (r *Registry) GetOrSpawn(io IO, id uint16, spawn SpawnFunc) (process.Binding, error) {
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("client %d: %w", id, ErrUnknownClient)
	}

	if r.policy.Shared() {
		if wp, ok := r.shared.(WithProcess); ok {
			return wp.Binding, nil
		}
		b, err := r.bind(io, id, e.Label, spawn)
		if err != nil {
			return nil, err
		}
		r.shared = WithProcess{Binding: b}
		return b, nil
	}

	switch s := e.State.(type) {
	case WithProcess:
		return s.Binding, nil
	case NoProcess:
		b, err := r.bind(io, id, e.Label, spawn)
		if err != nil {
			return nil, err
		}
		e.State = WithProcess{Binding: b}
		return b, nil
	default:
		return nil, fmt.Errorf("client %d in unknown state %T", id, s)
	}
}

// SpawnShared starts the shared process ahead of any subscriber. It is a no-op unless the policy is shared and nothing runs.
func (r *Registry) SpawnShared(io IO, spawn SpawnFunc) error {
	if !r.policy.Shared() {
		return nil
	}
	if _, ok := r.shared.(WithProcess); ok {
		return nil
	}
	b, err := r.bind(io, 0, "", spawn)
	if err != nil {
		return err
	}
	r.shared = WithProcess{Binding: b}
	return nil
}

func (r *Registry) bind(io IO, id uint16, label string, spawn SpawnFunc) (process.Binding, error) {
	b, err := spawn(id, label)
	if err != nil {
		return nil, err
	}
	if err := io.RegisterIO(b.FD()); err != nil {
		_ = b.Terminate()
		_ = b.Close()
		return nil, fmt.Errorf("registering output of %s: %w", b.ID(), err)
	}
	r.log.Infow("process bound", "ClientID", id, "BindingID", b.ID(), "PID", b.PID(), "FD", b.FD())
	return b, nil
}

// FindByFD returns the binding owning fd and the clients its output goes to.
// Under a shared policy that is every subscribed client, possibly none.
func (r *Registry) FindByFD(fd int) (process.Binding, []uint16) {
	if fd < 0 {
		return nil, nil
	}
	if r.policy.Shared() {
		if wp, ok := r.shared.(WithProcess); ok && wp.Binding.FD() == fd {
			return wp.Binding, r.IDs()
		}
		return nil, nil
	}
	for _, id := range r.IDs() {
		if wp, ok := r.entries[id].State.(WithProcess); ok && wp.Binding.FD() == fd {
			return wp.Binding, []uint16{id}
		}
	}
	return nil, nil
}

// Reap checks every process for exit without blocking.
// An exited process has its descriptor unregistered and its client goes back to NoProcess, still subscribed.
func (r *Registry) Reap(io IO, onExit ExitFunc) error {
	if r.policy.Shared() {
		wp, ok := r.shared.(WithProcess)
		if !ok {
			return nil
		}
		status, exited := wp.Binding.PollExit()
		if !exited {
			return nil
		}
		r.shared = NoProcess{}
		if err := r.release(io, wp.Binding, false); err != nil {
			return err
		}
		onExit(r.IDs(), wp.Binding, status)
		return nil
	}

	for _, id := range r.IDs() {
		e := r.entries[id]
		wp, ok := e.State.(WithProcess)
		if !ok {
			continue
		}
		status, exited := wp.Binding.PollExit()
		if !exited {
			continue
		}
		e.State = NoProcess{}
		if err := r.release(io, wp.Binding, false); err != nil {
			return err
		}
		onExit([]uint16{id}, wp.Binding, status)
	}
	return nil
}

// Close tears down every process, the shared one included, and forgets every client.
func (r *Registry) Close(io IO) error {
	var firstErr error
	for _, id := range r.IDs() {
		if err := r.teardown(io, r.entries[id]); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.entries, id)
	}
	if wp, ok := r.shared.(WithProcess); ok {
		r.shared = NoProcess{}
		if err := r.release(io, wp.Binding, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) teardown(io IO, e *Entry) error {
	wp, ok := e.State.(WithProcess)
	if !ok {
		return nil
	}
	e.State = NoProcess{}
	r.log.Infow("killing the process associated to client", "ClientID", e.ID, "BindingID", wp.Binding.ID())
	return r.release(io, wp.Binding, true)
}

// release kills (if asked), unregisters and closes b, in that order.
func (r *Registry) release(io IO, b process.Binding, kill bool) error {
	fd := b.FD()
	if kill {
		if err := b.Terminate(); err != nil {
			r.log.Warnw("unable to kill process, it has probably exited", "BindingID", b.ID(), "Error", err)
		}
	}
	err := io.UnregisterIO(fd)
	if cerr := b.Close(); cerr != nil {
		r.log.Debugf("error closing pipes of %s: %s", b.ID(), cerr)
	}
	if err != nil {
		return fmt.Errorf("releasing %s: %w", b.ID(), err)
	}
	return nil
}

// SessionInfo is a point-in-time view of one client.
type SessionInfo struct {
	ClientID  uint16
	Label     string
	State     string
	PID       int
	BindingID string
	Since     time.Time
}

// Snapshot returns the state of every client, ordered by id.
func (r *Registry) Snapshot() []SessionInfo {
	infos := make([]SessionInfo, 0, len(r.entries))
	for _, id := range r.IDs() {
		e := r.entries[id]
		st := e.State
		if r.policy.Shared() {
			st = r.shared
		}
		info := SessionInfo{ClientID: id, Label: e.Label, State: st.String(), Since: e.Since}
		if wp, ok := st.(WithProcess); ok {
			info.PID = wp.Binding.PID()
			info.BindingID = wp.Binding.ID()
		}
		infos = append(infos, info)
	}
	return infos
}

// Processes counts the live processes.
func (r *Registry) Processes() int {
	if r.policy.Shared() {
		if _, ok := r.shared.(WithProcess); ok {
			return 1
		}
		return 0
	}
	n := 0
	for _, e := range r.entries {
		if _, ok := e.State.(WithProcess); ok {
			n++
		}
	}
	return n
}
