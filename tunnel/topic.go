package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultStepInterval is the longest a Step blocks waiting for something to happen.
const DefaultStepInterval = 100 * time.Millisecond

const inboxSize = 64

var (
	// ErrTransport is returned by Step when the connection to the tunnel server failed.
	ErrTransport = errors.New("transport error")
	// ErrOpen is returned by Open when the channel could not be opened.
	ErrOpen = errors.New("opening channel")
	// ErrUnknownFD is returned when unregistering a descriptor that is not registered.
	ErrUnknownFD = errors.New("descriptor not registered")
	// ErrRegistered is returned when registering a descriptor twice.
	ErrRegistered = errors.New("descriptor already registered")
)

// Readiness reports that a registered descriptor can be read without blocking.
type Readiness struct {
	FD       int
	Readable bool
}

// Event is what a Handler gets on every Step. Either field may be nil.
type Event struct {
	Msg   *Msg
	Ready *Readiness
}

// IO is the part of a Topic a Handler may use.
type IO interface {
	RegisterIO(fd int) error
	UnregisterIO(fd int) error
	Write(m *Msg) error
}

// Handler is invoked once per Step.
type Handler interface {
	HandleEvent(ev Event, io IO) error
}

type HandlerFunc func(ev Event, io IO) error

func (f HandlerFunc) HandleEvent(ev Event, io IO) error { return f(ev, io) }

type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

type Option func(t *Topic)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(t *Topic) {
		t.log = l.Named("topic")
	}
}

func WithDialer(d DialFunc) Option {
	return func(t *Topic) {
		t.dial = d
	}
}

// Topic is a single-threaded reactor over one tunnel channel.
// Inbound frames are decoded by a reader goroutine into a queue; everything else,
// including the Handler, runs on the goroutine calling Step.
type Topic struct {
	name string
	addr string
	log  *zap.SugaredLogger
	dial DialFunc

	handler      Handler
	stepInterval time.Duration

	conn      net.Conn
	channelID uint16
	writeMu   sync.Mutex

	inbox    chan *Msg
	readErr  chan error
	readDone chan struct{}
	reading  bool
	failed   error

	// wake is a non-blocking pipe the reader goroutine writes to after queueing a frame, so Poll returns
	wake [2]int
	fds  []int
	next int

	closeOnce sync.Once
	closed    chan struct{}
}

func NewTopic(name, addr string, opts ...Option) *Topic {
	t := &Topic{
		name:         name,
		addr:         addr,
		log:          zap.NewNop().Sugar(),
		dial:         Dial,
		stepInterval: DefaultStepInterval,
		inbox:        make(chan *Msg, inboxSize),
		readErr:      make(chan error, 1),
		readDone:     make(chan struct{}),
		wake:         [2]int{-1, -1},
		closed:       make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Topic) Name() string { return t.name }

// ChannelID is the id the server assigned in its reply to Open.
func (t *Topic) ChannelID() uint16 { return t.channelID }

func (t *Topic) OnMessage(h Handler) { t.handler = h }

func (t *Topic) SetStepInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultStepInterval
	}
	t.stepInterval = d
}

// Open connects to the server and opens the channel.
func (t *Topic) Open(ctx context.Context) error {
	if t.handler == nil {
		return fmt.Errorf("%w %q: no message handler", ErrOpen, t.name)
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("creating wake pipe: %w", err)
	}
	t.wake = p

	t.log.Debugw("dialing tunnel", "Addr", t.addr)
	conn, err := t.dial(ctx, t.addr)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrOpen, t.name, err)
	}
	t.conn = conn

	if err := t.Write(&Msg{Kind: KindOpen, Data: []byte(t.name)}); err != nil {
		return fmt.Errorf("%w %q: %v", ErrOpen, t.name, err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	r := bufio.NewReader(conn)
	reply, err := Decode(r)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("%w %q: reading reply: %v", ErrOpen, t.name, err)
	}
	switch reply.Kind {
	case KindOK:
		t.channelID = reply.ChannelID
	case KindError:
		return fmt.Errorf("%w %q: server refused: %s", ErrOpen, t.name, reply.Data)
	default:
		return fmt.Errorf("%w %q: unexpected reply %s", ErrOpen, t.name, reply.Kind)
	}

	t.reading = true
	go t.readLoop(r)
	t.log.Infow("channel opened", "Channel", t.name, "ChannelID", t.channelID)
	return nil
}

func (t *Topic) readLoop(r io.Reader) {
	defer close(t.readDone)
	for {
		m, err := Decode(r)
		if err != nil {
			t.readErr <- err
			t.signal()
			return
		}
		select {
		case t.inbox <- m:
		case <-t.closed:
			return
		}
		t.signal()
	}
}

func (t *Topic) signal() {
	// a full pipe already guarantees a wakeup
	_, _ = unix.Write(t.wake[1], []byte{1})
}

func (t *Topic) drainWake() {
	var b [64]byte
	for {
		n, err := unix.Read(t.wake[0], b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Step waits up to the step interval for an inbound message or a readable descriptor,
// then invokes the handler exactly once, with whatever it found.
func (t *Topic) Step() error {
	if t.failed != nil {
		return t.failed
	}
	if t.conn == nil {
		return fmt.Errorf("%w: channel %q is not open", ErrTransport, t.name)
	}

	timeout := int(t.stepInterval / time.Millisecond)
	if len(t.inbox) > 0 {
		timeout = 0
	}
	pfds := make([]unix.PollFd, 0, len(t.fds)+1)
	pfds = append(pfds, unix.PollFd{Fd: int32(t.wake[0]), Events: unix.POLLIN})
	for _, fd := range t.fds {
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	if _, err := unix.Poll(pfds, timeout); err != nil && !errors.Is(err, unix.EINTR) {
		t.failed = fmt.Errorf("%w: polling: %v", ErrTransport, err)
		return t.failed
	}
	if pfds[0].Revents != 0 {
		t.drainWake()
	}

	var ev Event
	select {
	case m := <-t.inbox:
		ev.Msg = m
	default:
		select {
		case err := <-t.readErr:
			if errors.Is(err, io.EOF) {
				t.failed = fmt.Errorf("%w: connection closed by server", ErrTransport)
			} else {
				t.failed = fmt.Errorf("%w: %v", ErrTransport, err)
			}
			return t.failed
		default:
		}
	}
	ev.Ready = t.pickReady(pfds[1:])

	return t.handler.HandleEvent(ev, t)
}

// pickReady returns at most one ready descriptor, rotating so a chatty one cannot starve the rest.
func (t *Topic) pickReady(pfds []unix.PollFd) *Readiness {
	n := len(pfds)
	for i := 0; i < n; i++ {
		j := (t.next + i) % n
		revents := pfds[j].Revents
		if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}
		t.next = j + 1
		return &Readiness{
			FD:       int(pfds[j].Fd),
			Readable: revents&(unix.POLLIN|unix.POLLHUP) != 0,
		}
	}
	return nil
}

func (t *Topic) RegisterIO(fd int) error {
	for _, f := range t.fds {
		if f == fd {
			return fmt.Errorf("registering fd %d: %w", fd, ErrRegistered)
		}
	}
	t.fds = append(t.fds, fd)
	t.log.Debugw("registered descriptor", "FD", fd)
	return nil
}

func (t *Topic) UnregisterIO(fd int) error {
	for i, f := range t.fds {
		if f == fd {
			t.fds = append(t.fds[:i], t.fds[i+1:]...)
			t.log.Debugw("unregistered descriptor", "FD", fd)
			return nil
		}
	}
	return fmt.Errorf("unregistering fd %d: %w", fd, ErrUnknownFD)
}

// Registered returns a copy of the registered descriptors.
func (t *Topic) Registered() []int {
	return append([]int(nil), t.fds...)
}

// Write sends m on the channel. The channel id is always the one assigned by the server.
func (t *Topic) Write(m *Msg) error {
	if t.conn == nil {
		return fmt.Errorf("%w: channel %q is not open", ErrTransport, t.name)
	}
	out := *m
	out.ChannelID = t.channelID

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := Encode(t.conn, &out); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Close sends Close to the server and releases the connection and wake pipe.
func (t *Topic) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.conn != nil {
			if werr := t.Write(&Msg{Kind: KindClose}); werr != nil {
				t.log.Debugf("error sending close: %s", werr)
			}
			close(t.closed)
			err = t.conn.Close()
			if t.reading {
				<-t.readDone
			}
		}
		for _, fd := range t.wake {
			if fd >= 0 {
				_ = unix.Close(fd)
			}
		}
	})
	return err
}
