// Package tunneltest provides an in-memory tunnel server for tests.
package tunneltest

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/tunnelexec/tunnel"
)

// Server answers a single Open and records every frame it receives.
type Server struct {
	t         *testing.T
	channelID uint16
	refuse    string

	mu       sync.Mutex
	conn     net.Conn
	received chan *tunnel.Msg
	writeMu  sync.Mutex
}

type Option func(s *Server)

// WithRefusal makes the server answer Open with an Error frame carrying reason.
func WithRefusal(reason string) Option {
	return func(s *Server) {
		s.refuse = reason
	}
}

// NewServer returns a server that assigns channelID to the channel it opens.
// It is torn down when the test ends.
func NewServer(t *testing.T, channelID uint16, opts ...Option) *Server {
	s := &Server{
		t:         t,
		channelID: channelID,
		received:  make(chan *tunnel.Msg, 1024),
	}
	for _, o := range opts {
		o(s)
	}
	t.Cleanup(func() { s.Hangup() })
	return s
}

// Dial is a tunnel.DialFunc connected to this server. It may be used once.
func (s *Server) Dial(ctx context.Context, addr string) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil, fmt.Errorf("tunneltest server already dialed")
	}
	client, server := net.Pipe()
	s.conn = server
	go s.serve(server)
	return client, nil
}

// Accept serves the first connection made to l, for clients that dial a real address.
func (s *Server) Accept(l net.Listener) {
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.serve(conn)
	}()
}

func (s *Server) serve(conn net.Conn) {
	defer close(s.received)
	r := bufio.NewReader(conn)
	for {
		m, err := tunnel.Decode(r)
		if err != nil {
			return
		}
		s.received <- m
		if m.Kind != tunnel.KindOpen {
			continue
		}
		reply := &tunnel.Msg{Kind: tunnel.KindOK, ChannelID: s.channelID}
		if s.refuse != "" {
			reply = &tunnel.Msg{Kind: tunnel.KindError, Data: []byte(s.refuse)}
		}
		if err := s.write(reply); err != nil {
			return
		}
	}
}

func (s *Server) write(m *tunnel.Msg) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return tunnel.Encode(s.conn, m)
}

// Send writes m to the client on the opened channel.
func (s *Server) Send(m *tunnel.Msg) {
	s.t.Helper()
	out := *m
	out.ChannelID = s.channelID
	if err := s.write(&out); err != nil {
		s.t.Fatalf("sending %s: %s", m, err)
	}
}

// Next returns the next frame received from the client, failing the test if none arrives within timeout.
func (s *Server) Next(timeout time.Duration) *tunnel.Msg {
	s.t.Helper()
	select {
	case m, ok := <-s.received:
		if !ok {
			s.t.Fatalf("connection closed while waiting for a frame")
		}
		return m
	case <-time.After(timeout):
		s.t.Fatalf("no frame received after %s", timeout)
		return nil
	}
}

// NextOfKind skips frames until one of the given kind arrives.
func (s *Server) NextOfKind(kind tunnel.MsgKind, timeout time.Duration) *tunnel.Msg {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		m := s.Next(time.Until(deadline))
		if m.Kind == kind {
			return m
		}
	}
}

// Hangup closes the server side of the connection.
func (s *Server) Hangup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}
