package agent

import (
	"context"
	"testing"
	"time"

	"github.com/guseggert/tunnelexec/agent/session"
	"github.com/guseggert/tunnelexec/internal/net"
	"github.com/guseggert/tunnelexec/tunnel"
	"github.com/guseggert/tunnelexec/tunnel/tunneltest"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

const wait = 5 * time.Second

type runningService struct {
	svc    *Service
	srv    *tunneltest.Server
	addr   string
	cancel context.CancelFunc
	errCh  chan error
}

func (r *runningService) stop(t *testing.T) {
	r.cancel()
	select {
	case err := <-r.errCh:
		require.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("service did not stop")
	}
}

func startService(t *testing.T, command string, policy session.Policy, opts ...Option) *runningService {
	addr, err := net.EphemeralAddr("127.0.0.1")
	require.NoError(t, err)

	srv := tunneltest.NewServer(t, 5)
	opts = append([]Option{
		WithDialer(srv.Dial),
		WithStepInterval(10 * time.Millisecond),
		WithLogger(log.Desugar()),
		WithStatusAddr(addr),
	}, opts...)
	svc, err := NewService("test", "echo", command, policy, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &runningService{svc: svc, srv: srv, addr: addr, cancel: cancel, errCh: make(chan error, 1)}
	go func() { r.errCh <- svc.Run(ctx) }()
	t.Cleanup(cancel)

	open := srv.Next(wait)
	require.Equal(t, tunnel.KindOpen, open.Kind)
	require.Equal(t, "echo", string(open.Data))
	return r
}

func (r *runningService) client(t *testing.T) *Client {
	c := NewClient(log, r.addr)
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, c.WaitForServer(ctx))
	return c
}

func TestNewServiceRequiresCommand(t *testing.T) {
	_, err := NewService("test", "echo", "", session.Exclusive)
	assert.Error(t, err)
}

func TestServiceEcho(t *testing.T) {
	r := startService(t, "cat", session.Exclusive)

	r.srv.Send(tunnel.NewMsg(tunnel.KindSubscribe, 7, nil))
	r.srv.Send(tunnel.NewMsg(tunnel.KindData, 7, []byte("ping")))

	reply := r.srv.NextOfKind(tunnel.KindData, wait)
	assert.EqualValues(t, 5, reply.ChannelID)
	assert.EqualValues(t, 7, reply.ClientID)
	assert.Equal(t, "ping", string(reply.Data))

	c := r.client(t)
	ctx := context.Background()
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo", st.Channel)
	assert.EqualValues(t, 5, st.ChannelID)
	assert.Equal(t, "exclusive", st.Policy)
	assert.Equal(t, 1, st.Clients)
	assert.Equal(t, 1, st.Processes)
	assert.EqualValues(t, 1, st.Spawned)

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.EqualValues(t, 7, sessions[0].ClientID)
	assert.Equal(t, "with_process", sessions[0].State)
	assert.Positive(t, sessions[0].PID)

	r.srv.Send(tunnel.NewMsg(tunnel.KindUnsubscribe, 7, nil))
	require.Eventually(t, func() bool {
		st, err := c.Status(ctx)
		return err == nil && st.Clients == 0 && st.Processes == 0
	}, wait, 10*time.Millisecond)

	r.stop(t)
	r.srv.NextOfKind(tunnel.KindClose, wait)
}

func TestServiceIdentity(t *testing.T) {
	r := startService(t, "sh", session.Identity, WithArgs("-c", `printf '%s:%s' "$CUSER" "$CID"; exec cat`))

	r.srv.Send(tunnel.NewMsg(tunnel.KindSubscribe, 3, []byte("alice\x00")))
	r.srv.Send(tunnel.NewMsg(tunnel.KindData, 3, []byte("!")))

	var got string
	for got != "alice:3!" {
		m := r.srv.NextOfKind(tunnel.KindData, wait)
		require.EqualValues(t, 3, m.ClientID)
		got += string(m.Data)
		require.LessOrEqual(t, len(got), len("alice:3!"), "got %q", got)
	}
	r.stop(t)
}

func TestServiceShared(t *testing.T) {
	r := startService(t, "cat", session.Broadcast)
	c := r.client(t)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "shared", st.Policy)
	assert.Equal(t, 1, st.Processes, "the shared process runs before anyone subscribes")

	r.srv.Send(tunnel.NewMsg(tunnel.KindSubscribe, 1, []byte("alice\x00")))
	r.srv.Send(tunnel.NewMsg(tunnel.KindSubscribe, 2, []byte("bob\x00")))
	require.Eventually(t, func() bool {
		st, err := c.Status(ctx)
		return err == nil && st.Clients == 2
	}, wait, 10*time.Millisecond)
	r.srv.Send(tunnel.NewMsg(tunnel.KindData, 1, []byte("hi")))

	got := map[uint16]string{}
	for len(got) < 2 {
		m := r.srv.NextOfKind(tunnel.KindData, wait)
		got[m.ClientID] += string(m.Data)
	}
	assert.Equal(t, map[uint16]string{1: "hi", 2: "hi"}, got)
	r.stop(t)
}

func TestServiceUnsubscribeAll(t *testing.T) {
	r := startService(t, "cat", session.Exclusive)
	c := r.client(t)
	ctx := context.Background()

	for _, id := range []uint16{1, 2} {
		r.srv.Send(tunnel.NewMsg(tunnel.KindSubscribe, id, nil))
		r.srv.Send(tunnel.NewMsg(tunnel.KindData, id, []byte("x")))
	}
	require.Eventually(t, func() bool {
		st, err := c.Status(ctx)
		return err == nil && st.Processes == 2
	}, wait, 10*time.Millisecond)

	r.srv.Send(tunnel.NewMsg(tunnel.KindUnsubscribeAll, 0, nil))
	notified := map[uint16]bool{}
	for len(notified) < 2 {
		m := r.srv.NextOfKind(tunnel.KindUnsubscribe, wait)
		notified[m.ClientID] = true
	}
	require.Eventually(t, func() bool {
		st, err := c.Status(ctx)
		return err == nil && st.Clients == 0 && st.Processes == 0
	}, wait, 10*time.Millisecond)
	r.stop(t)
}

func TestServiceStopsOnTransportError(t *testing.T) {
	r := startService(t, "cat", session.Exclusive)
	r.srv.Hangup()

	select {
	case err := <-r.errCh:
		assert.ErrorIs(t, err, tunnel.ErrTransport)
	case <-time.After(wait):
		t.Fatal("service kept running without a tunnel")
	}
}

func TestServiceStopsOnSpawnError(t *testing.T) {
	r := startService(t, "/nonexistent/command", session.Exclusive)
	r.srv.Send(tunnel.NewMsg(tunnel.KindSubscribe, 1, nil))
	r.srv.Send(tunnel.NewMsg(tunnel.KindData, 1, []byte("x")))

	select {
	case err := <-r.errCh:
		assert.Error(t, err)
	case <-time.After(wait):
		t.Fatal("service kept running after failing to spawn")
	}
}

func TestClientNoServer(t *testing.T) {
	addr, err := net.EphemeralAddr("127.0.0.1")
	require.NoError(t, err)
	c := NewClient(log, addr, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	_, err = c.Status(context.Background())
	assert.Error(t, err)
}
