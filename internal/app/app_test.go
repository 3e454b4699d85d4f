package app

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/tunnelexec/agent/session"
	"github.com/guseggert/tunnelexec/tunnel"
	"github.com/guseggert/tunnelexec/tunnel/tunneltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func newTestApp(out *bytes.Buffer) *cli.App {
	a := New("tunnelexec", "test", session.Exclusive)
	a.Writer = out
	a.ErrWriter = out
	a.ExitErrHandler = func(*cli.Context, error) {}
	return a
}

func TestWrongArgumentCount(t *testing.T) {
	cases := [][]string{
		{"tunnelexec"},
		{"tunnelexec", "/tmp/sock", "echo"},
		{"tunnelexec", "/tmp/sock", "echo", "cat", "extra"},
	}
	for _, args := range cases {
		var out bytes.Buffer
		err := newTestApp(&out).Run(args)
		require.Error(t, err, "args %q", args)

		var exitErr cli.ExitCoder
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 1, exitErr.ExitCode())
		assert.Contains(t, out.String(), "<socket_path> <channel_name> <command>")
	}
}

func TestInvalidFlags(t *testing.T) {
	cases := []struct {
		name string
		flag string
	}{
		{name: "log level", flag: "--log-level=loud"},
		{name: "step interval", flag: "--step-interval=soon"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			var out bytes.Buffer
			err := newTestApp(&out).Run([]string{"tunnelexec", c.flag, "/tmp/sock", "echo", "cat"})
			assert.ErrorContains(t, err, c.name)
		})
	}
}

func TestRunsService(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "tunnel.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer l.Close()

	srv := tunneltest.NewServer(t, 9)
	srv.Accept(l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		var out bytes.Buffer
		errCh <- newTestApp(&out).RunContext(ctx, []string{
			"tunnelexec",
			"--arg", "-u",
			"--step-interval", "10ms",
			"--log-level", "debug",
			sock, "echo", "cat",
		})
	}()

	open := srv.Next(5 * time.Second)
	assert.Equal(t, tunnel.KindOpen, open.Kind)
	assert.Equal(t, "echo", string(open.Data))

	srv.Send(tunnel.NewMsg(tunnel.KindSubscribe, 7, nil))
	srv.Send(tunnel.NewMsg(tunnel.KindData, 7, []byte("ping")))
	reply := srv.NextOfKind(tunnel.KindData, 5*time.Second)
	assert.EqualValues(t, 7, reply.ClientID)
	assert.Equal(t, "ping", string(reply.Data))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}
