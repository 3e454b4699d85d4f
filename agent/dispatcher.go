package agent

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/guseggert/tunnelexec/agent/process"
	"github.com/guseggert/tunnelexec/agent/session"
	"github.com/guseggert/tunnelexec/tunnel"
	"go.uber.org/zap"
)

// readSize bounds how much process output is read per readiness event.
// A bigger burst is left in the pipe and picked up on the following steps.
const readSize = 2048

// Stats counts what the dispatcher did since it started.
type Stats struct {
	Steps   uint64
	Spawned uint64
	Exited  uint64
}

// Dispatcher is the per-step state machine between a channel and the processes behind it.
//
// Within one step it handles the inbound message first, then reclaims exited processes,
// then serves the readiness notification, so a read is never attempted on a descriptor
// whose process was found dead in the same step.
type Dispatcher struct {
	ctx      context.Context
	log      *zap.SugaredLogger
	channel  string
	registry *session.Registry
	spawner  process.Spawner
	command  process.Request
	buf      []byte
	stats    Stats
}

func NewDispatcher(ctx context.Context, log *zap.SugaredLogger, channel string, policy session.Policy, spawner process.Spawner, command process.Request) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("dispatcher")
	return &Dispatcher{
		ctx:      ctx,
		log:      log,
		channel:  channel,
		registry: session.NewRegistry(policy, log),
		spawner:  spawner,
		command:  command,
		buf:      make([]byte, readSize),
	}
}

func (d *Dispatcher) Registry() *session.Registry { return d.registry }

func (d *Dispatcher) Stats() Stats { return d.stats }

// Start spawns the shared process when the policy has one. It must run before the first step.
func (d *Dispatcher) Start(tio tunnel.IO) error {
	return d.registry.SpawnShared(tio, d.spawn)
}

// Close kills every process and forgets every client.
func (d *Dispatcher) Close(tio tunnel.IO) error {
	return d.registry.Close(tio)
}

func (d *Dispatcher) HandleEvent(ev tunnel.Event, tio tunnel.IO) error {
	d.stats.Steps++
	if ev.Msg != nil {
		if err := d.handleMessage(ev.Msg, tio); err != nil {
			return err
		}
	}
	if err := d.monitor(tio); err != nil {
		return err
	}
	if ev.Ready != nil && ev.Ready.Readable {
		return d.handleReadable(ev.Ready.FD, tio)
	}
	return nil
}

func (d *Dispatcher) handleMessage(m *tunnel.Msg, tio tunnel.IO) error {
	switch m.Kind {
	case tunnel.KindSubscribe:
		return d.subscribe(m, tio)
	case tunnel.KindUnsubscribe:
		d.log.Warnw("client unsubscribed from channel", "ClientID", m.ClientID, "Channel", d.channel)
		err := d.registry.Deregister(tio, m.ClientID)
		if errors.Is(err, session.ErrUnknownClient) {
			d.log.Warnw("client is not in the client list", "ClientID", m.ClientID)
			return nil
		}
		return err
	case tunnel.KindUnsubscribeAll:
		d.log.Infow("unsubscribed all clients from channel", "Channel", d.channel, "Clients", d.registry.Len())
		return d.registry.DeregisterAll(tio, func(id uint16) error {
			return tio.Write(tunnel.NewMsg(tunnel.KindUnsubscribe, id, nil))
		})
	case tunnel.KindData:
		return d.data(m, tio)
	default:
		d.log.Warnw("ignoring message", "Kind", m.Kind.String(), "ClientID", m.ClientID)
		return nil
	}
}

func (d *Dispatcher) subscribe(m *tunnel.Msg, tio tunnel.IO) error {
	label, err := d.registry.Policy().OnSubscribe(m.Data)
	if err != nil {
		d.log.Errorw("malformed subscribe message", "ClientID", m.ClientID, "Error", err)
		return fmt.Errorf("subscribe from client %d: %w", m.ClientID, err)
	}
	if err := d.registry.Register(tio, m.ClientID, label); err != nil {
		return err
	}
	d.log.Infow("client subscribed to channel", "ClientID", m.ClientID, "Label", label, "Channel", d.channel)
	return nil
}

// data forwards a peer's bytes to its process, spawning the process on first use.
// A spawn failure is returned and ends the service.
func (d *Dispatcher) data(m *tunnel.Msg, tio tunnel.IO) error {
	b, err := d.registry.GetOrSpawn(tio, m.ClientID, d.spawn)
	if errors.Is(err, session.ErrUnknownClient) {
		d.log.Warnw("dropping data from client not in the client list", "ClientID", m.ClientID, "Bytes", len(m.Data))
		return nil
	}
	if err != nil {
		return err
	}
	if err := b.Write(m.Data); err != nil {
		d.log.Warnw("unable to write to process", "ClientID", m.ClientID, "BindingID", b.ID(), "Error", err)
	}
	return nil
}

func (d *Dispatcher) spawn(id uint16, label string) (process.Binding, error) {
	req := d.command
	req.Env = append(append([]string(nil), d.command.Env...), d.registry.Policy().Env(id, label)...)
	d.log.Infow("spawning process", "ClientID", id, "Command", req.Command, "Args", req.Args)
	b, err := d.spawner.Spawn(d.ctx, req)
	if err != nil {
		return nil, err
	}
	d.stats.Spawned++
	return b, nil
}

func (d *Dispatcher) handleReadable(fd int, tio tunnel.IO) error {
	b, ids := d.registry.FindByFD(fd)
	if b == nil {
		d.log.Debugw("readiness for a descriptor nobody owns", "FD", fd)
		return nil
	}
	n, err := b.Drain(d.buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			d.log.Debugw("end of process output", "BindingID", b.ID())
			return nil
		}
		d.log.Warnw("unable to read process output", "BindingID", b.ID(), "Error", err)
		return nil
	}
	if n == 0 {
		return nil
	}

	// every message shares one copy, d.buf is reused next step
	data := append([]byte(nil), d.buf[:n]...)
	if len(ids) == 0 {
		d.log.Debugw("dropping process output, nobody is subscribed", "Bytes", n)
	}
	for _, id := range ids {
		d.log.Debugw("sending raw data to client", "Bytes", n, "ClientID", id)
		if err := tio.Write(tunnel.NewMsg(tunnel.KindData, id, data)); err != nil {
			return err
		}
	}
	return nil
}
