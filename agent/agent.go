package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/guseggert/tunnelexec/agent/process"
	"github.com/guseggert/tunnelexec/agent/session"
	"github.com/guseggert/tunnelexec/tunnel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Service attaches a command to a tunnel channel.
// It owns the topic, the dispatcher and, optionally, an HTTP status server.
type Service struct {
	logger *zap.SugaredLogger

	addr    string
	channel string
	policy  session.Policy
	command process.Request

	stepInterval time.Duration
	statusAddr   string
	spawner      process.Spawner
	dialer       tunnel.DialFunc

	topic      *tunnel.Topic
	dispatcher *Dispatcher
	board      statusBoard
}

type Option func(s *Service)

func WithStepInterval(d time.Duration) Option {
	return func(s *Service) {
		s.stepInterval = d
	}
}

// WithStatusAddr enables the status server on addr.
func WithStatusAddr(addr string) Option {
	return func(s *Service) {
		s.statusAddr = addr
	}
}

func WithArgs(args ...string) Option {
	return func(s *Service) {
		s.command.Args = args
	}
}

// WithEnv adds variables to the environment of every spawned process.
func WithEnv(env ...string) Option {
	return func(s *Service) {
		s.command.Env = env
	}
}

func WithWorkingDir(dir string) Option {
	return func(s *Service) {
		s.command.WD = dir
	}
}

func WithSpawner(sp process.Spawner) Option {
	return func(s *Service) {
		s.spawner = sp
	}
}

func WithDialer(d tunnel.DialFunc) Option {
	return func(s *Service) {
		s.dialer = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.logger = l.Named("service").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Service) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// NewService builds a service bridging channel, reached at addr, to command.
func NewService(addr, channel, command string, policy session.Policy, opts ...Option) (*Service, error) {
	if command == "" {
		return nil, fmt.Errorf("no command given")
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Service{
		logger:       logger.Named("service").Sugar(),
		addr:         addr,
		channel:      channel,
		policy:       policy,
		command:      process.Request{Command: command},
		stepInterval: tunnel.DefaultStepInterval,
	}
	for _, o := range opts {
		o(s)
	}
	if s.spawner == nil {
		s.spawner = &process.ExecSpawner{Log: s.logger.Named("process")}
	}
	s.board.set(Status{Channel: channel, Policy: policy.Name()}, nil)
	return s, nil
}

// Run opens the channel and steps the reactor until ctx is done or a step fails.
// Every process still running when Run returns is killed.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	topicOpts := []tunnel.Option{tunnel.WithLogger(s.logger)}
	if s.dialer != nil {
		topicOpts = append(topicOpts, tunnel.WithDialer(s.dialer))
	}
	s.topic = tunnel.NewTopic(s.channel, s.addr, topicOpts...)
	s.dispatcher = NewDispatcher(ctx, s.logger, s.channel, s.policy, s.spawner, s.command)
	s.topic.OnMessage(s)
	s.topic.SetStepInterval(s.stepInterval)

	defer s.topic.Close()
	if err := s.topic.Open(ctx); err != nil {
		return err
	}

	if err := s.dispatcher.Start(s.topic); err != nil {
		return err
	}
	defer func() {
		if err := s.dispatcher.Close(s.topic); err != nil {
			s.logger.Debugf("error tearing down processes: %s", err)
		}
	}()
	s.publish()

	s.logger.Infow("serving channel",
		"Channel", s.channel,
		"Policy", s.policy.Name(),
		"Command", s.command.Command,
		"StepInterval", s.stepInterval,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	if s.statusAddr != "" {
		group.Go(func() error { return s.runStatusServer(groupCtx) })
	}
	group.Go(func() error {
		for groupCtx.Err() == nil {
			if err := s.topic.Step(); err != nil {
				s.logger.Errorw("error step", "Error", err)
				return err
			}
		}
		return nil
	})
	return group.Wait()
}

// HandleEvent runs the dispatcher for one step and publishes the resulting state.
func (s *Service) HandleEvent(ev tunnel.Event, tio tunnel.IO) error {
	err := s.dispatcher.HandleEvent(ev, tio)
	s.publish()
	return err
}

func (s *Service) publish() {
	reg := s.dispatcher.Registry()
	stats := s.dispatcher.Stats()
	s.board.set(Status{
		Channel:   s.channel,
		ChannelID: s.topic.ChannelID(),
		Policy:    s.policy.Name(),
		Clients:   reg.Len(),
		Processes: reg.Processes(),
		Steps:     stats.Steps,
		Spawned:   stats.Spawned,
		Exited:    stats.Exited,
	}, reg.Snapshot())
}
