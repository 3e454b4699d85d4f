// Package app builds the command line shared by the tunnelexec binaries. They differ only in policy.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/tunnelexec/agent"
	"github.com/guseggert/tunnelexec/agent/session"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns the app for policy.
func New(name, usage string, policy session.Policy) *cli.App {
	return &cli.App{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<socket_path> <channel_name> <command>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML file with defaults for the other flags.",
				EnvVars: []string{"TUNNELEXEC_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:    "arg",
				Usage:   "Argument passed to the command. Repeat for more than one.",
				EnvVars: []string{"TUNNELEXEC_ARGS"},
			},
			&cli.StringSliceFlag{
				Name:    "env",
				Usage:   "KEY=VALUE added to the environment of the command. Repeat for more than one.",
				EnvVars: []string{"TUNNELEXEC_ENV"},
			},
			&cli.StringFlag{
				Name:    "wd",
				Usage:   "Working directory of the command.",
				EnvVars: []string{"TUNNELEXEC_WD"},
			},
			&cli.StringFlag{
				Name:    "step-interval",
				Usage:   "Longest time a reactor step waits for a message or process output.",
				Value:   "100ms",
				EnvVars: []string{"TUNNELEXEC_STEP_INTERVAL"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"TUNNELEXEC_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "status-addr",
				Usage:   "Address for the HTTP status server to listen on. Disabled when empty.",
				EnvVars: []string{"TUNNELEXEC_STATUS_ADDR"},
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() != 3 {
				_ = cli.ShowAppHelp(ctx)
				return cli.Exit(fmt.Sprintf("invalid arguments: %q", ctx.Args().Slice()), 1)
			}
			socketPath := ctx.Args().Get(0)
			channel := ctx.Args().Get(1)
			command := ctx.Args().Get(2)

			st, err := resolveSettings(ctx)
			if err != nil {
				return err
			}
			level, err := zapcore.ParseLevel(st.logLevel)
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			stepInterval, err := time.ParseDuration(st.stepInterval)
			if err != nil {
				return fmt.Errorf("parsing step interval: %w", err)
			}

			logConfig := zap.NewProductionConfig()
			logConfig.Level = zap.NewAtomicLevelAt(level)
			logger, err := logConfig.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			svc, err := agent.NewService(
				socketPath,
				channel,
				command,
				policy,
				agent.WithLogger(logger),
				agent.WithArgs(st.args...),
				agent.WithEnv(st.env...),
				agent.WithWorkingDir(st.wd),
				agent.WithStepInterval(stepInterval),
				agent.WithStatusAddr(st.statusAddr),
			)
			if err != nil {
				return fmt.Errorf("building service: %w", err)
			}

			runCtx, cancel := context.WithCancel(ctx.Context)
			defer cancel()

			// a signal ends the service abnormally, children are killed on the way out if there is time
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			caught := make(chan os.Signal, 1)
			go func() {
				select {
				case sig := <-sigCh:
					logger.Error("service is terminated by system signal", zap.Stringer("Signal", sig))
					caught <- sig
					cancel()
				case <-runCtx.Done():
				}
			}()

			err = svc.Run(runCtx)
			select {
			case sig := <-caught:
				return cli.Exit(fmt.Sprintf("terminated by signal %s", sig), 1)
			default:
			}
			return err
		},
	}
}

type settings struct {
	args         []string
	env          []string
	wd           string
	stepInterval string
	logLevel     string
	statusAddr   string
}

// resolveSettings merges the flags with the config file. A flag set on the command line or through its
// environment variable wins, then the config file, then the flag default.
func resolveSettings(ctx *cli.Context) (*settings, error) {
	st := &settings{
		args:         ctx.StringSlice("arg"),
		env:          ctx.StringSlice("env"),
		wd:           ctx.String("wd"),
		stepInterval: ctx.String("step-interval"),
		logLevel:     ctx.String("log-level"),
		statusAddr:   ctx.String("status-addr"),
	}
	path := ctx.String("config")
	if path == "" {
		return st, nil
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if !ctx.IsSet("arg") && len(cfg.Args) > 0 {
		st.args = cfg.Args
	}
	if !ctx.IsSet("env") && len(cfg.Env) > 0 {
		st.env = cfg.Env
	}
	pick := func(flag string, dst *string, v string) {
		if !ctx.IsSet(flag) && v != "" {
			*dst = v
		}
	}
	pick("wd", &st.wd, cfg.WorkingDir)
	pick("step-interval", &st.stepInterval, cfg.StepInterval)
	pick("log-level", &st.logLevel, cfg.LogLevel)
	pick("status-addr", &st.statusAddr, cfg.StatusAddr)
	return st, nil
}
