package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	goble "github.com/srg/blesession/internal/device/go-ble"
	"github.com/srg/blesession/internal/device/tinygo"
	"github.com/srg/blesession/pkg/adapter"
	"github.com/srg/blesession/pkg/config"
	"github.com/srg/blesession/pkg/device"
	"github.com/srg/blesession/pkg/session"
)

var (
	globalLogLevel   string
	globalConfigPath string
	globalBackend    string
	globalOutput     string
)

// newStack builds the selected host stack backend. Tests replace it.
var newStack = func(backend string, logger *logrus.Logger) (device.Stack, error) {
	switch backend {
	case config.BackendGoBLE:
		return goble.NewStack(logger), nil
	case config.BackendTinyGo:
		return tinygo.NewStack(logger), nil
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}

// env carries what every command needs once flags are parsed.
type env struct {
	cfg    *config.Config
	logger *logrus.Logger
	handle *adapter.Handle
	out    *printer
}

// loadConfig reads --config (or the defaults) and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if globalConfigPath != "" {
		var err error
		if cfg, err = config.Load(globalConfigPath); err != nil {
			return nil, err
		}
	}
	if globalLogLevel != "" {
		cfg.LogLevel = globalLogLevel
	}
	if globalBackend != "" {
		cfg.Backend = globalBackend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	out, err := newPrinter(cmd.OutOrStdout(), globalOutput)
	if err != nil {
		return nil, err
	}

	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())

	stack, err := newStack(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:    cfg,
		logger: logger,
		handle: adapter.New(stack, cfg.AdapterOptions(logger)...),
		out:    out,
	}, nil
}

func (e *env) sessionOptions(extra ...session.Option) []session.Option {
	opts := append([]session.Option{session.WithAdapter(e.handle)}, e.cfg.SessionOptions(e.logger)...)
	return append(opts, extra...)
}

// teardownContext bounds cleanup that runs after the command context ended.
func (e *env) teardownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.cfg.TeardownTimeout)
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	base := cmd.Context()
	if base == nil {
		base = context.Background()
	}
	return signal.NotifyContext(base, os.Interrupt, syscall.SIGTERM)
}
