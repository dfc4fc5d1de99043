package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/guerillaglass/glassengine/pkg/client"
	"github.com/guerillaglass/glassengine/pkg/config"
	"github.com/guerillaglass/glassengine/pkg/policy"
	"github.com/guerillaglass/glassengine/pkg/stores"
	"github.com/guerillaglass/glassengine/pkg/telemetry"
)

const stopTimeout = 10 * time.Second

// loadConfig reads the config file and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if enginePath != "" {
		cfg.Engine.Path = enginePath
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if cfg.Journal.Enabled {
		cfg.Telemetry.Events.Enabled = true
	}
	return cfg, nil
}

// session owns everything a command needs to talk to the engine.
type session struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	journal *stores.Journal
	client  *client.Client
}

// stdinIsTerminal reports whether someone can answer permission prompts.
var stdinIsTerminal = func() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func openSession(ctx context.Context, cfg *config.Config, interactive bool) (*session, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s := &session{cfg: cfg, tel: tel}

	if cfg.Journal.Enabled {
		j, err := stores.Open(ctx, stores.Config{
			Path:      cfg.Journal.Path,
			Retention: cfg.Journal.Retention.Std(),
			Logger:    tel.Logger,
		})
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		j.Attach(tel.Events)
		s.journal = j
	}

	c, err := newClient(ctx, cfg, tel, interactive)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	s.client = c
	return s, nil
}

// newClient resolves the engine path and builds a client for cfg, guarded
// by the configured policies.
func newClient(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, interactive bool) (*client.Client, error) {
	path, err := config.ResolveEnginePath(cfg.Engine.Path)
	if err != nil {
		return nil, err
	}

	opts := []client.Option{client.WithTelemetry(tel)}
	if cfg.Policy.Enabled {
		guard, err := newGuard(ctx, cfg, tel.Logger, interactive)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithCallGuard(guard))
	}
	return client.New(path, cfg.ClientConfig(), opts...)
}

// newGuard loads the configured policy files on top of the built-ins.
func newGuard(ctx context.Context, cfg *config.Config, logger *telemetry.Logger, interactive bool) (*policy.Guard, error) {
	policies, err := policy.NewLoader(logger).LoadFromPaths(ctx, cfg.Policy.Paths)
	if err != nil {
		return nil, err
	}
	guard, err := policy.NewGuard(ctx, policy.Options{
		Context: policy.Context{
			Interactive:      interactive || cfg.Policy.Interactive,
			AllowDestructive: cfg.Policy.AllowDestructive,
			Client:           "glassctl",
		},
		Disabled: cfg.Policy.Disabled,
		Logger:   logger,
	}, policies...)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	return guard, nil
}

// Close stops the engine, flushes telemetry into the journal, and closes it.
func (s *session) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	var errs []error
	if s.client != nil {
		if err := s.client.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop engine: %w", err))
		}
	}
	if err := s.tel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
		}
	}
	return errors.Join(errs...)
}

// withClient runs fn against a started engine and always stops it. The
// command is traced as one operation.
func withClient(cmd *cobra.Command, fn func(context.Context, *client.Client) error) (err error) {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openSession(ctx, cfg, stdinIsTerminal())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close(ctx))
	}()

	op := telemetry.StartOperation(s.tel.WithContext(ctx), cmd.CommandPath())
	err = fn(op.Ctx, s.client)
	op.End(err)
	return err
}
