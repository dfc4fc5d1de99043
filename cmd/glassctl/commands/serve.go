package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/guerillaglass/glassengine/pkg/client"
	"github.com/guerillaglass/glassengine/pkg/config"
	"github.com/guerillaglass/glassengine/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the engine running and expose metrics",
		Long: `Start the engine and keep it supervised until interrupted.

The engine is pinged every --interval; failures are logged and counted in
the engine metrics. With telemetry.metrics.enabled the Prometheus endpoint
is served on telemetry.metrics.listen_address. With --watch, edits to the
config file replace the client with one built from the new settings and
policies; telemetry and journal settings apply on the next start. serve
runs unattended, so permission prompts are denied unless
policy.interactive is set.`,
		Example: `  # Supervise with metrics on 127.0.0.1:9464
  glassctl serve --config engine.yaml

  # Pick up timeout and restart policy edits without restarting
  glassctl serve --config engine.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch && configPath == "" {
				return fmt.Errorf("--watch requires --config")
			}
			return runServe(cmd.Context(), watch, interval)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "reload the client when the config file changes")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "health check interval (0 disables)")

	return cmd
}

// server holds the active client; a config reload swaps it for a new one.
type server struct {
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	mu      sync.Mutex
	client  *client.Client
	closing bool
}

func runServe(ctx context.Context, watch bool, interval time.Duration) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sess, err := openSession(ctx, cfg, false)
	if err != nil {
		return err
	}

	srv := &server{
		tel:    sess.tel,
		logger: sess.tel.Logger.NewComponentLogger("serve"),
		client: sess.client,
	}
	defer func() {
		// The session stops whichever client is current at exit.
		sess.client = srv.shutdown()
		err = errors.Join(err, sess.Close(ctx))
	}()

	if err := sess.tel.StartMetricsServer(ctx); err != nil {
		return err
	}
	if err := srv.current().Start(ctx); err != nil {
		return err
	}
	srv.logger.WithField("engine", srv.current().EnginePath()).Info("Engine started")

	if watch {
		w, err := config.Watch(ctx, configPath, sess.tel.Logger, func(next *config.Config) {
			srv.reload(ctx, next)
		})
		if err != nil {
			return err
		}
		defer w.Close()
	}

	if interval <= 0 {
		<-ctx.Done()
		srv.logger.Info("Shutting down")
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.logger.Info("Shutting down")
			return nil
		case <-ticker.C:
			srv.healthCheck(ctx, interval)
		}
	}
}

func (s *server) current() *client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// shutdown refuses further swaps and returns the client to stop.
func (s *server) shutdown() *client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	return s.client
}

func (s *server) healthCheck(ctx context.Context, interval time.Duration) {
	c := s.current()
	ctx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()

	if _, err := c.Ping(ctx); err != nil {
		logger := s.logger.WithError(err)
		if f, ok := client.AsFailure(err); ok {
			logger = logger.WithField("kind", f.Kind)
		}
		logger.Warn("Health check failed")
		return
	}

	st := c.Status()
	s.logger.WithFields(map[string]interface{}{
		"state":          st.State,
		"generation":     st.Generation,
		"pid":            st.PID,
		"pending":        st.Pending,
		"recent_crashes": st.RecentCrashes,
	}).Debug("Engine healthy")
}

// reload starts a client for next and retires the old one. If the new
// client cannot start, the old one keeps serving. Once shutdown has begun
// the new client is stopped instead of swapped in.
func (s *server) reload(ctx context.Context, next *config.Config) {
	if ctx.Err() != nil {
		return
	}
	if enginePath != "" {
		next.Engine.Path = enginePath
	}

	c, err := newClient(ctx, next, s.tel, false)
	if err != nil {
		s.logger.WithError(err).Error("Reloaded config rejected")
		return
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	if ctx.Err() != nil {
		_ = c.Stop(stopCtx)
		return
	}
	if err := c.Start(ctx); err != nil {
		s.logger.WithError(err).Error("Engine failed to start with reloaded config")
		_ = c.Stop(stopCtx)
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.logger.Debug("Shutting down, discarding reloaded client")
		_ = c.Stop(stopCtx)
		return
	}
	old := s.client
	s.client = c
	s.mu.Unlock()

	s.logger.WithField("engine", c.EnginePath()).Info("Client replaced after config change")

	if err := old.Stop(stopCtx); err != nil {
		s.logger.WithError(err).Warn("Previous engine did not stop cleanly")
	}
}
