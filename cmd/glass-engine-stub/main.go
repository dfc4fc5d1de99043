// Package main implements glass-engine-stub, a stand-in engine that speaks
// the engine protocol over stdin and stdout with canned state.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/guerillaglass/glassengine/pkg/stubengine"
	"github.com/guerillaglass/glassengine/pkg/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		platform string
		logLevel string
		delays   map[string]string
		silent   []string
		exitOn   map[string]int
	)

	code := 0
	cmd := &cobra.Command{
		Use:           "glass-engine-stub",
		Short:         "Stand-in engine speaking newline-delimited JSON over stdio",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol; logs go to stderr only.
			logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
				Level:  logLevel,
				Format: "json",
				Output: "stderr",
			})
			if err != nil {
				return err
			}

			opts := stubengine.Options{
				Platform: platform,
				Delays:   make(map[string]time.Duration, len(delays)),
				Silent:   make(map[string]bool, len(silent)),
				ExitOn:   exitOn,
				Logger:   logger,
			}
			for method, raw := range delays {
				d, err := time.ParseDuration(raw)
				if err != nil {
					return fmt.Errorf("invalid delay for %s: %w", method, err)
				}
				opts.Delays[method] = d
			}
			for _, method := range silent {
				opts.Silent[method] = true
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("stub engine ready")
			err = stubengine.New(opts).Serve(ctx, os.Stdin, os.Stdout)

			var exitErr *stubengine.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.Code
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "platform reported by ping (default: GOOS)")
	cmd.Flags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level")
	cmd.Flags().StringToStringVar(&delays, "delay", nil, "per-method response delay, e.g. export.run=2s")
	cmd.Flags().StringSliceVar(&silent, "silent", nil, "methods that are never answered")
	cmd.Flags().StringToIntVar(&exitOn, "exit-on", nil, "exit with a code when a method is received, e.g. capture.stop=3")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return code
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
