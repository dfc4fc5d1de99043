package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	enginePath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(buildInfo{Version: version, Commit: commit, BuildDate: buildDate})
	return rootCmd.ExecuteContext(ctx)
}

type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
}

func newRootCommand(info buildInfo) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "glassctl",
		Short: "Drive the Guerillaglass capture engine",
		Long: `glassctl starts the Guerillaglass engine as a child process and talks to it
over newline-delimited JSON on stdin/stdout.

The engine is restarted after crashes with backoff and jitter; repeated
crashes open a restart circuit that rejects calls until it cools down.
Lifecycle events can be journaled to SQLite and inspected with "history".`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml or .cue)")
	rootCmd.PersistentFlags().StringVarP(&enginePath, "engine", "e", "", "engine executable (overrides config and GG_ENGINE_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newPingCommand())
	rootCmd.AddCommand(newCapabilitiesCommand())
	rootCmd.AddCommand(newPermissionsCommand())
	rootCmd.AddCommand(newSourcesCommand())
	rootCmd.AddCommand(newRecentsCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCallCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newVersionCommand(info))

	return rootCmd
}
