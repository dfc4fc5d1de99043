package commands

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/guerillaglass/glassengine/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		eventType  string
		since      time.Duration
		generation uint64
		limit      int
		summary    bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled engine lifecycle events",
		Long: `Show engine lifecycle events recorded in the SQLite journal.

Events are written while the journal is enabled (journal.enabled in the
config, or GG_JOURNAL_PATH). Use --summary to see crash and restart counts
when diagnosing a restart loop.`,
		Example: `  # Last 50 events
  glassctl history

  # Exits in the last hour
  glassctl history --type engine.exited --since 1h

  # Counts per event type for the last day
  glassctl history --summary --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			j, err := stores.Open(ctx, stores.Config{Path: cfg.Journal.Path})
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer j.Close()

			log.Debug().Str("path", j.Path()).Msg("Reading journal")

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}

			if summary {
				s, err := j.Summarize(ctx, from)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), s, func(w io.Writer) error {
					return renderSummary(w, s)
				})
			}

			entries, err := j.List(ctx, stores.Filter{
				Type:       eventType,
				Since:      from,
				Generation: generation,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), entries, func(w io.Writer) error {
				return renderEntries(w, entries, time.Now())
			})
		},
	}

	cmd.Flags().StringVarP(&eventType, "type", "t", "", "only events of this type (e.g. engine.exited)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	cmd.Flags().Uint64Var(&generation, "generation", 0, "only events of this engine generation")
	cmd.Flags().IntVarP(&limit, "limit", "n", stores.DefaultListLimit, "maximum number of events")
	cmd.Flags().BoolVar(&summary, "summary", false, "print counts per event type")

	return cmd
}

func renderEntries(w io.Writer, entries []*stores.Entry, now time.Time) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No events recorded")
		return err
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		gen := ""
		if e.Generation > 0 {
			gen = strconv.FormatUint(e.Generation, 10)
		}
		rows = append(rows, []string{
			humanize.RelTime(e.Timestamp, now, "ago", "from now"),
			e.Type,
			e.Level,
			gen,
			e.Message,
		})
	}
	return printTable(w, []string{"When", "Event", "Level", "Gen", "Message"}, rows, alignLeft, alignLeft, alignLeft, alignRight)
}

func renderSummary(w io.Writer, s *stores.Summary) error {
	types := make([]string, 0, len(s.Counts))
	for t := range s.Counts {
		types = append(types, t)
	}
	slices.Sort(types)

	rows := make([][]string, 0, len(types)+1)
	for _, t := range types {
		rows = append(rows, []string{t, humanize.Comma(int64(s.Counts[t]))})
	}
	rows = append(rows, []string{"total", humanize.Comma(int64(s.Total()))})
	if err := printTable(w, []string{"Event", "Count"}, rows, alignLeft, alignRight); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "Last generation: %d\n", s.LastGeneration)
	return err
}
