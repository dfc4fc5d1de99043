package commands

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/guerillaglass/glassengine/pkg/client"
)

func newPingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the engine starts and answers",
		Example: `  # Ping the engine found via GG_ENGINE_PATH
  glassctl ping

  # Ping a specific build
  glassctl ping --engine ./bin/guerillaglass-engine-linux`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				start := time.Now()
				res, err := c.Ping(ctx)
				if err != nil {
					return err
				}
				rtt := time.Since(start)
				return printResult(cmd.OutOrStdout(), res, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%s %s (protocol %s, %s) in %s\n",
						res.App, res.EngineVersion, res.ProtocolVersion, res.Platform, rtt.Round(time.Millisecond))
					return err
				})
			})
		},
	}
}

func newCapabilitiesCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Short:   "Show what the engine supports",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				caps, err := c.Capabilities(ctx)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), caps, func(w io.Writer) error {
					return printFields(w, [][2]string{
						{"Protocol", caps.ProtocolVersion},
						{"Platform", caps.Platform},
						{"Phase", caps.Phase},
						{"Display capture", yesNo(caps.Capture.Display)},
						{"Window capture", yesNo(caps.Capture.Window)},
						{"System audio", yesNo(caps.Capture.SystemAudio)},
						{"Microphone", yesNo(caps.Capture.Microphone)},
						{"Input tracking", yesNo(caps.Recording.InputTracking)},
						{"Export presets", yesNo(caps.Export.Presets)},
						{"Cut plan export", yesNo(caps.Export.CutPlan)},
						{"Projects", yesNo(caps.Project.OpenSave)},
						{"Agent", yesNo(caps.Agent.Run)},
						{"Agent budget (min)", strconv.Itoa(caps.Agent.RuntimeBudgetMinutes)},
					})
				})
			})
		},
	}
}

func newPermissionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "permissions",
		Short: "Show capture permission state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				perms, err := c.Permissions(ctx)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), perms, func(w io.Writer) error {
					return printFields(w, [][2]string{
						{"Screen recording", yesNo(perms.ScreenRecordingGranted)},
						{"Microphone", yesNo(perms.MicrophoneGranted)},
						{"Input monitoring", perms.InputMonitoring},
					})
				})
			})
		},
	}
}

func newSourcesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List capturable displays and windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				sources, err := c.ListSources(ctx)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), sources, func(w io.Writer) error {
					return renderSources(w, sources)
				})
			})
		},
	}
}

func renderSources(w io.Writer, sources *client.Sources) error {
	rows := make([][]string, 0, len(sources.Displays)+len(sources.Windows))
	for _, d := range sources.Displays {
		rows = append(rows, []string{
			"display",
			strconv.FormatInt(d.ID, 10),
			fmt.Sprintf("%dx%d", d.Width, d.Height),
			"",
			"",
		})
	}
	for _, win := range sources.Windows {
		rows = append(rows, []string{
			"window",
			strconv.FormatInt(win.ID, 10),
			fmt.Sprintf("%dx%d", win.Width, win.Height),
			win.AppName,
			win.Title,
		})
	}
	return printTable(w, []string{"Kind", "ID", "Size", "App", "Title"}, rows, alignLeft, alignRight, alignRight)
}

func newRecentsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "recents",
		Short: "List recently opened projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				recents, err := c.RecentProjects(ctx, limit)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), recents, func(w io.Writer) error {
					if len(recents.Items) == 0 {
						_, err := fmt.Fprintln(w, "No recent projects")
						return err
					}
					rows := make([][]string, 0, len(recents.Items))
					for _, p := range recents.Items {
						rows = append(rows, []string{p.DisplayName, p.ProjectPath, p.LastOpenedAt})
					}
					return printTable(w, []string{"Name", "Path", "Last Opened"}, rows)
				})
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of projects (engine default when 0)")

	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Start the engine and report supervisor state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.Start(ctx); err != nil {
					return err
				}
				capture, err := c.CaptureStatus(ctx)
				if err != nil {
					return err
				}
				st := c.Status()
				out := struct {
					Engine  client.Status         `json:"engine"`
					Capture *client.CaptureStatus `json:"capture"`
				}{Engine: st, Capture: capture}

				return printResult(cmd.OutOrStdout(), out, func(w io.Writer) error {
					return printFields(w, statusFields(st, capture))
				})
			})
		},
	}
}

func statusFields(st client.Status, capture *client.CaptureStatus) [][2]string {
	fields := [][2]string{
		{"State", string(st.State)},
		{"Engine", st.EnginePath},
		{"Generation", strconv.FormatUint(st.Generation, 10)},
		{"PID", strconv.Itoa(st.PID)},
		{"Pending calls", strconv.Itoa(st.Pending)},
		{"Recent crashes", strconv.Itoa(st.RecentCrashes)},
	}
	if !st.CircuitOpenUntil.IsZero() {
		fields = append(fields, [2]string{"Circuit open until", st.CircuitOpenUntil.Format(time.RFC3339)})
	}
	if capture != nil {
		fields = append(fields,
			[2]string{"Capturing", yesNo(capture.IsRunning)},
			[2]string{"Recording", yesNo(capture.IsRecording)},
			[2]string{"Capture health", capture.Telemetry.Health},
		)
	}
	return fields
}
