package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/guerillaglass/glassengine/pkg/client"
	"github.com/guerillaglass/glassengine/pkg/protocol"
)

func newVersionCommand(info buildInfo) *cobra.Command {
	var withEngine bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := struct {
				buildInfo
				Protocol string             `json:"protocol"`
				Engine   *client.PingResult `json:"engine,omitempty"`
			}{buildInfo: info, Protocol: protocol.ProtocolVersion}

			if withEngine {
				err := withClient(cmd, func(ctx context.Context, c *client.Client) error {
					res, err := c.Ping(ctx)
					out.Engine = res
					return err
				})
				if err != nil {
					return err
				}
			}

			return printResult(cmd.OutOrStdout(), out, func(w io.Writer) error {
				if _, err := fmt.Fprintf(w, "glassctl %s (commit: %s, built: %s, protocol %s)\n",
					info.Version, info.Commit, info.BuildDate, protocol.ProtocolVersion); err != nil {
					return err
				}
				if out.Engine != nil {
					_, err := fmt.Fprintf(w, "%s %s (protocol %s, %s)\n",
						out.Engine.App, out.Engine.EngineVersion, out.Engine.ProtocolVersion, out.Engine.Platform)
					return err
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&withEngine, "engine-version", false, "also start the engine and report its version")

	return cmd
}
