package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/guerillaglass/glassengine/pkg/client"
)

func newCallCommand() *cobra.Command {
	var (
		paramsFile string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Send a raw request to the engine",
		Long: `Send one request to the engine and print the JSON result.

Params must be a JSON object. The configured per-method timeout still
applies; --timeout adds a deadline on top of it.`,
		Example: `  # Ping
  glassctl call system.ping

  # Start a window capture
  glassctl call capture.startWindow '{"windowId": 42, "enableMic": false}'

  # Params from a file
  glassctl call export.run --params-file export.json`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := args[0]

			var params json.RawMessage
			switch {
			case len(args) == 2 && paramsFile != "":
				return fmt.Errorf("params given both inline and with --params-file")
			case len(args) == 2:
				params = json.RawMessage(args[1])
			case paramsFile != "":
				data, err := os.ReadFile(paramsFile)
				if err != nil {
					return fmt.Errorf("failed to read params: %w", err)
				}
				params = json.RawMessage(data)
			}

			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}

				result, err := c.Call(ctx, method, params)
				if err != nil {
					if f, ok := client.AsFailure(err); ok && jsonOutput {
						_ = printJSON(cmd.OutOrStdout(), f)
					}
					return err
				}

				var out bytes.Buffer
				if err := json.Indent(&out, result, "", "  "); err != nil {
					return fmt.Errorf("engine returned invalid JSON: %w", err)
				}
				out.WriteByte('\n')
				_, err = out.WriteTo(cmd.OutOrStdout())
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&paramsFile, "params-file", "f", "", "read params JSON from a file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall deadline for the call")

	return cmd
}
