// Command tunnelrelayctl is a companion CLI that talks to a running
// tunnelrelay daemon over its local IPC endpoint, exercising the same
// control-plane HTTP handlers the public API exposes.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/wingmanux/tunnelrelay/pkg/daemon"
	"github.com/wingmanux/tunnelrelay/pkg/logging"
	"github.com/wingmanux/tunnelrelay/pkg/must"
)

// dialTimeout bounds how long the CLI waits to connect to the daemon's IPC
// endpoint before reporting it as unreachable.
const dialTimeout = 3 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "tunnelrelayctl",
		Short: "tunnelrelayctl controls a running tunnelrelay daemon",
		Run: func(cmd *cobra.Command, args []string) {
			must.CommandHelp(cmd, logging.RootLogger)
		},
	}

	cobra.EnableCommandSorting = false

	root.AddCommand(newCreateCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newStopCommand())
	root.AddCommand(newWatchCommand())

	return root
}

// ipcClient returns an *http.Client that dials the daemon's IPC endpoint
// for every request, ignoring the request's apparent host.
func ipcClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return daemon.DialTimeout(dialTimeout)
			},
		},
	}
}

func doRequest(method, path string, body interface{}) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("unable to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, "http://daemon"+path, reader)
	if err != nil {
		return nil, fmt.Errorf("unable to construct request: %w", err)
	}

	resp, err := ipcClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to reach daemon (is it running?): %w", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("unable to decode daemon response: %w", err)
	}
	return result, nil
}

func newCreateCommand() *cobra.Command {
	var targetPort int
	command := &cobra.Command{
		Use:   "create",
		Short: "Create a new tunnel for a local port",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := doRequest(http.MethodPost, "/tunnel/create", map[string]interface{}{"targetPort": targetPort})
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	command.Flags().IntVar(&targetPort, "port", 0, "Local port to expose")
	return command
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List active tunnels",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := doRequest(http.MethodGet, "/tunnel/status", nil)
			if err != nil {
				return err
			}
			printHumanSummary(cmd, result)
			return printJSON(cmd, result)
		},
	}
}

// printHumanSummary prints a one-line-per-tunnel summary with relative
// creation times ahead of the full JSON payload.
func printHumanSummary(cmd *cobra.Command, result map[string]interface{}) {
	tunnels, _ := result["tunnels"].([]interface{})
	for _, raw := range tunnels {
		tunnel, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		sessionID, _ := tunnel["sessionId"].(string)
		mode, _ := tunnel["connectionMode"].(string)
		createdAt, _ := tunnel["createdAt"].(string)

		age := "unknown"
		if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			age = humanize.Time(parsed)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tcreated %s\n", sessionID, mode, age)
	}
}

func newStopCommand() *cobra.Command {
	var sessionID string
	command := &cobra.Command{
		Use:   "stop",
		Short: "Stop one tunnel, or all tunnels if --session is omitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := doRequest(http.MethodDelete, "/tunnel/stop", map[string]interface{}{"sessionId": sessionID})
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	command.Flags().StringVar(&sessionID, "session", "", "Session identifier to stop")
	return command
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print tunnel status updates as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			var index float64
			for {
				result, err := doRequest(http.MethodGet, fmt.Sprintf("/tunnel/watch?index=%d", int64(index)), nil)
				if err != nil {
					return err
				}
				printHumanSummary(cmd, result)
				if next, ok := result["index"].(float64); ok {
					index = next
				}
			}
		},
	}
}

func printJSON(cmd *cobra.Command, value interface{}) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("unable to encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}
