// Command tunnelrelay runs the reverse-tunnel relay daemon.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/wingmanux/tunnelrelay/pkg/logging"
	"github.com/wingmanux/tunnelrelay/pkg/must"
	"github.com/wingmanux/tunnelrelay/pkg/version"
)

func init() {
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		color.NoColor = true
	}
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "tunnelrelay",
		Short: "tunnelrelay runs the reverse-tunnel relay daemon",
		Run: func(cmd *cobra.Command, args []string) {
			must.CommandHelp(cmd, logging.RootLogger)
		},
	}

	cobra.EnableCommandSorting = false
	cobra.MousetrapHelpText = ""

	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	}
}
