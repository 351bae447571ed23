// Package cli wires the acp-bridge command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for acp-bridge.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "acp-bridge",
		Short: "acp-bridge — WebSocket bridge between browsers and local ACP agents",
		Long:  "acp-bridge spawns agent subprocesses speaking newline-delimited JSON-RPC, persists their session transcripts, and serves them to browsers over a WebSocket JSON-RPC API.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("acp-bridge", version)
		},
	}
}
