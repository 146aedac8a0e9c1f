// cliprelay: shared clipboard over WebSocket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.klb.dev/cliprelay/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cliprelay",
		Short: "Shared clipboard over WebSocket",
		Long: `cliprelay keeps the clipboards of every authenticated user in sync.

Run "cliprelay server" on one reachable host and "cliprelay client" on each
machine. Use "cliprelay status/copy" on the relay host to inspect it or push
text to every connected session.

Config file search order (first found wins):
  /etc/cliprelay/cliprelay.toml
  $HOME/.config/cliprelay/cliprelay.toml
  path supplied via --config

All flags can be set via CLIPRELAY_<FLAG> env vars or config-file keys. A
.env file in the working directory (or --env-file) is loaded first.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServerCmd(),
		newClientCmd(),
		newCopyCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cliprelay %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
func resolveLogging(interactive bool, formatStr, levelStr string) {
	format := logging.ParseFormat(formatStr)
	level := logging.ParseLevel(levelStr)
	if levelStr == "" {
		if interactive {
			level = logging.ParseLevel("debug")
		} else {
			level = logging.ParseLevel("info")
		}
	}
	logging.Setup(format, level)
}
