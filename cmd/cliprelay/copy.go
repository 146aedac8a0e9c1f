package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/cliprelay/internal/ipc"
)

// copyResult is what POST /copy returns.
type copyResult struct {
	Delivered int      `json:"delivered"`
	Evicted   []string `json:"evicted,omitempty"`
}

func newCopyCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Send stdin to every session of the local relay (like pbcopy)",
		Long: `Reads stdin and publishes it as a text update to every session connected
to the relay running on this host, via its IPC socket. The update appears as
coming from "relay".`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runCopy(cmd, v) },
	}

	f := cmd.Flags()
	f.String("socket", ipc.SocketPath(), "IPC socket of the relay")
	f.BoolP("quiet", "q", false, "do not report how many sessions received the text")
	addConfigFlags(cmd)

	return cmd
}

func runCopy(cmd *cobra.Command, v *viper.Viper) error {
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	path := v.GetString("socket")
	if !ipc.IsRunning(path) {
		return fmt.Errorf("no relay listening on %s", path)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	var res copyResult
	if err := ipc.NewClient(path).Copy(ctx, string(data), &res); err != nil {
		return err
	}
	if !v.GetBool("quiet") {
		fmt.Fprintf(cmd.ErrOrStderr(), "delivered to %d session(s)\n", res.Delivered)
	}
	return nil
}
