package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/cliprelay/internal/ipc"
	"go.klb.dev/cliprelay/internal/relay"
)

// statusReport is what GET /status returns.
type statusReport struct {
	Version string `json:"version"`
	Addr    string `json:"addr"`
	TLS     bool   `json:"tls"`
	relay.Status
}

func newStatusCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sessions connected to the local relay",
		Long: `Asks the relay running on this host, via its IPC socket, for its
connected sessions and abuse-guard state.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runStatus(cmd, v) },
	}

	f := cmd.Flags()
	f.String("socket", ipc.SocketPath(), "IPC socket of the relay")
	f.Bool("json", false, "output raw JSON")
	addConfigFlags(cmd)

	return cmd
}

func runStatus(cmd *cobra.Command, v *viper.Viper) error {
	path := v.GetString("socket")
	if !ipc.IsRunning(path) {
		return fmt.Errorf("no relay listening on %s", path)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	var st statusReport
	if err := ipc.NewClient(path).Status(ctx, &st); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if v.GetBool("json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStatus(out, st, time.Now())
	return nil
}

func printStatus(out io.Writer, st statusReport, now time.Time) {
	w := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Relay:\t%s (%s)\n", st.Addr, st.Version)
	fmt.Fprintf(w, "TLS:\t%t\n", st.TLS)
	fmt.Fprintf(w, "Up:\t%s\n", fmtDuration(now.Sub(st.Started)))
	fmt.Fprintf(w, "Tracked addresses:\t%d\n", st.Guard.TrackedAddrs)
	fmt.Fprintf(w, "Failing addresses:\t%d\n", st.Guard.FailingAddrs)
	if len(st.Guard.Blocked) > 0 {
		fmt.Fprintf(w, "Blocked:\t%v\n", st.Guard.Blocked)
	}
	fmt.Fprintln(w)
	_ = w.Flush()

	if len(st.Sessions) == 0 {
		fmt.Fprintln(out, "No sessions connected.")
		return
	}

	tw := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "USER\tADDR\tCONNECTED\tID\n")
	fmt.Fprintf(tw, "----\t----\t---------\t--\n")
	for _, s := range st.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.User, s.Addr, fmtAge(now, s.Since), s.ID)
	}
	_ = tw.Flush()
}
