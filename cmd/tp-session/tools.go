package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/kstaniek/go-udstp/internal/capture"
	"github.com/kstaniek/go-udstp/internal/uds"
	"github.com/spf13/cobra"
)

func newDiscoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Browse mDNS for cannelloni brokers.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			es, err := browseFn(a.ctx, a.cfg.mdnsTimeout)
			if err != nil {
				return err
			}
			if len(es) == 0 {
				return errNoBroker
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tADDRESS\tHOST\tTXT")
			for _, e := range es {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Instance, e.Addr, e.Host, strings.Join(e.Text, ","))
			}
			return tw.Flush()
		},
	}
}

func newDumpCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <file>",
		Short: "Print the frames of a CBOR capture.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			rec, err := capture.Read(f)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s started %s", rec.Header.SessionID, rec.Header.Started.Format("2006-01-02 15:04:05.000"))
			if rec.Header.Note != "" {
				fmt.Fprintf(out, " (%s)", rec.Header.Note)
			}
			fmt.Fprintln(out)
			for _, fr := range rec.Frames {
				fmt.Fprintf(out, "%6d  %s  %-32s %8X  %s\n", fr.Seq, fr.Time.Format("15:04:05.000000"), fr.Signal, fr.ID, uds.Hex(fr.Data))
			}
			if err != nil {
				a.log.Warn("capture_truncated", "frames", len(rec.Frames), "error", err)
			}
			return err
		},
	}
}
