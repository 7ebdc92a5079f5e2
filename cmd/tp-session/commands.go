package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kstaniek/go-udstp/internal/session"
	"github.com/kstaniek/go-udstp/internal/step"
	"github.com/kstaniek/go-udstp/internal/uds"
	"github.com/spf13/cobra"
)

var errStepFailed = errors.New("step failed")

func newSendCmd(a *app) *cobra.Command {
	var (
		wait    time.Duration
		expect  string
		capture string
	)
	cmd := &cobra.Command{
		Use:   "send <channel> <hex>",
		Short: "Send a request on a channel and print the reassembled responses.",
		Long: "Send a request on a channel and print the reassembled responses.\n" +
			"A channel is a profile channel name or SEND:RECEIVE hex identifiers (e.g. 7E0:7E8).",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := uds.ParseHex(args[1])
			if err != nil {
				return err
			}
			rt, err := newRuntime(a.ctx, a.cfg, a.log, true)
			if err != nil {
				return err
			}
			defer rt.Close()
			ch, err := rt.channel(args[0])
			if err != nil {
				return err
			}
			msgs, err := rt.session.Request(a.ctx, ch, payload, wait)
			if err != nil && !errors.Is(err, session.ErrNoResponse) {
				return err
			}
			if capture != "" {
				if cerr := writeCapture(rt.session, capture, "send "+ch.String()+" "+uds.Hex(payload)); cerr != nil {
					a.log.Warn("capture_write_failed", "error", cerr)
				}
			}
			out := cmd.OutOrStdout()
			printMessages(out, msgs)
			rec := step.NewRecorder(a.log)
			if expect != "" {
				last := ""
				if len(msgs) > 0 {
					last = msgs[len(msgs)-1].Hex()
				}
				rec.CheckPrefix("response to "+uds.Hex(payload), expect, last)
			} else if err != nil {
				return err
			}
			fmt.Fprintln(out, rec.Summary())
			if !rec.Result() {
				return errStepFailed
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "How long to collect responses")
	cmd.Flags().StringVar(&expect, "expect", "", "Hex prefix the final response must start with")
	cmd.Flags().StringVar(&capture, "capture", "", "Write the buffered frames to this CBOR capture file")
	return cmd
}

func newListenCmd(a *app) *cobra.Command {
	var (
		duration time.Duration
		capture  string
	)
	cmd := &cobra.Command{
		Use:   "listen <channel>",
		Short: "Buffer a channel's receive signal and print the messages it carried.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(a.ctx, a.cfg, a.log, true)
			if err != nil {
				return err
			}
			defer rt.Close()
			ch, err := rt.channel(args[0])
			if err != nil {
				return err
			}
			sub, err := rt.session.SubscribeChannel(ch, duration)
			if err != nil {
				return err
			}
			select {
			case <-sub.Done():
			case <-a.ctx.Done():
				rt.session.Unsubscribe(sub)
			}
			if err := sub.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return err
			}
			printMessages(cmd.OutOrStdout(), rt.session.Update(ch.Receive))
			if capture != "" {
				return writeCapture(rt.session, capture, "listen "+ch.String())
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0: until interrupted)")
	cmd.Flags().StringVar(&capture, "capture", "", "Write the buffered frames to this CBOR capture file")
	return cmd
}

func newKeepaliveCmd(a *app) *cobra.Command {
	var (
		duration time.Duration
		tester   []string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "keepalive",
		Short: "Run the profile's periodic senders and tester present tasks.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(a.ctx, a.cfg, a.log, true)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.profile.StartTasks(rt.session); err != nil {
				return err
			}
			for _, name := range tester {
				ch, err := rt.channel(name)
				if err != nil {
					return err
				}
				if err := rt.session.StartTesterPresent(ch, interval); err != nil {
					return err
				}
			}
			if len(rt.session.Periodic()) == 0 {
				return errors.New("no periodic tasks configured")
			}
			ctx := a.ctx
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			<-ctx.Done()
			rt.session.StopPeriodicAll()
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0: until interrupted)")
	cmd.Flags().StringSliceVar(&tester, "tester-present", nil, "Also send TesterPresent on these channels")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "TesterPresent interval")
	return cmd
}

func printMessages(w io.Writer, msgs []session.MessageRecord) {
	for _, m := range msgs {
		kind := "unknown"
		if r, err := uds.Classify(m.Payload); err == nil {
			kind = r.String()
		}
		fmt.Fprintf(w, "%s  %s  (%s)\n", m.Time.Format("15:04:05.000"), m.Hex(), kind)
	}
}

func writeCapture(s *session.Session, path, note string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := s.Dump(f, note); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
