package main

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/kstaniek/go-udstp/internal/cnl"
	"github.com/kstaniek/go-udstp/internal/server"
	"github.com/spf13/cobra"
)

type serveConfig struct {
	listenAddr   string
	maxClients   int
	clientReadTO time.Duration
	mdnsEnable   bool
	mdnsName     string
	flushEvery   time.Duration
	batchSize    int
}

// newServeCmd shares the selected backend with cannelloni clients, so other
// testers (or tp-session --backend=cannelloni) can reach the bus.
func newServeCmd(a *app) *cobra.Command {
	sc := serveConfig{listenAddr: ":20000", maxClients: 8, flushEvery: 2 * time.Millisecond, batchSize: 64}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bridge the CAN backend to cannelloni TCP clients.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(a.ctx, a.cfg, a.log, false)
			if err != nil {
				return err
			}
			defer rt.Close()
			srv := server.NewServer(rt.broker,
				server.WithListenAddr(sc.listenAddr),
				server.WithCodec(&cnl.Codec{}),
				server.WithFlushInterval(sc.flushEvery),
				server.WithBatchSize(sc.batchSize),
				server.WithLogger(a.log),
				server.WithMaxClients(sc.maxClients),
				server.WithHandshakeTimeout(a.cfg.handshakeTO),
				server.WithReadDeadline(sc.clientReadTO),
				server.WithClientBuffer(a.cfg.hubBuffer),
			)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(a.ctx) }()

			select {
			case <-srv.Ready():
			case err := <-errCh:
				return err
			}
			if sc.mdnsEnable {
				port := listenPort(srv.Addr())
				cleanup, err := startMDNS(a.ctx, sc.mdnsName, a.cfg.backend, port)
				if err != nil {
					a.log.Warn("mdns_start_failed", "error", err)
				} else {
					a.log.Info("mdns_started", "service", mdnsServiceType, "name", sc.mdnsName, "port", port)
					defer cleanup()
				}
			}

			select {
			case <-a.ctx.Done():
				a.log.Info("shutdown_signal")
			case err := <-errCh:
				if err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&sc.listenAddr, "listen", sc.listenAddr, "TCP listen address")
	fs.IntVar(&sc.maxClients, "max-clients", sc.maxClients, "Maximum concurrent clients (0: unlimited)")
	fs.DurationVar(&sc.clientReadTO, "client-read-timeout", sc.clientReadTO, "Per-client read deadline (0: none)")
	fs.DurationVar(&sc.flushEvery, "flush-interval", sc.flushEvery, "Max time frames wait before a batched write to a client")
	fs.IntVar(&sc.batchSize, "batch-size", sc.batchSize, "Max frames per batched client write")
	fs.BoolVar(&sc.mdnsEnable, "mdns-enable", false, "Advertise the bridge via mDNS")
	fs.StringVar(&sc.mdnsName, "mdns-name", "", "mDNS instance name (default tp-session-<hostname>)")
	return cmd
}

// listenPort extracts the port from a bound host:port address.
func listenPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	return 0
}
