package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/kstaniek/go-udstp/internal/broker"
	"github.com/kstaniek/go-udstp/internal/ecusim"
	"github.com/kstaniek/go-udstp/internal/isotp"
	"github.com/kstaniek/go-udstp/internal/metrics"
	"github.com/kstaniek/go-udstp/internal/profile"
	"github.com/kstaniek/go-udstp/internal/session"
	"github.com/kstaniek/go-udstp/internal/signals"
)

// runtime is what a subcommand works with: the broker on the selected
// backend, the resolved profile and, when requested, a session.
type runtime struct {
	cfg     *appConfig
	log     *slog.Logger
	broker  *broker.Broker
	profile *profile.Resolved
	session *session.Session

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func loadProfile(cfg *appConfig) (*profile.Resolved, error) {
	if cfg.profile == "" {
		p, _ := profile.Parse(nil)
		return p.Resolve()
	}
	p, err := profile.Load(cfg.profile)
	if err != nil {
		return nil, err
	}
	if p.FCTimeout.Duration > 0 {
		cfg.fcTimeout = p.FCTimeout.Duration
	}
	if p.Padding != 0 {
		cfg.padding = p.Padding
	}
	return p.Resolve()
}

// newRuntime opens the backend, starts simulated ECUs for the sim backend
// and, when withSession is set, a session configured from the profile.
func newRuntime(parent context.Context, cfg *appConfig, l *slog.Logger, withSession bool) (*runtime, error) {
	prof, err := loadProfile(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	b, err := initBroker(ctx, cfg, l)
	if err != nil {
		cancel()
		return nil, err
	}
	rt := &runtime{cfg: cfg, log: l, broker: b, profile: prof, cancel: cancel}
	metrics.SetReadinessFunc(func() bool { return b.Ready() && ctx.Err() == nil })

	if cfg.backend == "sim" {
		for _, sim := range prof.Simulators {
			var opts []ecusim.Option
			opts = append(opts, ecusim.WithLogger(l), ecusim.WithPadding(cfg.padding))
			if sim.BlockTimeout > 0 {
				opts = append(opts, ecusim.WithBlockTimeout(sim.BlockTimeout))
			}
			e := ecusim.New(b, sim.Channel.Channel, sim.Handler, opts...)
			done := e.Start(ctx)
			rt.wg.Add(1)
			go func() { defer rt.wg.Done(); <-done }()
			l.Info("simulator_started", "channel", sim.Channel.Channel.String())
		}
	}

	if withSession {
		rt.session = session.New(b,
			session.WithLogger(l),
			session.WithFlowControlTimeout(cfg.fcTimeout),
			session.WithPadding(cfg.padding),
			session.WithSubscriberBuffer(cfg.hubBuffer),
		)
		l.Info("session_started", "session", rt.session.ID().String())
		if err := prof.Configure(rt.session); err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

// Close stops the session, simulators and broker.
func (rt *runtime) Close() {
	if rt.session != nil {
		_ = rt.session.Close()
	}
	rt.cancel()
	rt.wg.Wait()
	_ = rt.broker.Close()
}

// channel resolves a channel argument: a profile channel name or a
// SEND:RECEIVE pair of hex identifiers (e.g. 7E0:7E8).
func (rt *runtime) channel(arg string) (signals.Channel, error) {
	if ch, err := rt.profile.Channel(arg); err == nil {
		return ch.Channel, nil
	}
	send, recv, ok := strings.Cut(arg, ":")
	if !ok {
		return signals.Channel{}, fmt.Errorf("unknown channel %q (use a profile channel or SEND:RECEIVE ids)", arg)
	}
	ns := rt.profile.DB.Namespace()
	s, err := parseSignal(send, ns, "send")
	if err != nil {
		return signals.Channel{}, err
	}
	r, err := parseSignal(recv, ns, "receive")
	if err != nil {
		return signals.Channel{}, err
	}
	ch, err := signals.NewChannel(s, r)
	if err != nil {
		return signals.Channel{}, err
	}
	if rt.session != nil {
		if err := rt.session.Configure(ch, isotp.DefaultFlowControl()); err != nil {
			return signals.Channel{}, err
		}
	}
	return ch, nil
}

// parseSignal turns a hex identifier into an ad hoc signal named after it.
func parseSignal(v, namespace, role string) (signals.Signal, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(v), "0x"), 16, 32)
	if err != nil {
		return signals.Signal{}, fmt.Errorf("%s id %q: %w", role, v, err)
	}
	return signals.Signal{Namespace: namespace, Name: fmt.Sprintf("%X", id), ID: uint32(id), Extended: id > 0x7FF}, nil
}
