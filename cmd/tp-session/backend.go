package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-udstp/internal/broker"
	"github.com/kstaniek/go-udstp/internal/cnl"
	"github.com/kstaniek/go-udstp/internal/serial"
	"github.com/kstaniek/go-udstp/internal/socketcan"
	"github.com/kstaniek/go-udstp/internal/transport"
)

// Device openers are hooks for tests.
var (
	openSocketCANDevice = func(iface string) (transport.Device, error) { return socketcan.Open(iface) }
	openSerialDevice    = func(cfg *appConfig) (transport.Device, error) {
		return serial.Open(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	}
	dialBroker = func(ctx context.Context, addr string, cfg *appConfig) (transport.Device, error) {
		return cnl.Dial(ctx, addr, cfg.handshakeTO)
	}
)

// initBroker opens the configured backend and starts a broker on it.
func initBroker(ctx context.Context, cfg *appConfig, l *slog.Logger) (*broker.Broker, error) {
	opts := []broker.Option{broker.WithLogger(l), broker.WithHubBuffer(cfg.hubBuffer)}
	switch cfg.backend {
	case "sim":
		l.Info("backend_open", "backend", "sim")
		return broker.NewLoopback(ctx, opts...), nil
	case "socketcan":
		dev, err := openSocketCANDevice(cfg.canIf)
		if err != nil {
			return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
		}
		l.Info("backend_open", "backend", "socketcan", "if", cfg.canIf)
		return broker.New(ctx, dev, opts...), nil
	case "serial":
		dev, err := openSerialDevice(cfg)
		if err != nil {
			return nil, fmt.Errorf("serial open %s: %w", cfg.serialDev, err)
		}
		l.Info("backend_open", "backend", "serial", "dev", cfg.serialDev, "baud", cfg.baud)
		return broker.New(ctx, dev, opts...), nil
	case "cannelloni":
		addr, err := resolveBroker(ctx, cfg)
		if err != nil {
			return nil, err
		}
		dev, err := dialBroker(ctx, addr, cfg)
		if err != nil {
			return nil, err
		}
		l.Info("backend_open", "backend", "cannelloni", "addr", addr)
		return broker.New(ctx, dev, opts...), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use socketcan|serial|cannelloni|sim)", cfg.backend)
	}
}
