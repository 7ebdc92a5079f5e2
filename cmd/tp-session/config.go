package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type appConfig struct {
	backend         string
	canIf           string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	brokerAddr      string
	handshakeTO     time.Duration
	mdnsTimeout     time.Duration
	profile         string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	logMetricsEvery time.Duration
	fcTimeout       time.Duration
	padding         uint8
}

func defaultConfig() *appConfig {
	return &appConfig{
		backend:      "socketcan",
		canIf:        "can0",
		serialDev:    "/dev/ttyUSB0",
		baud:         115200,
		serialReadTO: 50 * time.Millisecond,
		handshakeTO:  3 * time.Second,
		mdnsTimeout:  3 * time.Second,
		logFormat:    "text",
		logLevel:     "info",
		hubBuffer:    512,
		fcTimeout:    time.Second,
	}
}

// registerFlags binds the persistent flags shared by every subcommand.
func (c *appConfig) registerFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.backend, "backend", c.backend, "CAN backend: socketcan|serial|cannelloni|sim")
	fs.StringVar(&c.canIf, "can-if", c.canIf, "SocketCAN interface (when --backend=socketcan)")
	fs.StringVar(&c.serialDev, "serial", c.serialDev, "Serial device path (when --backend=serial)")
	fs.IntVar(&c.baud, "baud", c.baud, "Serial baud rate")
	fs.DurationVar(&c.serialReadTO, "serial-read-timeout", c.serialReadTO, "Serial read timeout")
	fs.StringVar(&c.brokerAddr, "broker-addr", c.brokerAddr, "Cannelloni broker host:port, or \"mdns\" to discover one")
	fs.DurationVar(&c.handshakeTO, "handshake-timeout", c.handshakeTO, "Cannelloni handshake timeout")
	fs.DurationVar(&c.mdnsTimeout, "mdns-timeout", c.mdnsTimeout, "How long to browse mDNS for brokers")
	fs.StringVarP(&c.profile, "profile", "p", c.profile, "Session profile (YAML)")
	fs.StringVar(&c.logFormat, "log-format", c.logFormat, "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", c.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.metricsAddr, "metrics-addr", c.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&c.hubBuffer, "hub-buffer", c.hubBuffer, "Per-subscriber queue (frames)")
	fs.DurationVar(&c.logMetricsEvery, "log-metrics-interval", c.logMetricsEvery, "If >0, periodically log metrics counters")
	fs.DurationVar(&c.fcTimeout, "fc-timeout", c.fcTimeout, "How long a segmented send waits for flow control (N_Bs)")
	fs.Uint8Var(&c.padding, "padding", c.padding, "Byte used to pad frames to 8 bytes")
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or connections, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan", "serial", "sim":
	case "cannelloni":
		if c.brokerAddr == "" {
			return errors.New("broker-addr is required for the cannelloni backend")
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.mdnsTimeout <= 0 {
		return fmt.Errorf("mdns-timeout must be > 0")
	}
	if c.fcTimeout <= 0 {
		return fmt.Errorf("fc-timeout must be > 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps TP_SESSION_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	str := func(flag, key string, dst *string) {
		if _, ok := set[flag]; ok {
			return
		}
		if v, ok := get(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(flag, key string, dst *int) {
		if _, ok := set[flag]; ok {
			return
		}
		if v, ok := get(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			} else if err != nil {
				fail(key, err)
			}
		}
	}
	dur := func(flag, key string, dst *time.Duration) {
		if _, ok := set[flag]; ok {
			return
		}
		if v, ok := get(key); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				*dst = d
			} else if err != nil {
				fail(key, err)
			}
		}
	}

	str("backend", "TP_SESSION_BACKEND", &c.backend)
	str("can-if", "TP_SESSION_IF", &c.canIf)
	str("serial", "TP_SESSION_SERIAL", &c.serialDev)
	num("baud", "TP_SESSION_BAUD", &c.baud)
	dur("serial-read-timeout", "TP_SESSION_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("broker-addr", "TP_SESSION_BROKER", &c.brokerAddr)
	dur("handshake-timeout", "TP_SESSION_HANDSHAKE_TIMEOUT", &c.handshakeTO)
	dur("mdns-timeout", "TP_SESSION_MDNS_TIMEOUT", &c.mdnsTimeout)
	str("profile", "TP_SESSION_PROFILE", &c.profile)
	str("log-format", "TP_SESSION_LOG_FORMAT", &c.logFormat)
	str("log-level", "TP_SESSION_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("TP_SESSION_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	num("hub-buffer", "TP_SESSION_HUB_BUFFER", &c.hubBuffer)
	dur("log-metrics-interval", "TP_SESSION_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	dur("fc-timeout", "TP_SESSION_FC_TIMEOUT", &c.fcTimeout)
	if _, ok := set["padding"]; !ok {
		if v, ok := get("TP_SESSION_PADDING"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 0, 8); err == nil {
				c.padding = uint8(n)
			} else {
				fail("TP_SESSION_PADDING", err)
			}
		}
	}
	return firstErr
}

// changedFlags collects the flags set on the command line so they win over
// the environment.
func changedFlags(fs *pflag.FlagSet) map[string]struct{} {
	set := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { set[f.Name] = struct{}{} })
	return set
}
