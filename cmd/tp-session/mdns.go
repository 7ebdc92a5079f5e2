package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType is the service cannelloni brokers (can-server and
// tp-session serve) advertise.
const mdnsServiceType = "_can-server._tcp"

var errNoBroker = errors.New("no broker found via mDNS")

// startMDNS registers the bridge via mDNS and returns a cleanup function.
func startMDNS(ctx context.Context, name, backend string, port int) (func(), error) {
	instance := name
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("tp-session-%s", host)
	}
	meta := []string{
		"backend=" + backend,
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}

// brokerEntry is one advertised broker.
type brokerEntry struct {
	Instance string
	Host     string
	Addr     string
	Text     []string
}

// browseFn allows tests to replace the mDNS browse.
var browseFn = browseMDNS

func browseMDNS(ctx context.Context, timeout time.Duration) ([]brokerEntry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, mdnsServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	var out []brokerEntry
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return sortEntries(out), nil
			}
			if be, ok := toBrokerEntry(e); ok {
				out = append(out, be)
			}
		case <-ctx.Done():
			return sortEntries(out), nil
		}
	}
}

func toBrokerEntry(e *zeroconf.ServiceEntry) (brokerEntry, bool) {
	if e == nil || e.Port == 0 {
		return brokerEntry{}, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return brokerEntry{}, false
	}
	return brokerEntry{
		Instance: e.Instance,
		Host:     e.HostName,
		Addr:     net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)),
		Text:     e.Text,
	}, true
}

func sortEntries(es []brokerEntry) []brokerEntry {
	sort.Slice(es, func(i, j int) bool { return es[i].Instance < es[j].Instance })
	return es
}

// resolveBroker turns --broker-addr into a dialable address, browsing mDNS
// when it is "mdns".
func resolveBroker(ctx context.Context, cfg *appConfig) (string, error) {
	if cfg.brokerAddr != "mdns" {
		return cfg.brokerAddr, nil
	}
	es, err := browseFn(ctx, cfg.mdnsTimeout)
	if err != nil {
		return "", err
	}
	if len(es) == 0 {
		return "", errNoBroker
	}
	return es[0].Addr, nil
}
