package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-udstp/internal/broker"
	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/cnl"
	"github.com/kstaniek/go-udstp/internal/hub"
	"github.com/kstaniek/go-udstp/internal/logging"
)

func startBridge(t *testing.T, opts ...ServerOption) (*broker.Broker, *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := broker.NewLoopback(ctx, broker.WithLogger(logging.Discard()))
	opts = append([]ServerOption{WithListenAddr("127.0.0.1:0"), WithLogger(logging.Discard())}, opts...)
	srv := NewServer(b, opts...)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("serve: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		_ = b.Close()
	})
	return b, srv
}

func dial(t *testing.T, srv *Server) *cnl.Conn {
	t.Helper()
	c, err := cnl.Dial(context.Background(), srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients: got %d want %d", srv.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, c *cnl.Conn) can.Frame {
	t.Helper()
	type res struct {
		fr  can.Frame
		err error
	}
	ch := make(chan res, 1)
	go func() {
		var fr can.Frame
		err := c.ReadFrame(&fr)
		ch <- res{fr, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("read: %v", r.err)
		}
		return r.fr
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from bridge")
		return can.Frame{}
	}
}

func TestBridgeForwardsBetweenClientsAndBus(t *testing.T) {
	b, srv := startBridge(t)
	sub := b.Attach(hub.ByID(0x7E0), 16)
	defer b.Detach(sub)

	a := dial(t, srv)
	c := dial(t, srv)
	waitClients(t, srv, 2)

	req, _ := can.New(0x7E0, []byte{0x02, 0x10, 0x03})
	if err := a.WriteFrame(req); err != nil {
		t.Fatal(err)
	}
	// the other client and local subscribers see it
	if got := readFrame(t, c); got.ID() != 0x7E0 || got.Hex() != "021003" {
		t.Fatalf("client c got %s", got)
	}
	select {
	case got := <-sub.Out:
		if got.Hex() != "021003" {
			t.Fatalf("bus got %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bus subscriber missed the frame")
	}

	// a is not handed its own frame: the next thing it reads is c's reply
	resp, _ := can.New(0x7E8, []byte{0x02, 0x50, 0x03})
	if err := c.WriteFrame(resp); err != nil {
		t.Fatal(err)
	}
	if got := readFrame(t, a); got.ID() != 0x7E8 {
		t.Fatalf("client a got %s, want the 0x7E8 reply", got)
	}

	// frames originating on the bus reach every client
	local, _ := can.New(0x123, []byte{0xAA})
	if err := b.SendFrame(local); err != nil {
		t.Fatal(err)
	}
	if got := readFrame(t, a); got.ID() != 0x123 {
		t.Fatalf("client a got %s", got)
	}
	// c skips the echo of its own reply
	if got := readFrame(t, c); got.ID() != 0x123 {
		t.Fatalf("client c got %s", got)
	}
}

func TestBridgeMaxClients(t *testing.T) {
	_, srv := startBridge(t, WithMaxClients(1))
	dial(t, srv)
	waitClients(t, srv, 1)

	extra := dial(t, srv)
	var fr can.Frame
	done := make(chan error, 1)
	go func() { done <- extra.ReadFrame(&fr) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected rejected client to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rejected client was not closed")
	}
	if srv.Clients() != 1 {
		t.Fatalf("clients: %d", srv.Clients())
	}
}

func TestBridgeHandshakeFailure(t *testing.T) {
	_, srv := startBridge(t, WithHandshakeTimeout(200*time.Millisecond))
	nc, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	_, _ = nc.Write([]byte("NOT_CANNELLONI"))
	select {
	case err := <-srv.Errors():
		if err == nil {
			t.Fatal("nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake failure not reported")
	}
	if !errors.Is(srv.LastError(), ErrHandshake) {
		t.Fatalf("last error: %v", srv.LastError())
	}
	if srv.totalHandshakeFail.Load() != 1 {
		t.Fatalf("handshake failures: %d", srv.totalHandshakeFail.Load())
	}
	if srv.Clients() != 0 {
		t.Fatalf("clients: %d", srv.Clients())
	}
}

func TestBridgeDisconnectDetaches(t *testing.T) {
	b, srv := startBridge(t)
	c := dial(t, srv)
	waitClients(t, srv, 1)
	if b.Subscribers() != 1 {
		t.Fatalf("subscribers: %d", b.Subscribers())
	}
	_ = c.Close()
	waitClients(t, srv, 0)
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers after disconnect: %d", b.Subscribers())
	}
}
