package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const hello = "CANNELLONIv1"

// ErrBadHello is returned when the peer greets with anything but the
// cannelloni banner.
var ErrBadHello = errors.New("cannelloni: bad hello")

// expired is a deadline in the past; setting it fails pending I/O at once.
var expired = time.Unix(1, 0)

// Handshake exchanges the banner over c. Both sides send first, so the write
// runs beside the read. The exchange is bounded by timeout and by ctx: a
// cancelled ctx expires the connection deadline and Handshake returns
// ctx.Err().
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(expired) })
	defer stop()

	wrote := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c, hello)
		wrote <- err
	}()
	err := readHello(c)
	if err != nil {
		// a peer that never reads would hold the write until the deadline
		_ = c.SetDeadline(expired)
	}
	if werr := <-wrote; err == nil {
		err = werr
	}
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

func readHello(r io.Reader) error {
	var buf [len(hello)]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	if string(buf[:]) != hello {
		return fmt.Errorf("%w: %q", ErrBadHello, buf[:])
	}
	return nil
}
