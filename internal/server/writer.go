package server

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/metrics"
)

// startWriter launches the goroutine pushing bus frames to a single client connection.
func (s *Server) startWriter(ctxDone <-chan struct{}, c *conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.dropClient(c)
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]can.Frame, 0, s.batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n := len(batch)
			_, err := s.codec.EncodeTo(c.nc, batch)
			batch = batch[:0]
			if err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return wrap
			}
			metrics.AddBridgeTx(n)
			return nil
		}
		for {
			select {
			case fr := <-c.client.Out:
				if c.isOwnEcho(fr) {
					continue
				}
				batch = append(batch, fr)
				if len(batch) >= s.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-c.client.Closed:
				_ = flush()
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}
