package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kstaniek/go-udstp/internal/broker"
	"github.com/kstaniek/go-udstp/internal/can"
	"github.com/kstaniek/go-udstp/internal/metrics"
)

func (s *Server) startReader(ctxDone <-chan struct{}, c *conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.dropClient(c)
		for {
			_ = c.nc.SetReadDeadline(time.Now().Add(s.readDeadline))
			count, err := s.codec.DecodeN(c.nc, 16, func(fr can.Frame) {
				metrics.IncBridgeRx()
				fr.Seq, fr.Timestamp = 0, time.Time{}
				c.sent(fr)
				if err := s.bus.SendFrame(fr); err != nil {
					c.isOwnEcho(fr)
					if errors.Is(err, broker.ErrTxOverflow) {
						s.totalBusOverflow.Add(1)
						c.log.Debug("bus_overflow_drop", "can_id", fmt.Sprintf("0x%X", fr.CANID), "len", fr.Len)
						return
					}
					wrap := fmt.Errorf("%w: %v", ErrBusTx, err)
					s.setError(wrap)
					s.totalBusErrors.Add(1)
					c.log.Error("bus_tx_error", "error", wrap, "can_id", fmt.Sprintf("0x%X", fr.CANID))
				}
			})
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}
