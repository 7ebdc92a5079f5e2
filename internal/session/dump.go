package session

import (
	"io"
	"sort"

	"github.com/kstaniek/go-udstp/internal/capture"
	"github.com/kstaniek/go-udstp/internal/metrics"
)

// Dump writes every buffered frame, across all signals in broker order, as a
// capture stream to w. It returns the number of frames written.
func (s *Session) Dump(w io.Writer, note string) (int, error) {
	s.mu.Lock()
	bufs := make([]*buffer, 0, len(s.buffers))
	for _, b := range s.buffers {
		bufs = append(bufs, b)
	}
	s.mu.Unlock()

	var all []FrameRecord
	for _, b := range bufs {
		all = append(all, b.snapshot()...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Seq != all[j].Seq {
			return all[i].Seq < all[j].Seq
		}
		return all[i].Time.Before(all[j].Time)
	})

	cw, err := capture.NewWriter(w, capture.Header{SessionID: s.id.String(), Started: s.started, Note: note})
	if err != nil {
		metrics.IncError(metrics.ErrCaptureWrite)
		return 0, err
	}
	for _, f := range all {
		if err := cw.Write(capture.Frame{
			Time:     f.Time,
			Seq:      f.Seq,
			Signal:   f.Signal.Key(),
			ID:       f.Signal.ID,
			Extended: f.Signal.Extended,
			Data:     f.Data,
		}); err != nil {
			metrics.IncError(metrics.ErrCaptureWrite)
			return cw.Count(), err
		}
	}
	return cw.Count(), nil
}
