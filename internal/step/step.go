// Package step accumulates pass/fail verdicts across the steps of a test run.
// A failed check is logged and recorded; evaluation always continues.
package step

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/kstaniek/go-udstp/internal/logging"
	"github.com/kstaniek/go-udstp/internal/uds"
)

// Failure is one failed check.
type Failure struct {
	Step     int
	Purpose  string
	Expected string
	Actual   string
}

func (f Failure) String() string {
	return fmt.Sprintf("step %d: %s: expected %s, got %s", f.Step, f.Purpose, f.Expected, f.Actual)
}

// Recorder is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	log      *slog.Logger
	checks   int
	failures []Failure
}

// NewRecorder returns a recorder logging to l (nil: logging.L()).
func NewRecorder(l *slog.Logger) *Recorder { return &Recorder{log: logging.Or(l)} }

// Check compares expected and actual and records the outcome. Byte slices are
// compared and printed as hex. It returns whether the check passed.
func (r *Recorder) Check(purpose string, expected, actual any) bool {
	ok := equal(expected, actual)
	r.mu.Lock()
	r.checks++
	n := r.checks
	if !ok {
		r.failures = append(r.failures, Failure{Step: n, Purpose: purpose, Expected: render(expected), Actual: render(actual)})
	}
	r.mu.Unlock()
	if ok {
		r.log.Info("step_pass", "step", n, "purpose", purpose)
	} else {
		r.log.Error("step_fail", "step", n, "purpose", purpose, "expected", render(expected), "actual", render(actual))
	}
	return ok
}

// CheckPrefix passes when the hex text resp starts with expect.
func (r *Recorder) CheckPrefix(purpose, expect, resp string) bool {
	if uds.Match(resp, expect) {
		return r.Check(purpose, true, true)
	}
	return r.Check(purpose, expect+"...", resp)
}

// Result is true when every check so far passed.
func (r *Recorder) Result() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures) == 0
}

// Failures returns a copy of the failed checks.
func (r *Recorder) Failures() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Failure(nil), r.failures...)
}

// Summary is a human readable verdict.
func (r *Recorder) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failures) == 0 {
		return fmt.Sprintf("PASSED (%d checks)", r.checks)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "FAILED (%d of %d checks)", len(r.failures), r.checks)
	for _, f := range r.failures {
		b.WriteString("\n  ")
		b.WriteString(f.String())
	}
	return b.String()
}

func equal(a, b any) bool {
	if ab, ok := a.([]byte); ok {
		if bb, ok := b.([]byte); ok {
			return uds.Hex(ab) == uds.Hex(bb)
		}
	}
	return reflect.DeepEqual(a, b)
}

func render(v any) string {
	switch x := v.(type) {
	case []byte:
		return uds.Hex(x)
	case string:
		return x
	default:
		return fmt.Sprint(v)
	}
}
