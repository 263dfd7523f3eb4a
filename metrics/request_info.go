package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omalloc/scangate/internal/constants"
)

type requestMetricKey struct{}

// RequestMetric is the per-request bookkeeping record carried in the
// request context. It feeds the terminal log line, the error response
// headers and the prometheus collectors.
type RequestMetric struct {
	StartAt    time.Time
	RequestID  string
	RemoteAddr string

	phase      atomic.Value // string
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
	ops        atomic.Int64
	peakMemory atomic.Int64
}

func WithRequestMetric(req *http.Request) (*http.Request, *RequestMetric) {
	metric := &RequestMetric{
		StartAt:    time.Now(),
		RequestID:  MustParseRequestID(req.Header),
		RemoteAddr: req.RemoteAddr,
	}
	metric.phase.Store("upload_init")
	return req.WithContext(newContext(req.Context(), metric)), metric
}

func FromContext(ctx context.Context) *RequestMetric {
	if v, ok := ctx.Value(requestMetricKey{}).(*RequestMetric); ok {
		return v
	}
	return &RequestMetric{StartAt: time.Now()}
}

func newContext(ctx context.Context, metric *RequestMetric) context.Context {
	return context.WithValue(ctx, requestMetricKey{}, metric)
}

func MustParseRequestID(h http.Header) string {
	id := h.Get(constants.ProtocolRequestIDKey)
	// protocol request id header not found, generate a new one
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func (m *RequestMetric) SetPhase(phase string) { m.phase.Store(phase) }

func (m *RequestMetric) Phase() string {
	if v, ok := m.phase.Load().(string); ok {
		return v
	}
	return ""
}

func (m *RequestMetric) AddBytesIn(n int64)  { m.bytesIn.Add(n) }
func (m *RequestMetric) AddBytesOut(n int64) { m.bytesOut.Add(n) }
func (m *RequestMetric) IncOps()             { m.ops.Add(1) }

func (m *RequestMetric) BytesIn() int64  { return m.bytesIn.Load() }
func (m *RequestMetric) BytesOut() int64 { return m.bytesOut.Load() }
func (m *RequestMetric) Ops() int64      { return m.ops.Load() }

// ObserveMemory keeps the high-water mark of resident request memory.
func (m *RequestMetric) ObserveMemory(n int64) {
	for {
		cur := m.peakMemory.Load()
		if n <= cur || m.peakMemory.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (m *RequestMetric) PeakMemory() int64 { return m.peakMemory.Load() }

func (m *RequestMetric) Elapsed() time.Duration { return time.Since(m.StartAt) }
