// Package gateway drives one upload request through the phase machine:
// Upload -> Validate -> Scan -> Forward -> Respond. Client reads, the
// scan and the forward (including the relay of the backend body) run
// under deadlines; the in-process phases (init, upload and MIME
// validation) have no timer of their own and are bounded only by the
// global deadline checked between phases. Every allocated resource is
// registered for cleanup, and the two external services sit behind
// circuit breakers.
package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/sony/gobreaker/v2"

	"github.com/omalloc/scangate/conf"
	"github.com/omalloc/scangate/contrib/log"
	"github.com/omalloc/scangate/forward"
	"github.com/omalloc/scangate/icap"
	"github.com/omalloc/scangate/internal/constants"
	"github.com/omalloc/scangate/metrics"
	sgerrors "github.com/omalloc/scangate/pkg/errors"
	"github.com/omalloc/scangate/pkg/mimesniff"
	"github.com/omalloc/scangate/pkg/spool"
	xhttp "github.com/omalloc/scangate/pkg/x/http"
)

// largeSize is the payload threshold that stretches the scan, forward
// and global deadlines 5x.
const largeSize = 100 << 20

const sniffWindow = 1 << 10

const relayBufSize = 32 << 10

type Pipeline struct {
	cfg       *conf.Bootstrap
	scanner   *icap.Client
	forwarder *forward.Forwarder

	icapBreaker    *gobreaker.CircuitBreaker[*icap.Verdict]
	backendBreaker *gobreaker.CircuitBreaker[*http.Response]

	ingestRate  *ratecounter.RateCounter
	forwardRate *ratecounter.RateCounter
}

func New(cfg *conf.Bootstrap, scanner *icap.Client, forwarder *forward.Forwarder) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		scanner:   scanner,
		forwarder: forwarder,
		icapBreaker: gobreaker.NewCircuitBreaker[*icap.Verdict](
			breakerSettings("icap", cfg.Icap.BreakerFailures, cfg.Icap.BreakerRecovery)),
		backendBreaker: gobreaker.NewCircuitBreaker[*http.Response](
			breakerSettings("backend", cfg.Backend.BreakerFailures, cfg.Backend.BreakerRecovery)),
		ingestRate:  ratecounter.NewRateCounter(time.Second),
		forwardRate: ratecounter.NewRateCounter(time.Second),
	}
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, metric := metrics.WithRequestMetric(r)
	ctx := log.WithRequestID(req.Context(), metric.RequestID)
	req = req.WithContext(ctx)

	rec := xhttp.NewResponseRecorder(w)
	cleanup := newCleanupList()
	tracker := newTracker()

	var outcome *sgerrors.Error
	defer func() {
		cleanup.Run(ctx)
		p.finish(ctx, metric, tracker, rec, outcome)
	}()

	if err := p.run(rec, req, metric, cleanup, tracker); err != nil {
		outcome = sgerrors.FromError(err)
		p.writeError(ctx, rec, metric, outcome)
	}
}

func (p *Pipeline) run(w *xhttp.ResponseRecorder, r *http.Request, metric *metrics.RequestMetric, cleanup *cleanupList, tracker *Tracker) error {
	endPhase := p.startPhase(metric, "upload_init")
	if r.Method != http.MethodPost {
		endPhase()
		return sgerrors.New(sgerrors.KindUpload, "only POST uploads are accepted")
	}
	sp := spool.New(p.cfg.Upload.TempDir, p.cfg.Upload.MemoryThreshold, p.cfg.Upload.MaxFileSize)
	spoolID := tracker.Track(ResourceSpool, 0, nil)
	cleanup.Add("clear_buffer", priorityClearBuffer, sp.Clear)
	cleanup.Add("drop_tracker", priorityDropTracker, tracker.ReleaseAll)
	endPhase()

	endPhase = p.startPhase(metric, "upload_stream")
	part, err := ingest(w, r, sp, ingestConfig{
		chunkSize:   p.cfg.Upload.ChunkSize,
		readTimeout: p.cfg.Upload.Timeout,
	}, metric)
	endPhase()
	if err != nil {
		return err
	}

	stats := sp.Stats()
	tracker.Touch(spoolID, stats.MemorySize)
	metric.ObserveMemory(stats.MemorySize)
	p.ingestRate.Incr(stats.TotalSize)
	log.Context(r.Context()).Debugf("upload buffered: file=%q size=%d mode=%s", part.Filename, stats.TotalSize, stats.Mode)

	if err := p.checkGlobalDeadline(metric, stats.TotalSize); err != nil {
		return err
	}

	endPhase = p.startPhase(metric, "upload_validate")
	err = p.validateUpload(part, stats)
	endPhase()
	if err != nil {
		return err
	}

	if p.cfg.Upload.CheckMimeType {
		endPhase = p.startPhase(metric, "mime_validate")
		err = p.validateMime(r.Context(), sp, part)
		endPhase()
		if err != nil {
			return err
		}
	}

	if err := p.checkGlobalDeadline(metric, stats.TotalSize); err != nil {
		return err
	}

	endPhase = p.startPhase(metric, "icap_scan")
	err = p.scan(r.Context(), sp, cleanup, tracker, stats.TotalSize)
	endPhase()
	if err != nil {
		return err
	}

	if err := p.checkGlobalDeadline(metric, stats.TotalSize); err != nil {
		return err
	}

	endPhase = p.startPhase(metric, "backend_forward")
	resp, err := p.forward(r, sp, part, tracker, stats.TotalSize, metric)
	endPhase()
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	endPhase = p.startPhase(metric, "response")
	defer endPhase()
	return p.relay(r.Context(), w, resp, metric)
}

func (p *Pipeline) validateUpload(part *partContext, stats spool.Stats) error {
	if stats.TotalSize == 0 {
		return sgerrors.New(sgerrors.KindValidation, "uploaded file is empty")
	}
	if part.Filename == "" {
		return sgerrors.New(sgerrors.KindValidation, "file part has no filename")
	}

	allowed := p.cfg.Upload.AllowedList()
	if len(allowed) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(part.Filename))
	if !slices.Contains(allowed, ext) {
		return sgerrors.Newf(sgerrors.KindExtension, "file extension %q is not allowed", ext)
	}
	return nil
}

func (p *Pipeline) validateMime(ctx context.Context, sp *spool.Spool, part *partContext) error {
	head, err := sp.Preview(sniffWindow)
	if err != nil {
		return sgerrors.New(sgerrors.KindInternal, "reading detection preview failed").WithCause(err)
	}

	result := mimesniff.Sniff(ctx, head, part.Filename, true)
	sp.DetectedType = result.MIME
	sp.DetectMethod = result.Method

	declared := part.DeclaredType
	if declared == "" {
		declared = "application/octet-stream"
	}

	ok, reason := mimesniff.Validate(result.MIME, declared)
	log.Context(ctx).Debugf("mime check: detected=%s method=%s declared=%s reason=%s", result.MIME, result.Method, declared, reason)
	if !ok {
		return sgerrors.Newf(sgerrors.KindMime, "declared type %q does not match detected %q", declared, result.MIME)
	}
	return nil
}

func (p *Pipeline) scan(ctx context.Context, sp *spool.Spool, cleanup *cleanupList, tracker *Tracker, total int64) error {
	timeout := p.cfg.Icap.ScanTimeout
	if total > largeSize {
		timeout *= 5
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	verdict, err := p.icapBreaker.Execute(func() (*icap.Verdict, error) {
		return p.scanner.Scan(ctx, sp, func(c io.Closer) {
			id := tracker.Track(ResourceSocket, 0, c)
			cleanup.Add("close_icap_socket", priorityCloseIcapSocket, func() error {
				return tracker.Release(id)
			})
		})
	})
	if err != nil {
		switch {
		case isBreakerOpen(err):
			return sgerrors.New(sgerrors.KindUnavailable, "virus scanner temporarily unavailable").WithCause(err)
		case isDeadline(ctx, err):
			return sgerrors.New(sgerrors.KindTimeout, "virus scan timed out").WithCause(err)
		default:
			return sgerrors.New(sgerrors.KindIcapConnection, "virus scanner unreachable").WithCause(err)
		}
	}

	switch {
	case verdict.Clean():
		return nil
	case verdict.Kind == icap.VerdictBlocked && verdict.IsSizeLimit &&
		strings.EqualFold(p.cfg.Icap.LimitsExceeded, "allow"):
		log.Context(ctx).Warnf("scanner size limit exceeded, configured to pass through: %s", verdict.Message)
		return nil
	case verdict.Kind == icap.VerdictBlocked:
		return sgerrors.Newf(sgerrors.KindIcapScan, "upload blocked by scanner: %s", verdict.Message)
	default:
		// conservative: an unreadable scanner answer never passes
		return sgerrors.Newf(sgerrors.KindIcapScan, "scanner protocol error: %s", verdict.Detail)
	}
}

func (p *Pipeline) forward(r *http.Request, sp *spool.Spool, part *partContext, tracker *Tracker, total int64, metric *metrics.RequestMetric) (*http.Response, error) {
	timeout := p.cfg.Backend.ForwardTimeout
	if total > largeSize {
		timeout *= 5
	}
	// relay reads resp.Body after this returns, so the context must
	// outlive the call; it ends with the request or at the timeout
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	context.AfterFunc(r.Context(), cancel)

	info := connInfo(r)
	resp, err := p.backendBreaker.Execute(func() (*http.Response, error) {
		return p.forwarder.Forward(ctx, r, sp, part.RawHeaders, info, func(n int) {
			metric.AddBytesOut(int64(n))
			metric.IncOps()
			p.forwardRate.Incr(int64(n))
		})
	})
	if err != nil {
		switch {
		case isBreakerOpen(err):
			return nil, sgerrors.New(sgerrors.KindUnavailable, "backend temporarily unavailable").WithCause(err)
		case isDeadline(ctx, err):
			return nil, sgerrors.New(sgerrors.KindTimeout, "backend forward timed out").WithCause(err)
		default:
			return nil, sgerrors.New(sgerrors.KindBackend, "backend request failed").WithCause(err)
		}
	}

	tracker.Track(ResourceSocket, 0, resp.Body)
	return resp, nil
}

// relay copies the backend response to the client unchanged, minus
// hop-by-hop headers.
func (p *Pipeline) relay(ctx context.Context, w *xhttp.ResponseRecorder, resp *http.Response, metric *metrics.RequestMetric) error {
	xhttp.CopyHeadersWithoutHopByHop(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	buf := make([]byte, relayBufSize)
	if _, err := io.CopyBuffer(w, resp.Body, buf); err != nil {
		// headers are out, nothing to send to the client anymore
		log.Context(ctx).Errorf("relaying backend response failed: %v", err)
	}
	return nil
}

func (p *Pipeline) checkGlobalDeadline(metric *metrics.RequestMetric, total int64) error {
	limit := p.cfg.Upload.GlobalTimeout
	if limit <= 0 {
		return nil
	}
	if total > largeSize {
		limit *= 5
	}
	if metric.Elapsed() > limit {
		return sgerrors.New(sgerrors.KindTimeout, "request exceeded the global deadline")
	}
	return nil
}

func (p *Pipeline) startPhase(metric *metrics.RequestMetric, name string) func() {
	metric.SetPhase(name)
	start := time.Now()
	return func() {
		phaseSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

func (p *Pipeline) writeError(ctx context.Context, w *xhttp.ResponseRecorder, metric *metrics.RequestMetric, e *sgerrors.Error) {
	log.Context(ctx).Errorf("request failed in %s: %v", metric.Phase(), e)

	if w.Written() {
		return
	}

	h := w.Header()
	for k, vv := range e.Headers {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	h.Set("Content-Type", "text/plain")
	h.Set(constants.ProtocolRequestIDKey, metric.RequestID)
	h.Set(constants.ProtocolErrorTypeKey, string(e.Kind))
	w.WriteHeader(e.Code)
	_, _ = w.Write([]byte(e.Message + "\n"))
}

func (p *Pipeline) finish(ctx context.Context, metric *metrics.RequestMetric, tracker *Tracker, rec *xhttp.ResponseRecorder, outcome *sgerrors.Error) {
	errType := ""
	if outcome != nil {
		errType = string(outcome.Kind)
	}
	requestsTotal.WithLabelValues(strconv.Itoa(rec.Status()), errType).Inc()

	peak := metric.PeakMemory()
	if ts := tracker.Stats(); ts.PeakMemory > peak {
		peak = ts.PeakMemory
	}

	log.Context(ctx).Infof(
		"request done phase=%s code=%d duration=%s bytes_in=%d bytes_out=%d ops=%d peak_memory=%d error=%q",
		metric.Phase(), rec.Status(), metric.Elapsed().Round(time.Millisecond),
		metric.BytesIn(), metric.BytesOut(), metric.Ops(), peak, errType,
	)
}

func connInfo(r *http.Request) forward.ConnInfo {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}

	port := "80"
	if proto == "https" {
		port = "443"
	}
	if _, hostPort, err := net.SplitHostPort(r.Host); err == nil {
		port = hostPort
	}

	return forward.ConnInfo{
		RemoteIP: ip,
		Proto:    proto,
		Host:     r.Host,
		Port:     port,
	}
}

func isDeadline(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
