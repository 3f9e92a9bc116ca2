// Package metrics defines and registers the Prometheus counters and
// histograms for the protocol engines and the reactor, plus the
// per-request tracking value carried on a request's context. The engine
// package does not update these metrics itself.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/omalloc/originfetch/internal/constants"
)

type requestMetricKey struct{}

// RequestMetric tracks one client request end to end, from its arrival
// to the bytes ultimately relayed to the client.
type RequestMetric struct {
	StartAt     time.Time
	RequestID   string
	RecvBytes   uint64
	SentBytes   uint64
	CacheKey    string
	CacheStatus string
	RemoteAddr  string
}

func WithRequestMetric(req *http.Request) (*http.Request, *RequestMetric) {
	metric := &RequestMetric{
		StartAt:   time.Now(),
		RequestID: MustParseRequestID(req.Header),
	}
	return req.WithContext(newContext(req.Context(), metric)), metric
}

func FromContext(ctx context.Context) *RequestMetric {
	if v, ok := ctx.Value(requestMetricKey{}).(*RequestMetric); ok {
		return v
	}
	return &RequestMetric{}
}

func newContext(ctx context.Context, metric *RequestMetric) context.Context {
	return context.WithValue(ctx, requestMetricKey{}, metric)
}

func MustParseRequestID(h http.Header) string {
	if id := h.Get(constants.ProtocolRequestIDKey); id != "" {
		return id
	}
	return uuid.NewString()
}

const namespace = "originfetch"

var (
	// CacheResultTotal counts every resolved Response by its kind: hit
	// (304/static complete), miss (200), partial (206), blind, not-found.
	CacheResultTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_result_total",
		Help:      "Count of engine responses by cache result.",
	}, []string{"protocol", "result"})

	// BytesRelayedTotal counts bytes an engine has streamed to the
	// client, by protocol.
	BytesRelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_relayed_total",
		Help:      "Bytes relayed to clients, by protocol.",
	}, []string{"protocol"})

	// FtpPassiveModeTotal counts whether an FtpEngine negotiated its data
	// channel via EPSV (IPv6 control channel) or PASV (IPv4).
	FtpPassiveModeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ftp_passive_mode_total",
		Help:      "FTP data channel negotiations by mode (epsv/pasv).",
	}, []string{"mode"})

	// ResumeRefusedTotal counts origin refusals of a resume attempt
	// (HTTP 403/416, FTP REST rejected).
	ResumeRefusedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resume_refused_total",
		Help:      "Resume attempts refused by the origin.",
	}, []string{"protocol"})

	// EngineErrorsTotal counts errors surfaced by an engine, by kind.
	EngineErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "engine_errors_total",
		Help:      "Engine errors by protocol and error kind.",
	}, []string{"protocol", "kind"})

	// RequestDuration observes wall-clock time from request arrival to
	// Response selection.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Time to select a Response, by protocol.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"protocol"})
)

func init() {
	prometheus.MustRegister(
		CacheResultTotal,
		BytesRelayedTotal,
		FtpPassiveModeTotal,
		ResumeRefusedTotal,
		EngineErrorsTotal,
		RequestDuration,
	)
}
