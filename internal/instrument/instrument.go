// Package instrument exports Prometheus metrics of OFTP sessions.
package instrument

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drunlade/go-oftp/oftp"
)

var (
	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oftp_sessions_total",
			Help: "Number of finished sessions",
		},
		[]string{"partner", "role", "result"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oftp_active_sessions",
			Help: "Number of sessions in progress",
		},
	)
	files = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oftp_files_total",
			Help: "Number of files transferred",
		},
		[]string{"partner", "direction"},
	)
	fileBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oftp_file_bytes_total",
			Help: "Number of file bytes transferred",
		},
		[]string{"partner", "direction"},
	)
	fileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oftp_file_duration_seconds",
			Help:    "Time taken by file transfers",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"direction"},
	)
	filesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oftp_files_rejected_total",
			Help: "Number of files refused by either side",
		},
		[]string{"partner", "direction", "reason"},
	)
	endToEnd = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oftp_end_to_end_total",
			Help: "Number of end-to-end responses",
		},
		[]string{"partner", "direction", "positive"},
	)
)

var initOnce sync.Once

// Init registers the metrics with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(sessions, activeSessions, files, fileBytes, fileDuration, filesRejected, endToEnd)
	})
}

// Handler serves the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func direction(inbound bool) string {
	if inbound {
		return "in"
	}
	return "out"
}

// SessionStarted counts a session in progress.
func SessionStarted() {
	activeSessions.Inc()
}

// SessionEnded records the end of a session started with SessionStarted.
func SessionEnded(partner, role string, err error) {
	activeSessions.Dec()
	result := "ok"
	switch {
	case err == nil:
	case oftp.IsTimeout(err):
		result = "timeout"
	case oftp.IsRemoteEnd(err):
		result = "remote"
	default:
		result = "error"
	}
	sessions.WithLabelValues(partner, role, result).Inc()
}

// Callbacks returns session callbacks feeding the metrics and then calling
// next, which may be nil. Files are labelled with the partner announced by
// the start session exchange.
func Callbacks(next *oftp.Callbacks) *oftp.Callbacks {
	if next == nil {
		next = &oftp.Callbacks{}
	}
	var mu sync.Mutex
	partner := "unknown"
	label := func() string {
		mu.Lock()
		defer mu.Unlock()
		return partner
	}

	cb := *next
	cb.OnSessionStart = func(info oftp.SessionInfo) {
		mu.Lock()
		partner = info.RemoteID
		mu.Unlock()
		if next.OnSessionStart != nil {
			next.OnSessionStart(info)
		}
	}
	cb.OnFileComplete = func(id oftp.FileID, n int64, d time.Duration, inbound bool) {
		dir := direction(inbound)
		files.WithLabelValues(label(), dir).Inc()
		fileBytes.WithLabelValues(label(), dir).Add(float64(n))
		fileDuration.WithLabelValues(dir).Observe(d.Seconds())
		if next.OnFileComplete != nil {
			next.OnFileComplete(id, n, d, inbound)
		}
	}
	cb.OnFileRejected = func(id oftp.FileID, reason oftp.AnswerReason, text string, inbound bool) {
		filesRejected.WithLabelValues(label(), direction(inbound), strconv.Itoa(int(reason))).Inc()
		if next.OnFileRejected != nil {
			next.OnFileRejected(id, reason, text, inbound)
		}
	}
	cb.OnEndToEnd = func(e oftp.EndToEnd, inbound bool) {
		endToEnd.WithLabelValues(label(), direction(inbound), strconv.FormatBool(e.Positive())).Inc()
		if next.OnEndToEnd != nil {
			next.OnEndToEnd(e, inbound)
		}
	}
	return &cb
}
