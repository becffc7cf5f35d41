package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zkauth/fsid/common"
	"github.com/zkauth/fsid/common/log"
)

var (
	// PrivateMetrics holds every fsid metric plus the go process collectors.
	PrivateMetrics = prometheus.NewRegistry()

	// ConnectionAttempts counts broker dial attempts by result.
	ConnectionAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_attempts_total",
		Help: "Number of broker connection attempts",
	}, []string{"result"})

	// MessagesPublished counts payloads handed to the broker per channel.
	MessagesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_published_total",
		Help: "Number of messages published to the broker",
	}, []string{"channel"})

	// RoundsCompleted counts prover rounds that reached ResponseSent.
	RoundsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prover_rounds_completed_total",
		Help: "Number of protocol rounds answered by the prover",
	})

	// InvalidChallenges counts challenge payloads discarded by the prover.
	InvalidChallenges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prover_invalid_challenges_total",
		Help: "Number of malformed or out of range challenges received",
	})

	// PollTimeouts counts event loop polls that returned without a message.
	PollTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poll_timeouts_total",
		Help: "Number of event loop polls that elapsed without handling a message",
	}, []string{"role"})

	// RoundDuration measures the time from commitment to response.
	RoundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "prover_round_duration_seconds",
		Help:    "Duration between publishing a commitment and publishing its response",
		Buckets: prometheus.DefBuckets,
	})

	// VerifierRounds counts verified rounds by outcome (pass, fail).
	VerifierRounds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_rounds_total",
		Help: "Number of rounds checked by the verifier",
	}, []string{"outcome"})

	// buildTime emits the timestamp when the binary was built in Unix time.
	buildTime = prometheus.NewUntypedFunc(prometheus.UntypedOpts{
		Name:        "fsid_build_time",
		Help:        "Timestamp when the binary was built in seconds since the Epoch",
		ConstLabels: map[string]string{"build": common.COMMIT, "version": common.GetAppVersion().String()},
	}, func() float64 { return float64(getBuildTimestamp(common.BUILDDATE)) })

	metricsBound sync.Once
)

func bindMetrics(l log.Logger) {
	if err := PrivateMetrics.Register(collectors.NewGoCollector()); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "goCollector", "err", err)
		return
	}
	if err := PrivateMetrics.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "processCollector", "err", err)
		return
	}

	protocol := []prometheus.Collector{
		ConnectionAttempts,
		MessagesPublished,
		RoundsCompleted,
		InvalidChallenges,
		PollTimeouts,
		RoundDuration,
		VerifierRounds,
		buildTime,
	}
	for _, c := range protocol {
		if err := PrivateMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
			return
		}
	}
}

// Start starts a prometheus metrics server. If metricsBind is only a port it
// binds on localhost; port 0 picks an available port.
func Start(logger log.Logger, metricsBind string) net.Listener {
	metricsBound.Do(func() {
		bindMetrics(logger)
	})

	// handle metricsBind being just a port value
	if !strings.Contains(metricsBind, ":") {
		metricsBind = "127.0.0.1:" + metricsBind
	}
	//nolint:noctx
	l, err := net.Listen("tcp", metricsBind)
	if err != nil {
		logger.Warnw("", "metrics", "listen failed", "err", err)
		return nil
	}
	logger.Infow("metric listener started", "addr", l.Addr())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))

	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, _ *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})

	s := http.Server{Addr: l.Addr().String(), ReadHeaderTimeout: 3 * time.Second, Handler: mux}
	go func() {
		logger.Warnw("", "metrics", "listen finished", "err", s.Serve(l))
	}()
	return l
}

func getBuildTimestamp(buildDate string) int64 {
	if buildDate == "" {
		return 0
	}

	layout := "02/01/2006@15:04:05"
	t, err := time.Parse(layout, buildDate)
	if err != nil {
		return 0
	}
	return t.Unix()
}
