// Package metrics exposes Prometheus collectors for the proxy.
package metrics

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tproxy",
		Name:      "downstream_sessions_active",
		Help:      "Number of connected downstream devices.",
	})

	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tproxy",
		Name:      "downstream_sessions_total",
		Help:      "Total downstream connections accepted.",
	})

	ExtranoncesLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tproxy",
		Name:      "extranonce_prefixes_live",
		Help:      "Number of session extranonce prefixes currently assigned.",
	})

	SharesSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tproxy",
		Name:      "downstream_shares_total",
		Help:      "Downstream mining.submit requests by outcome.",
	}, []string{"result"})

	UpstreamShares = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tproxy",
		Name:      "upstream_shares_total",
		Help:      "Shares acknowledged by the pool by result.",
	}, []string{"result"})

	JobsBroadcast = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tproxy",
		Name:      "jobs_broadcast_total",
		Help:      "Total mining.notify broadcasts.",
	})

	NotifyDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tproxy",
		Name:      "notify_dropped_total",
		Help:      "Notifications dropped for lagging sessions.",
	})

	DifficultyUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tproxy",
		Name:      "vardiff_updates_total",
		Help:      "Total per-device difficulty changes.",
	})

	ChannelHashrate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tproxy",
		Name:      "channel_nominal_hashrate",
		Help:      "Aggregated hashrate reported to the pool in H/s.",
	})

	ChannelDifficulty = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tproxy",
		Name:      "channel_difficulty",
		Help:      "Difficulty of the current upstream channel target.",
	})

	TelemetryDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tproxy",
		Name:      "telemetry_events_dropped_total",
		Help:      "Telemetry events discarded by reason.",
	}, []string{"reason"})
)

// Share outcomes for SharesSubmitted.
const (
	ResultForwarded = "forwarded"
	ResultStale     = "stale"
	ResultInvalid   = "invalid"
	ResultLimited   = "rate_limited"
	ResultAccepted  = "accepted"
	ResultRejected  = "rejected"
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsTotal,
		ExtranoncesLive,
		SharesSubmitted,
		UpstreamShares,
		JobsBroadcast,
		NotifyDropped,
		DifficultyUpdates,
		ChannelHashrate,
		ChannelDifficulty,
		TelemetryDropped,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
