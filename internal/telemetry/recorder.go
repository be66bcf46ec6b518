// Package telemetry ships proxy events to optional external sinks. Recording
// never blocks the mining path: events go through a bounded queue and are
// dropped when it is full or when a sink keeps failing.
package telemetry

import (
	"context"
	"time"

	"github.com/bardlex/tproxy/internal/metrics"
	"github.com/bardlex/tproxy/pkg/circuit"
	"github.com/bardlex/tproxy/pkg/errors"
	"github.com/bardlex/tproxy/pkg/log"
	"github.com/bardlex/tproxy/pkg/retry"
)

// Kind identifies an event.
type Kind string

const (
	KindSessionOpened     Kind = "session_opened"
	KindSessionClosed     Kind = "session_closed"
	KindShareForwarded    Kind = "share_forwarded"
	KindShareAcknowledged Kind = "share_acknowledged"
	KindShareRejected     Kind = "share_rejected"
	KindDifficultyChanged Kind = "difficulty_changed"
	KindChannelUpdated    Kind = "channel_updated"
	KindStatus            Kind = "status"
)

// Event is a single telemetry record. Unused fields are omitted on the wire.
type Event struct {
	Kind       Kind      `json:"kind"`
	Time       time.Time `json:"time"`
	SessionID  string    `json:"session_id,omitempty"`
	Worker     string    `json:"worker,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	ChannelID  uint32    `json:"channel_id,omitempty"`
	JobID      uint32    `json:"job_id,omitempty"`
	Difficulty float64   `json:"difficulty,omitempty"`
	Hashrate   float64   `json:"hashrate,omitempty"`
	Count      uint64    `json:"count,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Sink delivers events to one backend.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev Event) error
	Close() error
}

type sinkRunner struct {
	sink    Sink
	breaker *circuit.Breaker
}

// Recorder fans events out to its sinks from a single background loop.
// A nil *Recorder accepts and discards events.
type Recorder struct {
	queue       chan Event
	sinks       []sinkRunner
	retryConfig *retry.Config
	logger      *log.Logger
	now         func() time.Time
}

// NewRecorder creates a recorder with a queue of queueSize events
func NewRecorder(queueSize int, logger *log.Logger, sinks ...Sink) *Recorder {
	r := &Recorder{
		queue:       make(chan Event, queueSize),
		retryConfig: retry.TelemetryConfig(),
		logger:      logger.WithComponent("telemetry"),
		now:         time.Now,
	}

	for _, s := range sinks {
		cbConfig := &circuit.Config{
			MaxFailures:     5,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange: func(name string, from, to circuit.State) {
				r.logger.Warn("sink circuit changed state", "sink", name, "from", from.String(), "to", to.String())
			},
		}
		r.sinks = append(r.sinks, sinkRunner{sink: s, breaker: circuit.New(s.Name(), cbConfig)})
	}
	return r
}

// Record enqueues ev without blocking.
func (r *Recorder) Record(ev Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = r.now()
	}

	select {
	case r.queue <- ev:
	default:
		metrics.TelemetryDropped.WithLabelValues("overflow").Inc()
	}
}

// Len returns the number of queued events.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	return len(r.queue)
}

// Run delivers queued events until ctx is cancelled, then closes the sinks.
func (r *Recorder) Run(ctx context.Context) error {
	if r == nil {
		<-ctx.Done()
		return nil
	}

	defer r.close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.queue:
			r.deliver(ctx, ev)
		}
	}
}

func (r *Recorder) deliver(ctx context.Context, ev Event) {
	for _, sr := range r.sinks {
		sink := sr.sink
		err := sr.breaker.Execute(ctx, func(ctx context.Context) error {
			return retry.Do(ctx, r.retryConfig, func(ctx context.Context) error {
				if err := sink.Write(ctx, ev); err != nil {
					return errors.Wrap(err, errors.ErrorTypeTelemetry, "sink_write", "failed to write event").
						WithContext("sink", sink.Name()).
						WithContext("kind", string(ev.Kind))
				}
				return nil
			})
		})
		if err != nil && ctx.Err() == nil {
			metrics.TelemetryDropped.WithLabelValues("sink_error").Inc()
			r.logger.WithError(err).Debug("telemetry event dropped", "sink", sink.Name(), "kind", string(ev.Kind))
		}
	}
}

func (r *Recorder) close() {
	for _, sr := range r.sinks {
		if err := sr.sink.Close(); err != nil {
			r.logger.WithError(err).Warn("failed to close sink", "sink", sr.sink.Name())
		}
	}
}

// SinksConfig selects which sinks to build. Empty settings disable a sink.
type SinksConfig struct {
	RedisURL     string
	SessionTTL   time.Duration
	Influx       InfluxConfig
	KafkaBrokers []string
	KafkaTopic   string
}

// NewSinks builds every configured sink. A sink that cannot be reached at
// startup is logged and skipped.
func NewSinks(ctx context.Context, cfg SinksConfig, logger *log.Logger) []Sink {
	var sinks []Sink

	if cfg.RedisURL != "" {
		s, err := NewRedisSink(ctx, cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			logger.WithError(err).Warn("redis sink disabled")
		} else {
			sinks = append(sinks, s)
		}
	}

	if cfg.Influx.URL != "" {
		s, err := NewInfluxSink(ctx, &cfg.Influx)
		if err != nil {
			logger.WithError(err).Warn("influx sink disabled")
		} else {
			sinks = append(sinks, s)
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
	}

	return sinks
}
