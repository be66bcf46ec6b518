package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxConfig holds InfluxDB connection configuration
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink writes share, difficulty and hashrate points
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink creates a sink after checking server health
func NewInfluxSink(ctx context.Context, cfg *InfluxConfig) (*InfluxSink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(healthCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// Name implements Sink
func (s *InfluxSink) Name() string { return "influx" }

// Write implements Sink
func (s *InfluxSink) Write(ctx context.Context, ev Event) error {
	point := newPoint(ev)
	if point == nil {
		return nil
	}
	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write %s point: %w", ev.Kind, err)
	}
	return nil
}

// Close implements Sink
func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}

// newPoint maps an event to a measurement. Events without a time series
// meaning return nil.
func newPoint(ev Event) *write.Point {
	switch ev.Kind {
	case KindShareForwarded:
		tags := map[string]string{
			"session_id": ev.SessionID,
			"worker":     ev.Worker,
		}
		fields := map[string]interface{}{
			"difficulty": ev.Difficulty,
			"count":      1,
		}
		return write.NewPoint("shares", tags, fields, ev.Time)

	case KindShareAcknowledged, KindShareRejected:
		tags := map[string]string{
			"accepted": fmt.Sprintf("%t", ev.Kind == KindShareAcknowledged),
		}
		fields := map[string]interface{}{
			"count": int64(ev.Count),
		}
		return write.NewPoint("upstream_shares", tags, fields, ev.Time)

	case KindDifficultyChanged:
		tags := map[string]string{
			"session_id": ev.SessionID,
			"worker":     ev.Worker,
		}
		fields := map[string]interface{}{
			"difficulty": ev.Difficulty,
			"hashrate":   ev.Hashrate,
		}
		return write.NewPoint("difficulty", tags, fields, ev.Time)

	case KindChannelUpdated:
		tags := map[string]string{
			"channel_id": fmt.Sprintf("%d", ev.ChannelID),
		}
		fields := map[string]interface{}{
			"hashrate": ev.Hashrate,
		}
		return write.NewPoint("channel_hashrate", tags, fields, ev.Time)

	default:
		return nil
	}
}
