package telemetry

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/tproxy/pkg/log"
)

type fakeSink struct {
	mu       sync.Mutex
	events   []Event
	failures int
	closed   bool
	written  chan struct{}
}

func newFakeSink(failures int) *fakeSink {
	return &fakeSink{failures: failures, written: make(chan struct{}, 100)}
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Write(_ context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return stderrors.New("connection refused")
	}
	f.events = append(f.events, ev)
	f.written <- struct{}{}
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) snapshot() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(Event{Kind: KindStatus})
	if r.Len() != 0 {
		t.Errorf("nil recorder Len() = %d", r.Len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Errorf("nil recorder Run() = %v", err)
	}
}

func TestRecorderDelivers(t *testing.T) {
	sink := newFakeSink(0)
	r := NewRecorder(8, log.Discard(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	r.Record(Event{Kind: KindSessionOpened, SessionID: "1"})
	r.Record(Event{Kind: KindShareForwarded, SessionID: "1", JobID: 7})

	for i := 0; i < 2; i++ {
		select {
		case <-sink.written:
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}

	cancel()
	<-done

	events := sink.snapshot()
	if len(events) != 2 || events[1].JobID != 7 {
		t.Errorf("events = %+v", events)
	}
	if events[0].Time.IsZero() {
		t.Error("Record() did not stamp the event time")
	}
	if !sink.closed {
		t.Error("Run() did not close the sink")
	}
}

func TestRecorderRetriesTransientFailure(t *testing.T) {
	sink := newFakeSink(2)
	r := NewRecorder(8, log.Discard(), sink)

	r.deliver(context.Background(), Event{Kind: KindStatus, Message: "up"})

	if events := sink.snapshot(); len(events) != 1 {
		t.Fatalf("Expected delivery after retries, got %d events", len(events))
	}
}

func TestRecorderDropsOnOverflow(t *testing.T) {
	sink := newFakeSink(0)
	r := NewRecorder(2, log.Discard(), sink)

	for i := 0; i < 10; i++ {
		r.Record(Event{Kind: KindStatus})
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRecorderWithoutSinks(t *testing.T) {
	r := NewRecorder(2, log.Discard())
	r.Record(Event{Kind: KindStatus})
	if r.Len() != 0 {
		t.Errorf("recorder without sinks queued %d events", r.Len())
	}
}

func TestNewPoint(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name        string
		event       Event
		measurement string
	}{
		{"share", Event{Kind: KindShareForwarded, SessionID: "3", Difficulty: 512}, "shares"},
		{"ack", Event{Kind: KindShareAcknowledged, Count: 4}, "upstream_shares"},
		{"reject", Event{Kind: KindShareRejected, Count: 1}, "upstream_shares"},
		{"difficulty", Event{Kind: KindDifficultyChanged, Difficulty: 1024}, "difficulty"},
		{"channel", Event{Kind: KindChannelUpdated, ChannelID: 1, Hashrate: 1e12}, "channel_hashrate"},
		{"status", Event{Kind: KindStatus}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.event.Time = now
			p := newPoint(tt.event)
			if tt.measurement == "" {
				if p != nil {
					t.Errorf("Expected no point, got %s", p.Name())
				}
				return
			}
			if p == nil {
				t.Fatal("newPoint() returned nil")
			}
			if p.Name() != tt.measurement {
				t.Errorf("Name() = %s, want %s", p.Name(), tt.measurement)
			}
			if !p.Time().Equal(now) {
				t.Errorf("Time() = %v, want %v", p.Time(), now)
			}
		})
	}
}

func TestKafkaMessage(t *testing.T) {
	ev := Event{Kind: KindShareForwarded, SessionID: "42", Worker: "rig1", Time: time.Unix(1, 0)}
	msg, err := newKafkaMessage(ev)
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Key) != "42" {
		t.Errorf("Key = %s, want 42", msg.Key)
	}

	var decoded map[string]any
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["kind"] != string(KindShareForwarded) || decoded["worker"] != "rig1" {
		t.Errorf("decoded = %v", decoded)
	}
	if _, ok := decoded["difficulty"]; ok {
		t.Error("zero difficulty should be omitted")
	}

	status, err := newKafkaMessage(Event{Kind: KindStatus})
	if err != nil {
		t.Fatal(err)
	}
	if string(status.Key) != string(KindStatus) {
		t.Errorf("Key = %s, want kind fallback", status.Key)
	}

	sink := NewKafkaSink([]string{"localhost:9092"}, "")
	if sink.Topic() != DefaultTopic {
		t.Errorf("Topic() = %s, want %s", sink.Topic(), DefaultTopic)
	}
}

func TestRedisFields(t *testing.T) {
	if sessionKey("9") != "tproxy:session:9" {
		t.Errorf("sessionKey() = %s", sessionKey("9"))
	}

	fields := sessionFields(Event{Kind: KindDifficultyChanged, Difficulty: 64, Worker: "w", Time: time.Unix(5, 0)})
	if len(fields)%2 != 0 {
		t.Fatalf("odd field list %v", fields)
	}
	got := map[any]any{}
	for i := 0; i < len(fields); i += 2 {
		got[fields[i]] = fields[i+1]
	}
	if got["difficulty"] != 64.0 || got["worker"] != "w" || got["updated_at"] != int64(5) {
		t.Errorf("fields = %v", got)
	}
}
