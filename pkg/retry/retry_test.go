package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	tperrors "github.com/bardlex/tproxy/pkg/errors"
)

func TestTelemetryConfig(t *testing.T) {
	config := TelemetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts = 3, got %d", config.MaxAttempts)
	}
	if config.MaxDelay != 500*time.Millisecond {
		t.Errorf("Expected MaxDelay = 500ms, got %v", config.MaxDelay)
	}
}

func fastConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestDo_Success(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDo_RetryableThenSuccess(t *testing.T) {
	calls := 0
	var retries []int
	config := fastConfig()
	config.OnRetry = func(attempt int, _ error, _ time.Duration) {
		retries = append(retries, attempt)
	}

	err := Do(context.Background(), config, func(context.Context) error {
		calls++
		if calls < 3 {
			return tperrors.New(tperrors.ErrorTypeTelemetry, "write", "sink unavailable")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("Expected OnRetry attempts [1 2], got %v", retries)
	}
}

func TestDo_NonRetryable(t *testing.T) {
	calls := 0
	want := tperrors.New(tperrors.ErrorTypeProtocol, "encode", "bad event")
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("Expected original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("Expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if tperrors.GetContext(err)["max_attempts"] != 3 {
		t.Errorf("Expected max_attempts context, got %v", tperrors.GetContext(err))
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := fastConfig()
	config.BaseDelay = time.Second
	config.MaxDelay = time.Second
	config.OnRetry = func(int, error, time.Duration) { cancel() }

	err := Do(ctx, config, func(context.Context) error {
		return errors.New("timeout talking to sink")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(), func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("connection reset by peer")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got != 42 {
		t.Errorf("Expected 42, got %d", got)
	}
}

func TestCalculateDelay(t *testing.T) {
	config := &Config{
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   50 * time.Millisecond,
		Multiplier: 2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 50 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := config.calculateDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
