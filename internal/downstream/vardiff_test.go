package downstream

import (
	"math"
	"testing"
	"time"

	"github.com/bardlex/tproxy/internal/config"
)

func testDifficultyConfig() config.DownstreamDifficultyConfig {
	return config.DownstreamDifficultyConfig{
		MinIndividualMinerHashrate: 1e12,
		SharesPerMinute:            6,
		AdjustmentWindow:           time.Minute,
		DeviationThreshold:         0.5,
		MinShares:                  4,
		SubmitRateLimit:            20,
	}
}

func TestVardiffFastSharesRaiseOnce(t *testing.T) {
	start := time.Unix(1700000000, 0)
	v := NewVardiff(testDifficultyConfig(), 100, start)

	updates := 0
	var last float64
	for i := 1; i <= 20; i++ {
		if d, changed := v.RecordShare(start.Add(time.Duration(i) * 100 * time.Millisecond)); changed {
			updates++
			last = d
		}
	}

	if updates != 1 {
		t.Fatalf("updates = %d, want 1", updates)
	}
	if last <= 100 {
		t.Errorf("new difficulty %v is not higher than 100", last)
	}
	if last != 100*maxRetargetFactor {
		t.Errorf("new difficulty %v, want the clamped %v", last, 100*maxRetargetFactor)
	}
}

func TestVardiffNextWindowMayRetarget(t *testing.T) {
	start := time.Unix(1700000000, 0)
	v := NewVardiff(testDifficultyConfig(), 100, start)

	for i := 1; i <= 4; i++ {
		v.RecordShare(start.Add(time.Duration(i) * time.Second))
	}
	if v.Difficulty() != 400 {
		t.Fatalf("Difficulty() = %v, want 400", v.Difficulty())
	}

	// Still fast, but the limiter holds the next retarget for one window.
	updates := 0
	for i := 5; i <= 70; i++ {
		if _, changed := v.RecordShare(start.Add(time.Duration(i) * time.Second)); changed {
			updates++
			if i < 64 {
				t.Errorf("retarget after %ds, before the window elapsed", i)
			}
		}
	}
	if updates != 1 || v.Difficulty() != 1600 {
		t.Errorf("updates = %d, Difficulty() = %v, want one more retarget to 1600", updates, v.Difficulty())
	}
}

func TestVardiffOnTarget(t *testing.T) {
	start := time.Unix(1700000000, 0)
	v := NewVardiff(testDifficultyConfig(), 100, start)

	// 6 shares per minute is exactly the configured rate.
	for i := 1; i <= 12; i++ {
		if _, changed := v.RecordShare(start.Add(time.Duration(i) * 10 * time.Second)); changed {
			t.Fatalf("retarget on share %d at the target rate", i)
		}
	}
}

func TestVardiffCheckLowersQuietDevice(t *testing.T) {
	start := time.Unix(1700000000, 0)
	v := NewVardiff(testDifficultyConfig(), 100, start)

	if _, changed := v.Check(start.Add(30 * time.Second)); changed {
		t.Error("Check() retargeted before a full window")
	}

	d, changed := v.Check(start.Add(61 * time.Second))
	if !changed {
		t.Fatal("Check() did not lower a device with no shares")
	}
	if d != 100/maxRetargetFactor {
		t.Errorf("difficulty = %v, want %v", d, 100/maxRetargetFactor)
	}
}

func TestInitialDifficulty(t *testing.T) {
	cfg := testDifficultyConfig()
	cfg.MinIndividualMinerHashrate = math.Ldexp(1000, 32)
	cfg.SharesPerMinute = 60

	d := InitialDifficulty(cfg)
	if math.Abs(d-1000)/1000 > 0.01 {
		t.Errorf("InitialDifficulty() = %v, want about 1000", d)
	}

	cfg.MinIndividualMinerHashrate = 0
	if d := InitialDifficulty(cfg); d != 1 {
		t.Errorf("InitialDifficulty() with no hashrate = %v, want 1", d)
	}
}

func TestVardiffHashrateRoundTrip(t *testing.T) {
	cfg := testDifficultyConfig()
	v := NewVardiff(cfg, InitialDifficulty(cfg), time.Now())

	if got := v.Hashrate(); math.Abs(got-cfg.MinIndividualMinerHashrate)/cfg.MinIndividualMinerHashrate > 0.01 {
		t.Errorf("Hashrate() = %v, want about %v", got, cfg.MinIndividualMinerHashrate)
	}
}
