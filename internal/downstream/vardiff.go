package downstream

import (
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/bardlex/tproxy/internal/config"
	"github.com/bardlex/tproxy/internal/mining"
)

// maxRetargetFactor bounds a single difficulty change in either direction.
const maxRetargetFactor = 4.0

// Vardiff steers one device towards the configured share rate. It is not safe
// for concurrent use; the session serializes access.
type Vardiff struct {
	cfg        config.DownstreamDifficultyConfig
	difficulty float64

	windowStart time.Time
	shares      []time.Time

	// limiter allows one retarget per adjustment window.
	limiter *rate.Limiter
}

// NewVardiff starts a window at now with the given difficulty.
func NewVardiff(cfg config.DownstreamDifficultyConfig, difficulty float64, now time.Time) *Vardiff {
	return &Vardiff{
		cfg:         cfg,
		difficulty:  difficulty,
		windowStart: now,
		limiter:     rate.NewLimiter(rate.Every(cfg.AdjustmentWindow), 1),
	}
}

// InitialDifficulty is the difficulty at which a device of the configured
// minimum hashrate submits SharesPerMinute shares.
func InitialDifficulty(cfg config.DownstreamDifficultyConfig) float64 {
	t, err := mining.HashrateToTarget(cfg.MinIndividualMinerHashrate, cfg.SharesPerMinute)
	if err != nil {
		return 1
	}
	return mining.TargetToDifficulty(t)
}

// Difficulty returns the current device difficulty.
func (v *Vardiff) Difficulty() float64 {
	return v.difficulty
}

// SetDifficulty replaces the difficulty, for example after a clamp or a
// mining.suggest_difficulty, and restarts the observation window.
func (v *Vardiff) SetDifficulty(d float64, now time.Time) {
	v.difficulty = d
	v.reset(now)
}

// Hashrate estimates the device hashrate from its difficulty and the target
// share rate.
func (v *Vardiff) Hashrate() float64 {
	return mining.EstimateHashrate(mining.DifficultyToTarget(v.difficulty), v.cfg.SharesPerMinute)
}

// RecordShare adds a share seen at now. It returns the new difficulty and true
// when the observed rate has drifted past the deviation threshold and no
// other retarget happened in the current window.
func (v *Vardiff) RecordShare(now time.Time) (float64, bool) {
	v.shares = append(v.shares, now)
	v.prune(now)

	if len(v.shares) < v.cfg.MinShares {
		return v.difficulty, false
	}

	elapsed := now.Sub(v.windowStart)
	if elapsed > v.cfg.AdjustmentWindow {
		elapsed = v.cfg.AdjustmentWindow
	}
	if elapsed <= 0 {
		return v.difficulty, false
	}

	observed := float64(len(v.shares)) / elapsed.Minutes()
	ratio := observed / v.cfg.SharesPerMinute
	if math.Abs(ratio-1) <= v.cfg.DeviationThreshold {
		return v.difficulty, false
	}
	if !v.limiter.AllowN(now, 1) {
		return v.difficulty, false
	}

	ratio = math.Max(1/maxRetargetFactor, math.Min(maxRetargetFactor, ratio))
	v.difficulty *= ratio
	v.reset(now)
	return v.difficulty, true
}

// Check retargets a device that went quiet. Without shares RecordShare never
// runs, so the session calls this once per window.
func (v *Vardiff) Check(now time.Time) (float64, bool) {
	v.prune(now)
	if now.Sub(v.windowStart) < v.cfg.AdjustmentWindow || len(v.shares) >= v.cfg.MinShares {
		return v.difficulty, false
	}

	observed := float64(len(v.shares)) / v.cfg.AdjustmentWindow.Minutes()
	ratio := observed / v.cfg.SharesPerMinute
	if math.Abs(ratio-1) <= v.cfg.DeviationThreshold || !v.limiter.AllowN(now, 1) {
		return v.difficulty, false
	}

	ratio = math.Max(1/maxRetargetFactor, ratio)
	v.difficulty *= ratio
	v.reset(now)
	return v.difficulty, true
}

func (v *Vardiff) prune(now time.Time) {
	cutoff := now.Add(-v.cfg.AdjustmentWindow)
	i := 0
	for i < len(v.shares) && v.shares[i].Before(cutoff) {
		i++
	}
	v.shares = v.shares[i:]
}

func (v *Vardiff) reset(now time.Time) {
	v.windowStart = now
	v.shares = v.shares[:0]
}
