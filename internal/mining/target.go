// Package mining holds the proof-of-work arithmetic and shared mining state
// used by both sides of the proxy: targets and difficulties, the live channel
// target, extranonce partitioning and coinbase template checks.
package mining

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"sync"
)

// Target is a 256-bit proof-of-work threshold in big-endian byte order.
// The zero value means "not yet initialized".
type Target [32]byte

var (
	// Diff1 is the difficulty 1 target: 0x00000000FFFF0000...0000
	Diff1 = Target{0x00, 0x00, 0x00, 0x00, 0xff, 0xff}

	// MaxTarget is the easiest representable target.
	MaxTarget = Target{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	}

	two256 = new(big.Int).Lsh(big.NewInt(1), 256)
)

// Pools for the hot conversion paths; vardiff and notify both convert on
// every share or job.
var (
	bigIntPool = sync.Pool{
		New: func() any {
			return new(big.Int)
		},
	}

	bigFloatPool = sync.Pool{
		New: func() any {
			return new(big.Float)
		},
	}
)

func getBigInt() *big.Int {
	bi := bigIntPool.Get().(*big.Int)
	bi.SetInt64(0)
	return bi
}

func putBigInt(bi *big.Int) {
	bigIntPool.Put(bi)
}

func getBigFloat() *big.Float {
	bf := bigFloatPool.Get().(*big.Float)
	bf.SetFloat64(0)
	return bf
}

func putBigFloat(bf *big.Float) {
	bigFloatPool.Put(bf)
}

// TargetFromLE converts a little-endian U256 as carried by SV2 messages.
func TargetFromLE(le [32]byte) Target {
	var t Target
	for i := range le {
		t[31-i] = le[i]
	}
	return t
}

// LE returns the little-endian U256 encoding for SV2 messages.
func (t Target) LE() [32]byte {
	var le [32]byte
	for i := range t {
		le[31-i] = t[i]
	}
	return le
}

// TargetFromBig converts n to a Target, saturating at MaxTarget.
func TargetFromBig(n *big.Int) Target {
	if n.Sign() <= 0 {
		return Target{}
	}
	if n.BitLen() > 256 {
		return MaxTarget
	}
	var t Target
	n.FillBytes(t[:])
	return t
}

// IsZero reports whether t is the uninitialized sentinel.
func (t Target) IsZero() bool {
	return t == Target{}
}

// Big returns t as an unsigned integer.
func (t Target) Big() *big.Int {
	return new(big.Int).SetBytes(t[:])
}

// Cmp compares two targets numerically.
func (t Target) Cmp(other Target) int {
	for i := range t {
		if t[i] != other[i] {
			if t[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Harder returns whichever of t and other is the harder (smaller) target.
func (t Target) Harder(other Target) Target {
	if t.Cmp(other) <= 0 {
		return t
	}
	return other
}

// String returns the big-endian hex encoding.
func (t Target) String() string {
	return hex.EncodeToString(t[:])
}

// DifficultyToTarget converts a pool difficulty to its target, diff1 / difficulty.
// Non-positive difficulties map to Diff1.
func DifficultyToTarget(difficulty float64) Target {
	if difficulty <= 0 || math.IsNaN(difficulty) || math.IsInf(difficulty, 0) {
		return Diff1
	}

	maxTarget := getBigInt()
	defer putBigInt(maxTarget)
	maxTarget.SetBytes(Diff1[:])

	// big.Float keeps fractional difficulties exact enough
	difficultyFloat := getBigFloat()
	defer putBigFloat(difficultyFloat)
	difficultyFloat.SetFloat64(difficulty)

	maxTargetFloat := getBigFloat()
	defer putBigFloat(maxTargetFloat)
	maxTargetFloat.SetInt(maxTarget)

	targetFloat := getBigFloat()
	defer putBigFloat(targetFloat)
	targetFloat.Quo(maxTargetFloat, difficultyFloat)

	target := getBigInt()
	defer putBigInt(target)
	targetFloat.Int(target)

	if target.Sign() == 0 {
		target.SetInt64(1)
	}
	return TargetFromBig(target)
}

// TargetToDifficulty converts a target back to difficulty, diff1 / target.
func TargetToDifficulty(t Target) float64 {
	if t.IsZero() {
		return 0
	}

	num := getBigFloat()
	defer putBigFloat(num)
	num.SetInt(Diff1.Big())

	den := getBigFloat()
	defer putBigFloat(den)
	den.SetInt(t.Big())

	d, _ := num.Quo(num, den).Float64()
	return d
}

// HashrateToTarget returns the target at which a device hashing at hashrate
// (H/s) finds sharesPerMinute shares per minute on average:
// hashes per share h = hashrate * 60 / spm, target = 2^256 / h - 1.
func HashrateToTarget(hashrate, sharesPerMinute float64) (Target, error) {
	if hashrate <= 0 || math.IsNaN(hashrate) || math.IsInf(hashrate, 0) {
		return Target{}, fmt.Errorf("invalid hashrate %v", hashrate)
	}
	if sharesPerMinute <= 0 || math.IsNaN(sharesPerMinute) || math.IsInf(sharesPerMinute, 0) {
		return Target{}, fmt.Errorf("invalid shares per minute %v", sharesPerMinute)
	}

	hashesPerShare := hashrate * 60 / sharesPerMinute
	if hashesPerShare <= 1 {
		return MaxTarget, nil
	}

	h := getBigFloat()
	defer putBigFloat(h)
	h.SetFloat64(hashesPerShare)

	q := getBigFloat()
	defer putBigFloat(q)
	q.SetInt(two256)
	q.Quo(q, h)

	target := getBigInt()
	defer putBigInt(target)
	q.Int(target)
	target.Sub(target, big.NewInt(1))

	if target.Sign() <= 0 {
		target.SetInt64(1)
	}
	return TargetFromBig(target), nil
}

// EstimateHashrate is the inverse of HashrateToTarget: the hashrate (H/s) that
// produces sharesPerMinute shares at target t.
func EstimateHashrate(t Target, sharesPerMinute float64) float64 {
	if t.IsZero() || sharesPerMinute <= 0 {
		return 0
	}

	den := getBigInt()
	defer putBigInt(den)
	den.Add(t.Big(), big.NewInt(1))

	q := getBigFloat()
	defer putBigFloat(q)
	q.SetInt(two256)

	d := getBigFloat()
	defer putBigFloat(d)
	d.SetInt(den)

	hashesPerShare, _ := q.Quo(q, d).Float64()
	return hashesPerShare * sharesPerMinute / 60
}
