package mining

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func TestTargetEndianness(t *testing.T) {
	var le [32]byte
	le[0] = 0x01
	le[31] = 0x80

	tg := TargetFromLE(le)
	if tg[31] != 0x01 || tg[0] != 0x80 {
		t.Errorf("TargetFromLE() = %s", tg)
	}
	if tg.LE() != le {
		t.Errorf("LE() did not invert TargetFromLE()")
	}
}

func TestTargetCompare(t *testing.T) {
	easy := DifficultyToTarget(1)
	hard := DifficultyToTarget(1024)

	if hard.Cmp(easy) != -1 || easy.Cmp(hard) != 1 || easy.Cmp(easy) != 0 {
		t.Errorf("Cmp ordering wrong")
	}
	if easy.Harder(hard) != hard || hard.Harder(easy) != hard {
		t.Errorf("Harder() did not pick the smaller target")
	}
	if !(Target{}).IsZero() || easy.IsZero() {
		t.Errorf("IsZero() wrong")
	}
}

func TestDifficultyToTarget(t *testing.T) {
	tests := []struct {
		name       string
		difficulty float64
		want       string
	}{
		{"diff 1", 1, "00000000ffff0000000000000000000000000000000000000000000000000000"},
		{"diff 2", 2, "000000007fff8000000000000000000000000000000000000000000000000000"},
		{"diff 256", 256, "0000000000ffff00000000000000000000000000000000000000000000000000"},
		{"zero falls back to diff1", 0, "00000000ffff0000000000000000000000000000000000000000000000000000"},
		{"negative falls back to diff1", -5, "00000000ffff0000000000000000000000000000000000000000000000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DifficultyToTarget(tt.difficulty).String(); got != tt.want {
				t.Errorf("DifficultyToTarget(%v) = %s, want %s", tt.difficulty, got, tt.want)
			}
		})
	}
}

func TestTargetToDifficulty(t *testing.T) {
	for _, d := range []float64{1, 2, 1024, 65536, 0.5} {
		got := TargetToDifficulty(DifficultyToTarget(d))
		if math.Abs(got-d)/d > 1e-9 {
			t.Errorf("TargetToDifficulty(DifficultyToTarget(%v)) = %v", d, got)
		}
	}
	if TargetToDifficulty(Target{}) != 0 {
		t.Errorf("zero target should map to zero difficulty")
	}
}

func TestHashrateToTarget(t *testing.T) {
	// 2^32 H/s at 60 shares per minute: one share per 2^32 hashes
	tg, err := HashrateToTarget(float64(1<<32), 60)
	if err != nil {
		t.Fatal(err)
	}
	want := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 224), big.NewInt(1))
	if tg.Big().Cmp(want) != 0 {
		t.Errorf("HashrateToTarget() = %s, want %x", tg, want)
	}

	if got := EstimateHashrate(tg, 60); math.Abs(got-float64(1<<32))/float64(1<<32) > 1e-9 {
		t.Errorf("EstimateHashrate() = %v, want 2^32", got)
	}

	if tg, _ := HashrateToTarget(0.5, 60); tg != MaxTarget {
		t.Errorf("sub-hash rate should saturate to MaxTarget, got %s", tg)
	}

	for _, bad := range [][2]float64{{0, 10}, {-1, 10}, {100, 0}, {math.NaN(), 10}} {
		if _, err := HashrateToTarget(bad[0], bad[1]); err == nil {
			t.Errorf("HashrateToTarget(%v, %v) expected error", bad[0], bad[1])
		}
	}
}

func TestSharedTarget(t *testing.T) {
	s := NewSharedTarget()

	select {
	case <-s.Initialized():
		t.Fatal("Initialized fired before any store")
	default:
	}

	s.Store(Target{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("zero target must not initialize, got %v", err)
	}

	first := DifficultyToTarget(1)
	second := DifficultyToTarget(2)
	s.Store(first)
	s.Store(second)

	got, err := s.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != second || s.Load() != second {
		t.Errorf("reader observed %s, want most recent %s", got, second)
	}
}

func TestHashrateBook(t *testing.T) {
	b := NewHashrateBook(1e9)
	if b.Total() != 1e9 {
		t.Errorf("empty book Total() = %v, want floor", b.Total())
	}

	b.Set(1, 100e12)
	b.Set(2, 50e12)
	b.Set(1, 110e12)
	if b.Total() != 160e12 || b.Sessions() != 2 {
		t.Errorf("Total() = %v with %d sessions", b.Total(), b.Sessions())
	}

	b.Remove(1)
	b.Remove(2)
	if b.Total() != 1e9 {
		t.Errorf("Total() after removals = %v, want floor", b.Total())
	}
}

func TestFormatPrevHash(t *testing.T) {
	var prev chainhash.Hash
	for i := range prev {
		prev[i] = byte(i)
	}
	want := "03020100070605040b0a09080f0e0d0c13121110171615141b1a19181f1e1d1c"
	if got := FormatPrevHash(prev); got != want {
		t.Errorf("FormatPrevHash() = %s, want %s", got, want)
	}
}

func TestParseUint32(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"5a54a978", 0x5a54a978, false},
		{"00002000", 0x2000, false},
		{"5a54a97", 0, true},
		{"zzzzzzzz", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseUint32(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseUint32(%q) = %x, %v", tt.in, got, err)
		}
	}
	if FormatUint32(0x2000) != "00002000" {
		t.Errorf("FormatUint32() = %s", FormatUint32(0x2000))
	}
}

func TestRollVersion(t *testing.T) {
	got := RollVersion(0x20000000, 0xffffffff, VersionRollingMask)
	if got != 0x3fffe000 {
		t.Errorf("RollVersion() = %08x, want 3fffe000", got)
	}
	if got := RollVersion(0x20000000, 0x00002000, VersionRollingMask); got != 0x20002000 {
		t.Errorf("RollVersion() = %08x, want 20002000", got)
	}
}

// buildCoinbase serializes a coinbase for height with an extranonce
// placeholder of enLen bytes at the end of the script and returns the
// prefix/suffix split around it.
func buildCoinbase(t *testing.T, height int64, enLen int) (prefix, suffix []byte) {
	t.Helper()

	script, err := txscript.NewScriptBuilder().AddInt64(height).Script()
	if err != nil {
		t.Fatal(err)
	}
	scriptLen := len(script)
	script = append(script, make([]byte, enLen)...)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  script,
		Sequence:         0xffffffff,
	})
	tx.AddTxOut(wire.NewTxOut(625000000, []byte{txscript.OP_TRUE}))

	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()

	// version(4) + input count(1) + outpoint(36) + script varint(1) + height push
	split := 4 + 1 + 36 + 1 + scriptLen
	return raw[:split], raw[split+enLen:]
}

func TestCheckCoinbase(t *testing.T) {
	prefix, suffix := buildCoinbase(t, 840000, 8)

	info, err := CheckCoinbase(prefix, suffix, 8)
	if err != nil {
		t.Fatalf("CheckCoinbase() error = %v", err)
	}
	if info.Height != 840000 || info.Outputs != 1 || info.Value != 625000000 {
		t.Errorf("CheckCoinbase() = %+v", info)
	}

	if _, err := CheckCoinbase(prefix, suffix, 4); err == nil {
		t.Error("Expected error for wrong extranonce length")
	}
}

func TestExtendedExtranonce(t *testing.T) {
	ext, err := NewExtendedExtranonce(1, []byte{0xaa, 0xbb, 0xcc}, 5, 4)
	if err != nil {
		t.Fatal(err)
	}
	if ext.Len() != 8 || ext.SessionLen != 1 || ext.Extranonce2Len != 4 {
		t.Errorf("layout = %+v, Len %d", ext, ext.Len())
	}
	if ext.Capacity() != 256 {
		t.Errorf("Capacity() = %d, want 256", ext.Capacity())
	}

	bad := []struct {
		name   string
		prefix []byte
		size   int
		min    int
	}{
		{"pool space too small", nil, 3, 4},
		{"zero extranonce2", nil, 4, 0},
		{"too long", make([]byte, 30), 4, 2},
	}
	for _, tt := range bad {
		if _, err := NewExtendedExtranonce(1, tt.prefix, tt.size, tt.min); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestAllocator_TwoDevices(t *testing.T) {
	ext, err := NewExtendedExtranonce(1, []byte{0x01, 0x02, 0x03}, 5, 4)
	if err != nil {
		t.Fatal(err)
	}
	alloc := NewAllocator(ext)

	a, _ := alloc.Assign()
	b, _ := alloc.Assign()

	if hex.EncodeToString(a.Session) != "00" || hex.EncodeToString(b.Session) != "01" {
		t.Errorf("session prefixes = %x, %x; want 00, 01", a.Session, b.Session)
	}
	if a.Extranonce1Hex() != "01020300" || b.Extranonce1Hex() != "01020301" {
		t.Errorf("extranonce1 = %s, %s", a.Extranonce1Hex(), b.Extranonce1Hex())
	}
	if len(a.Extranonce1)+ext.Extranonce2Len != ext.Len() {
		t.Errorf("extranonce1 + extranonce2 does not span E")
	}
}

func TestAllocator_ReuseSmallestFirst(t *testing.T) {
	ext, _ := NewExtendedExtranonce(1, nil, 5, 4)
	alloc := NewAllocator(ext)

	var held []Assignment
	for range 4 {
		a, err := alloc.Assign()
		if err != nil {
			t.Fatal(err)
		}
		held = append(held, a)
	}

	alloc.Release(held[2])
	alloc.Release(held[0])
	alloc.Release(held[0])

	if alloc.Live() != 2 || alloc.Holds(held[0]) || !alloc.Holds(held[1]) {
		t.Errorf("live set wrong after release")
	}

	a, _ := alloc.Assign()
	b, _ := alloc.Assign()
	c, _ := alloc.Assign()
	if a.Value != 0 || b.Value != 2 || c.Value != 4 {
		t.Errorf("reassigned %d, %d, %d; want 0, 2, 4", a.Value, b.Value, c.Value)
	}
}

func TestAllocator_Exhausted(t *testing.T) {
	ext, _ := NewExtendedExtranonce(1, nil, 4, 4)
	alloc := NewAllocator(ext)

	a, err := alloc.Assign()
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Session) != 0 {
		t.Errorf("expected empty session prefix, got %x", a.Session)
	}
	if _, err := alloc.Assign(); !errors.Is(err, ErrExtranonceExhausted) {
		t.Errorf("Expected ErrExtranonceExhausted, got %v", err)
	}

	alloc.Release(a)
	if _, err := alloc.Assign(); err != nil {
		t.Errorf("Expected released prefix to be reassignable, got %v", err)
	}
}

func TestAllocator_ReusedValueHasNewLease(t *testing.T) {
	ext, _ := NewExtendedExtranonce(1, nil, 5, 4)
	alloc := NewAllocator(ext)

	old, err := alloc.Assign()
	if err != nil {
		t.Fatal(err)
	}
	alloc.Release(old)

	reused, err := alloc.Assign()
	if err != nil {
		t.Fatal(err)
	}
	if reused.Value != old.Value {
		t.Fatalf("reassigned %d, want %d", reused.Value, old.Value)
	}
	if alloc.Holds(old) {
		t.Error("previous holder still owns the reused prefix")
	}
	if !alloc.Holds(reused) {
		t.Error("new holder does not own its prefix")
	}

	// A late release from the previous holder must not free the new one.
	alloc.Release(old)
	if !alloc.Holds(reused) || alloc.Live() != 1 {
		t.Error("stale release freed the reused prefix")
	}
}

func TestAllocator_NoDuplicatesUnderConcurrency(t *testing.T) {
	ext, _ := NewExtendedExtranonce(1, nil, 6, 4)
	alloc := NewAllocator(ext)

	const workers = 16
	results := make(chan uint64, workers*50)
	done := make(chan struct{})
	for range workers {
		go func() {
			defer func() { done <- struct{}{} }()
			for range 50 {
				a, err := alloc.Assign()
				if err != nil {
					t.Error(err)
					return
				}
				results <- a.Value
			}
		}()
	}
	for range workers {
		<-done
	}
	close(results)

	seen := make(map[uint64]bool)
	for v := range results {
		if seen[v] {
			t.Fatalf("value %d assigned twice", v)
		}
		seen[v] = true
	}
}
