package mining

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// VersionRollingMask is the BIP 320 general purpose version bit range.
const VersionRollingMask uint32 = 0x1fffe000

// FormatPrevHash renders an SV2 prev_hash (header byte order) the way Stratum
// V1 expects it: the same 32 bytes with every 4-byte word byte-reversed.
func FormatPrevHash(prev chainhash.Hash) string {
	var out [chainhash.HashSize]byte
	for i := 0; i < chainhash.HashSize; i += 4 {
		out[i] = prev[i+3]
		out[i+1] = prev[i+2]
		out[i+2] = prev[i+1]
		out[i+3] = prev[i]
	}
	return hex.EncodeToString(out[:])
}

// FormatMerkleBranch hex-encodes each merkle path entry in header byte order.
func FormatMerkleBranch(path []chainhash.Hash) []string {
	branch := make([]string, len(path))
	for i := range path {
		branch[i] = hex.EncodeToString(path[i][:])
	}
	return branch
}

// FormatUint32 renders a header field as 8 big-endian hex digits.
func FormatUint32(v uint32) string {
	return fmt.Sprintf("%08x", v)
}

// ParseUint32 parses an 8-digit big-endian hex header field as sent in
// mining.submit (ntime, nonce, version bits).
func ParseUint32(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("expected 8 hex digits, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// RollVersion merges device-rolled bits into the job version. Only bits inside
// mask are taken from bits.
func RollVersion(version, bits, mask uint32) uint32 {
	return (version &^ mask) | (bits & mask)
}

// CoinbaseInfo describes a coinbase template that survived CheckCoinbase.
type CoinbaseInfo struct {
	Height  int64
	Outputs int
	Value   int64
}

// CheckCoinbase assembles prefix + zeroed extranonce + suffix and checks that
// it deserializes as a transaction whose first input script begins with a
// BIP 34 block height. Pools never send a broken template on purpose; a
// failure here means the extranonce length the proxy is working with is wrong.
func CheckCoinbase(prefix, suffix []byte, extranonceLen int) (CoinbaseInfo, error) {
	raw := make([]byte, 0, len(prefix)+extranonceLen+len(suffix))
	raw = append(raw, prefix...)
	raw = append(raw, make([]byte, extranonceLen)...)
	raw = append(raw, suffix...)

	var tx wire.MsgTx
	r := bytes.NewReader(raw)
	if err := tx.Deserialize(r); err != nil {
		return CoinbaseInfo{}, fmt.Errorf("coinbase does not deserialize: %w", err)
	}
	if r.Len() != 0 {
		return CoinbaseInfo{}, fmt.Errorf("coinbase has %d trailing bytes", r.Len())
	}
	if len(tx.TxIn) != 1 {
		return CoinbaseInfo{}, fmt.Errorf("coinbase has %d inputs", len(tx.TxIn))
	}
	if len(tx.TxOut) == 0 {
		return CoinbaseInfo{}, fmt.Errorf("coinbase has no outputs")
	}

	height, err := bip34Height(tx.TxIn[0].SignatureScript)
	if err != nil {
		return CoinbaseInfo{}, err
	}

	info := CoinbaseInfo{Height: height, Outputs: len(tx.TxOut)}
	for _, out := range tx.TxOut {
		info.Value += out.Value
	}
	return info, nil
}

func bip34Height(script []byte) (int64, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	if !tokenizer.Next() {
		if err := tokenizer.Err(); err != nil {
			return 0, fmt.Errorf("coinbase script: %w", err)
		}
		return 0, fmt.Errorf("empty coinbase script")
	}

	op := tokenizer.Opcode()
	switch {
	case op == txscript.OP_0:
		return 0, nil
	case op >= txscript.OP_1 && op <= txscript.OP_16:
		return int64(op-txscript.OP_1) + 1, nil
	}

	num, err := txscript.MakeScriptNum(tokenizer.Data(), false, 8)
	if err != nil {
		return 0, fmt.Errorf("coinbase height: %w", err)
	}
	return int64(num), nil
}
