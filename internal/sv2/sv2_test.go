package sv2

import (
	"bytes"
	"errors"
	"io"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bardlex/tproxy/pkg/log"
)

func TestFrameHeader(t *testing.T) {
	f := Frame{ExtensionType: ChannelBit, MsgType: MsgSetTarget, Payload: make([]byte, 0x010203)}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatal(err)
	}

	hdr := buf.Bytes()[:HeaderSize]
	want := []byte{0x00, 0x80, 0x21, 0x03, 0x02, 0x01}
	if !bytes.Equal(hdr, want) {
		t.Errorf("header = % x, want % x", hdr, want)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsChannelMessage() || got.Extension() != 0 || len(got.Payload) != 0x010203 {
		t.Errorf("ReadFrame() = ext %04x type %02x len %d", got.ExtensionType, got.MsgType, len(got.Payload))
	}
}

func TestReadFrameTruncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, io.EOF},
		{"short header", []byte{0, 0, 1}, io.ErrUnexpectedEOF},
		{"short payload", []byte{0, 0, 0x21, 4, 0, 0, 1, 2}, io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("ReadFrame() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSetupConnectionWireFormat(t *testing.T) {
	m := &SetupConnection{
		Protocol:     ProtocolMining,
		MinVersion:   2,
		MaxVersion:   2,
		Flags:        FlagRequiresVersionRolling,
		EndpointHost: "ab",
		EndpointPort: 34254,
	}
	f, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	if f.ExtensionType != 0 {
		t.Errorf("SetupConnection must not carry the channel bit")
	}

	want := []byte{
		0x00,       // protocol
		0x02, 0x00, // min
		0x02, 0x00, // max
		0x04, 0x00, 0x00, 0x00, // flags
		0x02, 'a', 'b', // host
		0xce, 0x85, // port 34254
		0x00, 0x00, 0x00, 0x00, // empty strings
	}
	if !bytes.Equal(f.Payload, want) {
		t.Errorf("payload = % x\nwant      % x", f.Payload, want)
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	var target [32]byte
	target[31] = 0xff
	target[0] = 0x01

	msgs := []Message{
		&OpenExtendedMiningChannel{RequestID: 7, UserIdentity: "proxy.worker", NominalHashRate: 1e12, MaxTarget: target, MinExtranonceSize: 8},
		&OpenExtendedMiningChannelSuccess{RequestID: 7, ChannelID: 1, Target: target, ExtranonceSize: 5, ExtranoncePrefix: []byte{1, 2, 3}},
		&NewExtendedMiningJob{
			ChannelID: 1, JobID: 9, FutureJob: true, Version: 0x20000000, VersionRollingAllowed: true,
			MerklePath:       [][32]byte{target, {}},
			CoinbaseTxPrefix: []byte{0xde, 0xad},
			CoinbaseTxSuffix: []byte{0xbe, 0xef},
		},
		&SetNewPrevHash{ChannelID: 1, JobID: 9, PrevHash: target, MinNTime: 1700000000, NBits: 0x1d00ffff},
		&SubmitSharesExtended{ChannelID: 1, SequenceNumber: 2, JobID: 9, Nonce: 0xdeadbeef, NTime: 1700000001, Version: 0x20002000, Extranonce: []byte{0, 0, 0, 0, 1}},
		&SubmitSharesSuccess{ChannelID: 1, LastSequenceNumber: 2, NewSubmitsAcceptedCount: 1, NewSharesSum: 1 << 40},
		&SubmitSharesError{ChannelID: 1, SequenceNumber: 3, ErrorCode: "stale-share"},
		&SetTarget{ChannelID: 1, MaxTarget: target},
		&UpdateChannel{ChannelID: 1, NominalHashRate: 5e13, MaximumTarget: target},
		&CloseChannel{ChannelID: 1, ReasonCode: "bye"},
		&SetExtranoncePrefix{ChannelID: 1, ExtranoncePrefix: []byte{9}},
		&Reconnect{NewHost: "pool.example", NewPort: 3336},
		&SetupConnectionSuccess{UsedVersion: 2, Flags: 0},
		&SetupConnectionError{Flags: 4, ErrorCode: "unsupported-feature-flags"},
		&OpenMiningChannelError{RequestID: 7, ErrorCode: "unknown-user"},
	}

	for _, m := range msgs {
		t.Run(Name(m.MsgType()), func(t *testing.T) {
			f, err := Encode(m)
			if err != nil {
				t.Fatal(err)
			}
			if f.IsChannelMessage() != isChannelMessage(m.MsgType()) {
				t.Errorf("channel bit mismatch")
			}
			got, err := Decode(f)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, m) {
				t.Errorf("Decode() = %+v, want %+v", got, m)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	good, _ := Encode(&SetTarget{ChannelID: 1})

	tests := []struct {
		name  string
		frame Frame
		want  error
	}{
		{"unknown type", Frame{MsgType: 0x7f}, ErrUnknownMessage},
		{"unknown extension", Frame{ExtensionType: 0x0001, MsgType: MsgSetTarget}, ErrUnknownMessage},
		{"short", Frame{MsgType: MsgSetTarget, Payload: good.Payload[:10]}, ErrShortBuffer},
		{"trailing", Frame{MsgType: MsgSetTarget, Payload: append(append([]byte{}, good.Payload...), 0)}, ErrTrailingBytes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.frame); !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeInvalidBool(t *testing.T) {
	f, _ := Encode(&NewExtendedMiningJob{ChannelID: 1, JobID: 1})
	f.Payload[8] = 2 // future_job
	if _, err := Decode(f); err == nil || !strings.Contains(err.Error(), "BOOL") {
		t.Errorf("Expected invalid BOOL error, got %v", err)
	}
}

func TestEncodeLimits(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"long string", &SubmitSharesError{ErrorCode: strings.Repeat("x", 256)}},
		{"long B0_32", &SubmitSharesExtended{Extranonce: make([]byte, 33)}},
		{"long SEQ0_255", &NewExtendedMiningJob{MerklePath: make([][32]byte, 256)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.msg); err == nil {
				t.Error("Expected encode error")
			}
		})
	}
}

func TestConnExchange(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	a := NewConn(client, time.Second, log.Discard())
	b := NewConn(server, time.Second, log.Discard())

	done := make(chan error, 1)
	go func() {
		done <- a.WriteMessage(&SetTarget{ChannelID: 3})
	}()

	m, err := b.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	st, ok := m.(*SetTarget)
	if !ok || st.ChannelID != 3 {
		t.Errorf("ReadMessage() = %#v", m)
	}
	if err := <-done; err != nil {
		t.Errorf("WriteMessage() error = %v", err)
	}
}
