package sv2

import (
	stderrors "errors"
	"fmt"
)

// Message type identifiers for the common and mining sub-protocols.
const (
	MsgSetupConnection             uint8 = 0x00
	MsgSetupConnectionSuccess      uint8 = 0x01
	MsgSetupConnectionError        uint8 = 0x02
	MsgOpenMiningChannelError      uint8 = 0x12
	MsgOpenExtendedMiningChannel   uint8 = 0x13
	MsgOpenExtendedMiningChannelOk uint8 = 0x14
	MsgUpdateChannel               uint8 = 0x16
	MsgUpdateChannelError          uint8 = 0x17
	MsgCloseChannel                uint8 = 0x18
	MsgSetExtranoncePrefix         uint8 = 0x19
	MsgSubmitSharesExtended        uint8 = 0x1b
	MsgSubmitSharesSuccess         uint8 = 0x1c
	MsgSubmitSharesError           uint8 = 0x1d
	MsgNewExtendedMiningJob        uint8 = 0x1f
	MsgSetNewPrevHash              uint8 = 0x20
	MsgSetTarget                   uint8 = 0x21
	MsgReconnect                   uint8 = 0x25
)

// ProtocolMining is the SetupConnection protocol discriminant for mining.
const ProtocolMining uint8 = 0

// SetupConnection flags for the mining protocol.
const (
	FlagRequiresStandardJobs   uint32 = 0x01
	FlagRequiresWorkSelection  uint32 = 0x02
	FlagRequiresVersionRolling uint32 = 0x04
)

// ErrUnknownMessage is returned by Decode for message types this client does
// not implement.
var ErrUnknownMessage = stderrors.New("sv2: unknown message type")

// IsMalformed reports whether err came from a payload that does not decode as
// its declared message type.
func IsMalformed(err error) bool {
	return stderrors.Is(err, ErrShortBuffer) ||
		stderrors.Is(err, ErrTrailingBytes) ||
		stderrors.Is(err, ErrInvalidValue)
}

// Message is a typed SV2 message.
type Message interface {
	MsgType() uint8
	encode(e *Encoder)
	decode(d *Decoder)
}

// Name returns a human readable message name for logs.
func Name(msgType uint8) string {
	switch msgType {
	case MsgSetupConnection:
		return "SetupConnection"
	case MsgSetupConnectionSuccess:
		return "SetupConnection.Success"
	case MsgSetupConnectionError:
		return "SetupConnection.Error"
	case MsgOpenMiningChannelError:
		return "OpenMiningChannel.Error"
	case MsgOpenExtendedMiningChannel:
		return "OpenExtendedMiningChannel"
	case MsgOpenExtendedMiningChannelOk:
		return "OpenExtendedMiningChannel.Success"
	case MsgUpdateChannel:
		return "UpdateChannel"
	case MsgUpdateChannelError:
		return "UpdateChannel.Error"
	case MsgCloseChannel:
		return "CloseChannel"
	case MsgSetExtranoncePrefix:
		return "SetExtranoncePrefix"
	case MsgSubmitSharesExtended:
		return "SubmitSharesExtended"
	case MsgSubmitSharesSuccess:
		return "SubmitShares.Success"
	case MsgSubmitSharesError:
		return "SubmitShares.Error"
	case MsgNewExtendedMiningJob:
		return "NewExtendedMiningJob"
	case MsgSetNewPrevHash:
		return "SetNewPrevHash"
	case MsgSetTarget:
		return "SetTarget"
	case MsgReconnect:
		return "Reconnect"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", msgType)
	}
}

// isChannelMessage reports whether the frame carries the channel bit.
func isChannelMessage(msgType uint8) bool {
	switch msgType {
	case MsgUpdateChannel, MsgUpdateChannelError, MsgCloseChannel,
		MsgSetExtranoncePrefix, MsgSubmitSharesExtended, MsgSubmitSharesSuccess,
		MsgSubmitSharesError, MsgNewExtendedMiningJob, MsgSetNewPrevHash, MsgSetTarget:
		return true
	default:
		return false
	}
}

// Encode serialises m into a frame.
func Encode(m Message) (Frame, error) {
	var e Encoder
	m.encode(&e)
	if err := e.Err(); err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", Name(m.MsgType()), err)
	}

	f := Frame{MsgType: m.MsgType(), Payload: e.Bytes()}
	if isChannelMessage(m.MsgType()) {
		f.ExtensionType |= ChannelBit
	}
	return f, nil
}

// Decode parses a frame into its typed message.
func Decode(f Frame) (Message, error) {
	if f.Extension() != 0 {
		return nil, fmt.Errorf("%w: extension 0x%04x", ErrUnknownMessage, f.Extension())
	}

	var m Message
	switch f.MsgType {
	case MsgSetupConnection:
		m = &SetupConnection{}
	case MsgSetupConnectionSuccess:
		m = &SetupConnectionSuccess{}
	case MsgSetupConnectionError:
		m = &SetupConnectionError{}
	case MsgOpenMiningChannelError:
		m = &OpenMiningChannelError{}
	case MsgOpenExtendedMiningChannel:
		m = &OpenExtendedMiningChannel{}
	case MsgOpenExtendedMiningChannelOk:
		m = &OpenExtendedMiningChannelSuccess{}
	case MsgUpdateChannel:
		m = &UpdateChannel{}
	case MsgUpdateChannelError:
		m = &UpdateChannelError{}
	case MsgCloseChannel:
		m = &CloseChannel{}
	case MsgSetExtranoncePrefix:
		m = &SetExtranoncePrefix{}
	case MsgSubmitSharesExtended:
		m = &SubmitSharesExtended{}
	case MsgSubmitSharesSuccess:
		m = &SubmitSharesSuccess{}
	case MsgSubmitSharesError:
		m = &SubmitSharesError{}
	case MsgNewExtendedMiningJob:
		m = &NewExtendedMiningJob{}
	case MsgSetNewPrevHash:
		m = &SetNewPrevHash{}
	case MsgSetTarget:
		m = &SetTarget{}
	case MsgReconnect:
		m = &Reconnect{}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, f.MsgType)
	}

	d := NewDecoder(f.Payload)
	m.decode(d)
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", Name(f.MsgType), err)
	}
	return m, nil
}

// Common protocol

// SetupConnection opens the session with the pool.
type SetupConnection struct {
	Protocol        uint8
	MinVersion      uint16
	MaxVersion      uint16
	Flags           uint32
	EndpointHost    string
	EndpointPort    uint16
	Vendor          string
	HardwareVersion string
	Firmware        string
	DeviceID        string
}

func (*SetupConnection) MsgType() uint8 { return MsgSetupConnection }

func (m *SetupConnection) encode(e *Encoder) {
	e.U8(m.Protocol)
	e.U16(m.MinVersion)
	e.U16(m.MaxVersion)
	e.U32(m.Flags)
	e.Str0255(m.EndpointHost)
	e.U16(m.EndpointPort)
	e.Str0255(m.Vendor)
	e.Str0255(m.HardwareVersion)
	e.Str0255(m.Firmware)
	e.Str0255(m.DeviceID)
}

func (m *SetupConnection) decode(d *Decoder) {
	m.Protocol = d.U8()
	m.MinVersion = d.U16()
	m.MaxVersion = d.U16()
	m.Flags = d.U32()
	m.EndpointHost = d.Str0255()
	m.EndpointPort = d.U16()
	m.Vendor = d.Str0255()
	m.HardwareVersion = d.Str0255()
	m.Firmware = d.Str0255()
	m.DeviceID = d.Str0255()
}

// SetupConnectionSuccess accepts the connection.
type SetupConnectionSuccess struct {
	UsedVersion uint16
	Flags       uint32
}

func (*SetupConnectionSuccess) MsgType() uint8 { return MsgSetupConnectionSuccess }

func (m *SetupConnectionSuccess) encode(e *Encoder) {
	e.U16(m.UsedVersion)
	e.U32(m.Flags)
}

func (m *SetupConnectionSuccess) decode(d *Decoder) {
	m.UsedVersion = d.U16()
	m.Flags = d.U32()
}

// SetupConnectionError rejects the connection.
type SetupConnectionError struct {
	Flags     uint32
	ErrorCode string
}

func (*SetupConnectionError) MsgType() uint8 { return MsgSetupConnectionError }

func (m *SetupConnectionError) encode(e *Encoder) {
	e.U32(m.Flags)
	e.Str0255(m.ErrorCode)
}

func (m *SetupConnectionError) decode(d *Decoder) {
	m.Flags = d.U32()
	m.ErrorCode = d.Str0255()
}

// Reconnect asks the client to move to another endpoint.
type Reconnect struct {
	NewHost string
	NewPort uint16
}

func (*Reconnect) MsgType() uint8 { return MsgReconnect }

func (m *Reconnect) encode(e *Encoder) {
	e.Str0255(m.NewHost)
	e.U16(m.NewPort)
}

func (m *Reconnect) decode(d *Decoder) {
	m.NewHost = d.Str0255()
	m.NewPort = d.U16()
}

// Mining protocol: channel management

// OpenExtendedMiningChannel requests an extended channel.
type OpenExtendedMiningChannel struct {
	RequestID         uint32
	UserIdentity      string
	NominalHashRate   float32
	MaxTarget         [32]byte
	MinExtranonceSize uint16
}

func (*OpenExtendedMiningChannel) MsgType() uint8 { return MsgOpenExtendedMiningChannel }

func (m *OpenExtendedMiningChannel) encode(e *Encoder) {
	e.U32(m.RequestID)
	e.Str0255(m.UserIdentity)
	e.F32(m.NominalHashRate)
	e.U256(m.MaxTarget)
	e.U16(m.MinExtranonceSize)
}

func (m *OpenExtendedMiningChannel) decode(d *Decoder) {
	m.RequestID = d.U32()
	m.UserIdentity = d.Str0255()
	m.NominalHashRate = d.F32()
	m.MaxTarget = d.U256()
	m.MinExtranonceSize = d.U16()
}

// OpenExtendedMiningChannelSuccess carries the channel id, initial target and
// the pool's extranonce allocation.
type OpenExtendedMiningChannelSuccess struct {
	RequestID        uint32
	ChannelID        uint32
	Target           [32]byte
	ExtranonceSize   uint16
	ExtranoncePrefix []byte
}

func (*OpenExtendedMiningChannelSuccess) MsgType() uint8 { return MsgOpenExtendedMiningChannelOk }

func (m *OpenExtendedMiningChannelSuccess) encode(e *Encoder) {
	e.U32(m.RequestID)
	e.U32(m.ChannelID)
	e.U256(m.Target)
	e.U16(m.ExtranonceSize)
	e.B032(m.ExtranoncePrefix)
}

func (m *OpenExtendedMiningChannelSuccess) decode(d *Decoder) {
	m.RequestID = d.U32()
	m.ChannelID = d.U32()
	m.Target = d.U256()
	m.ExtranonceSize = d.U16()
	m.ExtranoncePrefix = d.B032()
}

// OpenMiningChannelError rejects a channel open request.
type OpenMiningChannelError struct {
	RequestID uint32
	ErrorCode string
}

func (*OpenMiningChannelError) MsgType() uint8 { return MsgOpenMiningChannelError }

func (m *OpenMiningChannelError) encode(e *Encoder) {
	e.U32(m.RequestID)
	e.Str0255(m.ErrorCode)
}

func (m *OpenMiningChannelError) decode(d *Decoder) {
	m.RequestID = d.U32()
	m.ErrorCode = d.Str0255()
}

// UpdateChannel reports a new nominal hashrate for a channel.
type UpdateChannel struct {
	ChannelID       uint32
	NominalHashRate float32
	MaximumTarget   [32]byte
}

func (*UpdateChannel) MsgType() uint8 { return MsgUpdateChannel }

func (m *UpdateChannel) encode(e *Encoder) {
	e.U32(m.ChannelID)
	e.F32(m.NominalHashRate)
	e.U256(m.MaximumTarget)
}

func (m *UpdateChannel) decode(d *Decoder) {
	m.ChannelID = d.U32()
	m.NominalHashRate = d.F32()
	m.MaximumTarget = d.U256()
}

// UpdateChannelError rejects an UpdateChannel.
type UpdateChannelError struct {
	ChannelID uint32
	ErrorCode string
}

func (*UpdateChannelError) MsgType() uint8 { return MsgUpdateChannelError }

func (m *UpdateChannelError) encode(e *Encoder) {
	e.U32(m.ChannelID)
	e.Str0255(m.ErrorCode)
}

func (m *UpdateChannelError) decode(d *Decoder) {
	m.ChannelID = d.U32()
	m.ErrorCode = d.Str0255()
}

// CloseChannel ends a channel.
type CloseChannel struct {
	ChannelID  uint32
	ReasonCode string
}

func (*CloseChannel) MsgType() uint8 { return MsgCloseChannel }

func (m *CloseChannel) encode(e *Encoder) {
	e.U32(m.ChannelID)
	e.Str0255(m.ReasonCode)
}

func (m *CloseChannel) decode(d *Decoder) {
	m.ChannelID = d.U32()
	m.ReasonCode = d.Str0255()
}

// SetExtranoncePrefix replaces the channel's extranonce prefix.
type SetExtranoncePrefix struct {
	ChannelID        uint32
	ExtranoncePrefix []byte
}

func (*SetExtranoncePrefix) MsgType() uint8 { return MsgSetExtranoncePrefix }

func (m *SetExtranoncePrefix) encode(e *Encoder) {
	e.U32(m.ChannelID)
	e.B032(m.ExtranoncePrefix)
}

func (m *SetExtranoncePrefix) decode(d *Decoder) {
	m.ChannelID = d.U32()
	m.ExtranoncePrefix = d.B032()
}

// SetTarget changes the channel's maximum target.
type SetTarget struct {
	ChannelID uint32
	MaxTarget [32]byte
}

func (*SetTarget) MsgType() uint8 { return MsgSetTarget }

func (m *SetTarget) encode(e *Encoder) {
	e.U32(m.ChannelID)
	e.U256(m.MaxTarget)
}

func (m *SetTarget) decode(d *Decoder) {
	m.ChannelID = d.U32()
	m.MaxTarget = d.U256()
}

// Mining protocol: jobs

// NewExtendedMiningJob delivers a job template for an extended channel.
type NewExtendedMiningJob struct {
	ChannelID             uint32
	JobID                 uint32
	FutureJob             bool
	Version               uint32
	VersionRollingAllowed bool
	MerklePath            [][32]byte
	CoinbaseTxPrefix      []byte
	CoinbaseTxSuffix      []byte
}

func (*NewExtendedMiningJob) MsgType() uint8 { return MsgNewExtendedMiningJob }

func (m *NewExtendedMiningJob) encode(e *Encoder) {
	e.U32(m.ChannelID)
	e.U32(m.JobID)
	e.Bool(m.FutureJob)
	e.U32(m.Version)
	e.Bool(m.VersionRollingAllowed)
	e.SeqU256(m.MerklePath)
	e.B064K(m.CoinbaseTxPrefix)
	e.B064K(m.CoinbaseTxSuffix)
}

func (m *NewExtendedMiningJob) decode(d *Decoder) {
	m.ChannelID = d.U32()
	m.JobID = d.U32()
	m.FutureJob = d.Bool()
	m.Version = d.U32()
	m.VersionRollingAllowed = d.Bool()
	m.MerklePath = d.SeqU256()
	m.CoinbaseTxPrefix = d.B064K()
	m.CoinbaseTxSuffix = d.B064K()
}

// SetNewPrevHash moves the channel to a new block and activates a job.
type SetNewPrevHash struct {
	ChannelID uint32
	JobID     uint32
	PrevHash  [32]byte
	MinNTime  uint32
	NBits     uint32
}

func (*SetNewPrevHash) MsgType() uint8 { return MsgSetNewPrevHash }

func (m *SetNewPrevHash) encode(e *Encoder) {
	e.U32(m.ChannelID)
	e.U32(m.JobID)
	e.U256(m.PrevHash)
	e.U32(m.MinNTime)
	e.U32(m.NBits)
}

func (m *SetNewPrevHash) decode(d *Decoder) {
	m.ChannelID = d.U32()
	m.JobID = d.U32()
	m.PrevHash = d.U256()
	m.MinNTime = d.U32()
	m.NBits = d.U32()
}

// Mining protocol: shares

// SubmitSharesExtended submits a share on an extended channel. Extranonce
// excludes the channel's extranonce prefix.
type SubmitSharesExtended struct {
	ChannelID      uint32
	SequenceNumber uint32
	JobID          uint32
	Nonce          uint32
	NTime          uint32
	Version        uint32
	Extranonce     []byte
}

func (*SubmitSharesExtended) MsgType() uint8 { return MsgSubmitSharesExtended }

func (m *SubmitSharesExtended) encode(e *Encoder) {
	e.U32(m.ChannelID)
	e.U32(m.SequenceNumber)
	e.U32(m.JobID)
	e.U32(m.Nonce)
	e.U32(m.NTime)
	e.U32(m.Version)
	e.B032(m.Extranonce)
}

func (m *SubmitSharesExtended) decode(d *Decoder) {
	m.ChannelID = d.U32()
	m.SequenceNumber = d.U32()
	m.JobID = d.U32()
	m.Nonce = d.U32()
	m.NTime = d.U32()
	m.Version = d.U32()
	m.Extranonce = d.B032()
}

// SubmitSharesSuccess acknowledges a batch of shares.
type SubmitSharesSuccess struct {
	ChannelID               uint32
	LastSequenceNumber      uint32
	NewSubmitsAcceptedCount uint32
	NewSharesSum            uint64
}

func (*SubmitSharesSuccess) MsgType() uint8 { return MsgSubmitSharesSuccess }

func (m *SubmitSharesSuccess) encode(e *Encoder) {
	e.U32(m.ChannelID)
	e.U32(m.LastSequenceNumber)
	e.U32(m.NewSubmitsAcceptedCount)
	e.U64(m.NewSharesSum)
}

func (m *SubmitSharesSuccess) decode(d *Decoder) {
	m.ChannelID = d.U32()
	m.LastSequenceNumber = d.U32()
	m.NewSubmitsAcceptedCount = d.U32()
	m.NewSharesSum = d.U64()
}

// SubmitSharesError rejects one share.
type SubmitSharesError struct {
	ChannelID      uint32
	SequenceNumber uint32
	ErrorCode      string
}

func (*SubmitSharesError) MsgType() uint8 { return MsgSubmitSharesError }

func (m *SubmitSharesError) encode(e *Encoder) {
	e.U32(m.ChannelID)
	e.U32(m.SequenceNumber)
	e.Str0255(m.ErrorCode)
}

func (m *SubmitSharesError) decode(d *Decoder) {
	m.ChannelID = d.U32()
	m.SequenceNumber = d.U32()
	m.ErrorCode = d.Str0255()
}
