// Package upstream implements the Stratum V2 pool client: version
// negotiation, the single extended channel, job and prev-hash delivery to the
// bridge and share submission.
package upstream

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/tproxy/internal/metrics"
	"github.com/bardlex/tproxy/internal/mining"
	"github.com/bardlex/tproxy/internal/pipe"
	"github.com/bardlex/tproxy/internal/status"
	"github.com/bardlex/tproxy/internal/sv2"
	"github.com/bardlex/tproxy/internal/telemetry"
	"github.com/bardlex/tproxy/pkg/errors"
	"github.com/bardlex/tproxy/pkg/log"
)

// SubmitPipeSize is the capacity of the bridge to upstream share pipe.
const SubmitPipeSize = 10

// Options configures the pool connection
type Options struct {
	Address      string
	UserIdentity string

	// NominalHashrate is announced at channel open (H/s).
	NominalHashrate float64
	// SharesPerMinute derives the requested maximum target from the hashrate.
	SharesPerMinute float64
	// MinExtranonceSize is the minimum extranonce2 space requested for devices.
	MinExtranonceSize uint16

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// UpdateInterval is the UpdateChannel period.
	UpdateInterval time.Duration

	// Vendor and firmware strings sent in SetupConnection.
	Vendor   string
	Firmware string
}

// Pipes groups the channels the upstream client shares with the bridge. Jobs
// and prev-hashes share one sequence so the bridge can process them in the
// order the pool sent them.
type Pipes struct {
	Jobs       *pipe.Pipe[pipe.Ordered[*sv2.NewExtendedMiningJob]]
	PrevHashes *pipe.Pipe[pipe.Ordered[*sv2.SetNewPrevHash]]
	Submits    *pipe.Pipe[*sv2.SubmitSharesExtended]
	Extranonce *pipe.Handoff[mining.ExtendedExtranonce]
}

// NewPipes creates the pipes with the given capacity
func NewPipes(capacity int) Pipes {
	return Pipes{
		Jobs:       pipe.New[pipe.Ordered[*sv2.NewExtendedMiningJob]](capacity),
		PrevHashes: pipe.New[pipe.Ordered[*sv2.SetNewPrevHash]](capacity),
		Submits:    pipe.New[*sv2.SubmitSharesExtended](capacity),
		Extranonce: pipe.NewHandoff[mining.ExtendedExtranonce](),
	}
}

// Upstream is the single connection to the pool.
type Upstream struct {
	opts     Options
	pipes    Pipes
	target   *mining.SharedTarget
	hashrate *mining.HashrateBook
	status   *status.Sender
	recorder *telemetry.Recorder
	logger   *log.Logger

	conn *sv2.Conn
	seq  pipe.Sequencer

	opened    atomic.Bool
	channelID atomic.Uint32

	// channelTarget is the last target the pool set for the channel; it is
	// republished on every prev-hash.
	targetMu      sync.Mutex
	channelTarget mining.Target

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// New creates an unconnected upstream client
func New(opts Options, pipes Pipes, target *mining.SharedTarget, hashrate *mining.HashrateBook,
	sender *status.Sender, recorder *telemetry.Recorder, logger *log.Logger) *Upstream {
	return &Upstream{
		opts:     opts,
		pipes:    pipes,
		target:   target,
		hashrate: hashrate,
		status:   sender,
		recorder: recorder,
		logger:   logger.WithComponent("upstream"),
	}
}

// Connect dials the pool, negotiates a protocol version in [minVersion,
// maxVersion] and requests an extended channel. The channel is confirmed
// asynchronously by ParseIncoming.
func (u *Upstream) Connect(ctx context.Context, minVersion, maxVersion uint16) error {
	dialer := &net.Dialer{Timeout: u.opts.ConnectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", u.opts.Address)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "connect", "failed to dial pool").
			WithContext("address", u.opts.Address)
	}

	conn := sv2.NewConn(nc, u.opts.WriteTimeout, u.logger)
	if err := u.setup(conn, nc, minVersion, maxVersion); err != nil {
		_ = conn.Close()
		return err
	}

	u.conn = conn
	if err := u.openChannel(); err != nil {
		_ = conn.Close()
		u.conn = nil
		return err
	}

	u.logger.LogConnection("connected", u.opts.Address)
	return nil
}

func (u *Upstream) setup(conn *sv2.Conn, nc net.Conn, minVersion, maxVersion uint16) error {
	host, port := splitHostPort(nc.RemoteAddr())

	req := &sv2.SetupConnection{
		Protocol:     sv2.ProtocolMining,
		MinVersion:   minVersion,
		MaxVersion:   maxVersion,
		Flags:        sv2.FlagRequiresVersionRolling,
		EndpointHost: host,
		EndpointPort: port,
		Vendor:       u.opts.Vendor,
		Firmware:     u.opts.Firmware,
	}
	if err := conn.WriteMessage(req); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "setup_connection", "failed to send SetupConnection")
	}

	if u.opts.ConnectTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(u.opts.ConnectTimeout)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "setup_connection", "failed to set deadline")
		}
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}

	reply, err := conn.ReadMessage()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "setup_connection", "no SetupConnection reply")
	}

	switch m := reply.(type) {
	case *sv2.SetupConnectionSuccess:
		if m.UsedVersion < minVersion || m.UsedVersion > maxVersion {
			return errors.New(errors.ErrorTypeConnection, "setup_connection",
				fmt.Sprintf("pool selected version %d outside [%d, %d]", m.UsedVersion, minVersion, maxVersion))
		}
		u.logger.Info("connection set up", "used_version", m.UsedVersion, "flags", m.Flags)
		return nil
	case *sv2.SetupConnectionError:
		return errors.New(errors.ErrorTypeConnection, "setup_connection",
			fmt.Sprintf("pool rejected connection: %s", m.ErrorCode)).
			WithContext("flags", m.Flags)
	default:
		return errors.New(errors.ErrorTypeProtocol, "setup_connection",
			fmt.Sprintf("unexpected %s during setup", sv2.Name(reply.MsgType())))
	}
}

func (u *Upstream) openChannel() error {
	maxTarget, err := mining.HashrateToTarget(u.opts.NominalHashrate, u.opts.SharesPerMinute)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfiguration, "open_channel", "invalid nominal hashrate")
	}

	req := &sv2.OpenExtendedMiningChannel{
		RequestID:         1,
		UserIdentity:      u.opts.UserIdentity,
		NominalHashRate:   float32(u.opts.NominalHashrate),
		MaxTarget:         maxTarget.LE(),
		MinExtranonceSize: u.opts.MinExtranonceSize,
	}
	if err := u.conn.WriteMessage(req); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "open_channel", "failed to send OpenExtendedMiningChannel")
	}
	return nil
}

// ParseIncoming reads and dispatches pool messages until the connection
// fails, a fatal message arrives or ctx is cancelled. It closes the job and
// prev-hash pipes on return so the bridge observes the loss. A failure is
// reported as the upstream shutdown before the pipes close, so it always
// reaches the supervisor ahead of the bridge's.
func (u *Upstream) ParseIncoming(ctx context.Context) (err error) {
	defer u.pipes.Jobs.CloseSender()
	defer u.pipes.PrevHashes.CloseSender()
	defer func() {
		if err != nil && ctx.Err() == nil {
			u.status.Shutdown(err)
		}
	}()

	if u.conn == nil {
		return errors.New(errors.ErrorTypeConnection, "parse_incoming", "not connected")
	}

	stop := context.AfterFunc(ctx, func() { _ = u.conn.Close() })
	defer stop()

	for {
		msg, err := u.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if stderrors.Is(err, sv2.ErrUnknownMessage) {
				u.logger.WithError(err).Warn("ignoring unsupported message")
				continue
			}
			if sv2.IsMalformed(err) {
				return errors.Protocol(err, "parse_incoming", "malformed frame from pool")
			}
			return errors.Connection(err, "parse_incoming", "pool connection lost")
		}

		if err := u.handleMessage(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (u *Upstream) handleMessage(ctx context.Context, msg sv2.Message) error {
	switch m := msg.(type) {
	case *sv2.OpenExtendedMiningChannelSuccess:
		return u.handleChannelOpened(m)

	case *sv2.OpenMiningChannelError:
		return errors.New(errors.ErrorTypeConnection, "open_channel",
			fmt.Sprintf("pool refused channel: %s", m.ErrorCode))

	case *sv2.NewExtendedMiningJob:
		if !u.forChannel(m.ChannelID) {
			u.logger.Warn("dropping job for foreign channel", "channel_id", m.ChannelID, "job_id", m.JobID)
			return nil
		}
		u.logger.Debug("new extended job", "job_id", m.JobID, "future", m.FutureJob)
		if err := u.pipes.Jobs.Send(ctx, pipe.Tag(&u.seq, m)); err != nil {
			return errors.Channel(err, "forward_job", "bridge stopped receiving jobs")
		}
		return nil

	case *sv2.SetNewPrevHash:
		if !u.forChannel(m.ChannelID) {
			u.logger.Warn("dropping prev hash for foreign channel", "channel_id", m.ChannelID)
			return nil
		}
		u.logger.Debug("new prev hash", "job_id", m.JobID, "nbits", fmt.Sprintf("%08x", m.NBits))
		if err := u.pipes.PrevHashes.Send(ctx, pipe.Tag(&u.seq, m)); err != nil {
			return errors.Channel(err, "forward_prev_hash", "bridge stopped receiving prev hashes")
		}
		u.republishTarget()
		return nil

	case *sv2.SetTarget:
		if !u.forChannel(m.ChannelID) {
			return nil
		}
		t := mining.TargetFromLE(m.MaxTarget)
		u.setChannelTarget(t)
		u.logger.Info("channel target updated", "difficulty", mining.TargetToDifficulty(t))
		return nil

	case *sv2.SubmitSharesSuccess:
		u.accepted.Add(uint64(m.NewSubmitsAcceptedCount))
		metrics.UpstreamShares.WithLabelValues(metrics.ResultAccepted).Add(float64(m.NewSubmitsAcceptedCount))
		u.recorder.Record(telemetry.Event{
			Kind:      telemetry.KindShareAcknowledged,
			ChannelID: m.ChannelID,
			Count:     uint64(m.NewSubmitsAcceptedCount),
		})
		u.logger.Debug("shares accepted",
			"last_sequence_number", m.LastSequenceNumber,
			"accepted", m.NewSubmitsAcceptedCount,
			"shares_sum", m.NewSharesSum,
		)
		return nil

	case *sv2.SubmitSharesError:
		u.rejected.Add(1)
		metrics.UpstreamShares.WithLabelValues(metrics.ResultRejected).Inc()
		u.recorder.Record(telemetry.Event{
			Kind:      telemetry.KindShareRejected,
			ChannelID: m.ChannelID,
			Count:     1,
			Message:   m.ErrorCode,
		})
		u.logger.Warn("share rejected by pool", "sequence_number", m.SequenceNumber, "error_code", m.ErrorCode)
		return nil

	case *sv2.UpdateChannelError:
		u.logger.Warn("pool rejected channel update", "error_code", m.ErrorCode)
		return nil

	case *sv2.SetExtranoncePrefix:
		return errors.New(errors.ErrorTypeProtocol, "set_extranonce_prefix",
			"pool changed the extranonce prefix of a live channel")

	case *sv2.Reconnect:
		return errors.New(errors.ErrorTypeProtocol, "reconnect",
			fmt.Sprintf("pool requested reconnect to %s:%d", m.NewHost, m.NewPort))

	case *sv2.CloseChannel:
		return errors.New(errors.ErrorTypeProtocol, "close_channel",
			fmt.Sprintf("pool closed the channel: %s", m.ReasonCode))

	default:
		return errors.New(errors.ErrorTypeProtocol, "parse_incoming",
			fmt.Sprintf("unexpected %s", sv2.Name(msg.MsgType())))
	}
}

func (u *Upstream) handleChannelOpened(m *sv2.OpenExtendedMiningChannelSuccess) error {
	if !u.opened.CompareAndSwap(false, true) {
		return errors.New(errors.ErrorTypeProtocol, "open_channel", "channel opened twice")
	}

	ext, err := mining.NewExtendedExtranonce(m.ChannelID, m.ExtranoncePrefix,
		int(m.ExtranonceSize), int(u.opts.MinExtranonceSize))
	if err != nil {
		return errors.Protocol(err, "open_channel", "unusable extranonce allocation")
	}

	u.channelID.Store(m.ChannelID)
	u.setChannelTarget(mining.TargetFromLE(m.Target))

	if err := u.pipes.Extranonce.Give(ext); err != nil {
		return errors.Channel(err, "open_channel", "extranonce already handed off")
	}

	u.logger.WithChannel(m.ChannelID).Info("extended channel opened",
		"extranonce_prefix", fmt.Sprintf("%x", m.ExtranoncePrefix),
		"extranonce_size", m.ExtranonceSize,
		"session_prefix_len", ext.SessionLen,
	)
	u.status.Healthy(fmt.Sprintf("channel %d opened", m.ChannelID))
	return nil
}

// HandleSubmit forwards translated shares from the bridge to the pool.
func (u *Upstream) HandleSubmit(ctx context.Context) error {
	defer u.pipes.Submits.CloseReceiver()

	for {
		share, err := u.pipes.Submits.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Channel(err, "handle_submit", "bridge closed the submission pipe")
		}

		if err := u.conn.WriteMessage(share); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Connection(err, "handle_submit", "failed to send share")
		}
	}
}

// HandleChannelUpdates periodically reports the aggregated device hashrate
// and the matching maximum target.
func (u *Upstream) HandleChannelUpdates(ctx context.Context) error {
	if u.opts.UpdateInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(u.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !u.opened.Load() {
				continue
			}
			if err := u.sendChannelUpdate(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (u *Upstream) sendChannelUpdate() error {
	total := u.hashrate.Total()
	maxTarget, err := mining.HashrateToTarget(total, u.opts.SharesPerMinute)
	if err != nil {
		u.logger.WithError(err).Warn("skipping channel update")
		return nil
	}

	channelID := u.channelID.Load()
	msg := &sv2.UpdateChannel{
		ChannelID:       channelID,
		NominalHashRate: float32(total),
		MaximumTarget:   maxTarget.LE(),
	}
	if err := u.conn.WriteMessage(msg); err != nil {
		return errors.Connection(err, "update_channel", "failed to send UpdateChannel")
	}

	metrics.ChannelHashrate.Set(total)
	u.recorder.Record(telemetry.Event{
		Kind:      telemetry.KindChannelUpdated,
		ChannelID: channelID,
		Hashrate:  total,
	})
	accepted, rejected := u.Stats()
	u.logger.Debug("channel updated",
		"nominal_hashrate", total,
		"sessions", u.hashrate.Sessions(),
		"shares_accepted", accepted,
		"shares_rejected", rejected,
	)
	return nil
}

// Close closes the pool connection.
func (u *Upstream) Close() error {
	if u.conn == nil {
		return nil
	}
	return u.conn.Close()
}

// ChannelID returns the open channel id, or 0 before the channel is open.
func (u *Upstream) ChannelID() uint32 {
	return u.channelID.Load()
}

// Stats returns the pool's share acknowledgements so far.
func (u *Upstream) Stats() (accepted, rejected uint64) {
	return u.accepted.Load(), u.rejected.Load()
}

func (u *Upstream) forChannel(channelID uint32) bool {
	return u.opened.Load() && channelID == u.channelID.Load()
}

func (u *Upstream) setChannelTarget(t mining.Target) {
	u.targetMu.Lock()
	u.channelTarget = t
	u.targetMu.Unlock()

	u.target.Store(t)
	metrics.ChannelDifficulty.Set(mining.TargetToDifficulty(t))
}

func (u *Upstream) republishTarget() {
	u.targetMu.Lock()
	t := u.channelTarget
	u.targetMu.Unlock()

	u.target.Store(t)
}

func splitHostPort(addr net.Addr) (string, uint16) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String(), 0
	}
	return tcp.IP.String(), uint16(tcp.Port)
}
