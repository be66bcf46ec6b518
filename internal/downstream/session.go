package downstream

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/bardlex/tproxy/internal/bridge"
	"github.com/bardlex/tproxy/internal/config"
	"github.com/bardlex/tproxy/internal/metrics"
	"github.com/bardlex/tproxy/internal/mining"
	"github.com/bardlex/tproxy/internal/pipe"
	"github.com/bardlex/tproxy/internal/sv1"
	"github.com/bardlex/tproxy/internal/telemetry"
	"github.com/bardlex/tproxy/pkg/errors"
	"github.com/bardlex/tproxy/pkg/log"
)

// State is the position of a device in the Stratum V1 handshake.
type State int

const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
	// StateActive is reached once the device has a difficulty and a job.
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// allowedStates lists, per request method, the states it may arrive in. A
// request outside its states closes the session.
var allowedStates = map[string][]State{
	sv1.MethodSubscribe:           {StateConnected},
	sv1.MethodConfigure:           {StateConnected, StateSubscribed, StateAuthorized},
	sv1.MethodAuthorize:           {StateSubscribed, StateAuthorized, StateActive},
	sv1.MethodExtranonceSubscribe: {StateSubscribed, StateAuthorized, StateActive},
	sv1.MethodSuggestDifficulty:   {StateConnected, StateSubscribed, StateAuthorized, StateActive},
	sv1.MethodSubmit:              {StateActive},
}

const (
	outboundQueueSize = 100
	extVersionRolling = "version-rolling"
)

var errOutboundFull = stderrors.New("outbound queue full")

// Bridge is the part of the translation engine a session talks to.
type Bridge interface {
	AssignExtranonce() (mining.Assignment, error)
	ReleaseExtranonce(a mining.Assignment)
	Extranonce2Size() int
	LastNotify() (*sv1.Notify, bool)
	HasJob(jobID uint32) bool
	VersionRollingAllowed() bool
	Target() mining.Target
	Submit(ctx context.Context, sub bridge.Submission) error
	Subscribe() *pipe.Subscription[*sv1.Notify]
}

// Config holds the per-session settings shared by every device.
type Config struct {
	Difficulty           config.DownstreamDifficultyConfig
	RequirePayoutAddress bool
	ChainParams          *chaincfg.Params
	IdleTimeout          time.Duration
	WriteTimeout         time.Duration
}

// Session is one connected mining device.
type Session struct {
	id       uint64
	conn     net.Conn
	reader   *sv1.Reader
	bridge   Bridge
	cfg      Config
	hashrate *mining.HashrateBook
	recorder *telemetry.Recorder
	logger   *log.Logger

	outbound  chan []byte
	closeOnce sync.Once

	// deadlineMu orders read deadline updates against interruptRead.
	deadlineMu  sync.Mutex
	interrupted bool

	limiter *rate.Limiter
	now     func() time.Time

	mu             sync.Mutex
	state          State
	assignment     mining.Assignment
	assigned       bool
	workers        map[string]struct{}
	worker         string
	versionMask    uint32
	vardiff        *Vardiff
	sentDifficulty float64
}

// NewSession creates a session for an accepted connection
func NewSession(id uint64, conn net.Conn, b Bridge, cfg Config, hashrate *mining.HashrateBook,
	recorder *telemetry.Recorder, logger *log.Logger) *Session {
	now := time.Now()
	burst := int(2 * cfg.Difficulty.SubmitRateLimit)
	if burst < 1 {
		burst = 1
	}
	return &Session{
		id:       id,
		conn:     conn,
		reader:   sv1.NewReader(conn),
		bridge:   b,
		cfg:      cfg,
		hashrate: hashrate,
		recorder: recorder,
		logger:   logger.WithSession(strconv.FormatUint(id, 10), conn.RemoteAddr().String()),
		outbound: make(chan []byte, outboundQueueSize),
		limiter:  rate.NewLimiter(rate.Limit(cfg.Difficulty.SubmitRateLimit), burst),
		now:      time.Now,
		workers:  make(map[string]struct{}),
		vardiff:  NewVardiff(cfg.Difficulty, InitialDifficulty(cfg.Difficulty), now),
	}
}

// ID returns the session identifier
func (s *Session) ID() uint64 {
	return s.id
}

// RemoteAddr returns the device address
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// State returns the current handshake state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run serves the device until it disconnects, violates the protocol or ctx
// is cancelled. The extranonce prefix is released on return.
func (s *Session) Run(ctx context.Context) error {
	s.logger.LogConnection("connected", s.RemoteAddr())
	sub := s.bridge.Subscribe()
	defer s.close(sub)

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(s.readLoop)
	p.Go(s.writeLoop)
	p.Go(func(ctx context.Context) error { return s.notifyLoop(ctx, sub) })
	p.Go(s.retargetLoop)

	err := p.Wait()
	if stderrors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.interruptRead)
	defer stop()

	for {
		if err := s.extendReadDeadline(); err != nil {
			return nil
		}

		msg, line, err := s.reader.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if stderrors.Is(err, io.EOF) {
				s.logger.Info("device disconnected")
				return io.EOF
			}
			if line != nil {
				_ = s.replyError(nil, sv1.ErrorParseError, "Parse error")
				return errors.Protocol(err, "read", "malformed line from device")
			}
			return errors.Connection(err, "read", "device connection lost")
		}

		s.logger.LogStratumMessage("received", string(line))

		if err := s.handleMessage(ctx, msg); err != nil {
			return err
		}
	}
}

// writeLoop owns every write to the connection. On cancellation it flushes
// what is already queued so a final error reply still reaches the device.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case data := <-s.outbound:
					if err := s.write(data); err != nil {
						return nil
					}
				default:
					return nil
				}
			}
		case data := <-s.outbound:
			if err := s.write(data); err != nil {
				return errors.Connection(err, "write", "failed to write to device")
			}
		}
	}
}

func (s *Session) write(data []byte) error {
	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	if _, err := s.conn.Write(data); err != nil {
		return err
	}
	s.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
	return nil
}

func (s *Session) notifyLoop(ctx context.Context, sub *pipe.Subscription[*sv1.Notify]) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.C():
			if !ok {
				return errors.Channel(pipe.ErrClosed, "notify", "bridge stopped broadcasting jobs")
			}
			if err := s.sendJob(n); err != nil {
				return err
			}
		}
	}
}

// retargetLoop lowers the difficulty of a device that stopped submitting.
func (s *Session) retargetLoop(ctx context.Context) error {
	if s.cfg.Difficulty.AdjustmentWindow <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.cfg.Difficulty.AdjustmentWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.mu.Lock()
			var err error
			if s.state == StateActive {
				if d, changed := s.vardiff.Check(s.now()); changed {
					err = s.applyDifficultyLocked(d)
				}
			}
			s.mu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg *sv1.Message) error {
	if msg.Method == "" {
		// Devices do not answer our notifications; ignore stray responses.
		return nil
	}

	allowed, known := allowedStates[msg.Method]
	if !known {
		s.logger.Debug("unsupported method", "method", msg.Method)
		return s.replyError(msg.ID, sv1.ErrorMethodNotFound, "Method not found")
	}

	state := s.State()
	if !slices.Contains(allowed, state) {
		code := sv1.ErrorOther
		switch state {
		case StateConnected:
			code = sv1.ErrorNotSubscribed
		case StateSubscribed:
			code = sv1.ErrorUnauthorized
		}
		_ = s.replyError(msg.ID, code, fmt.Sprintf("%s not allowed while %s", msg.Method, state))
		return errors.New(errors.ErrorTypeProtocol, msg.Method,
			fmt.Sprintf("request not allowed in state %s", state))
	}

	switch msg.Method {
	case sv1.MethodSubscribe:
		return s.handleSubscribe(msg)
	case sv1.MethodConfigure:
		return s.handleConfigure(msg)
	case sv1.MethodAuthorize:
		return s.handleAuthorize(msg)
	case sv1.MethodExtranonceSubscribe:
		return s.reply(msg.ID, true)
	case sv1.MethodSuggestDifficulty:
		return s.handleSuggestDifficulty(msg)
	case sv1.MethodSubmit:
		return s.handleSubmit(ctx, msg)
	}
	return nil
}

func (s *Session) handleSubscribe(msg *sv1.Message) error {
	req, _ := sv1.ParseSubscribeRequest(msg.Params)

	a, err := s.bridge.AssignExtranonce()
	if err != nil {
		_ = s.replyError(msg.ID, sv1.ErrorOther, "No extranonce space left")
		return errors.Channel(err, "subscribe", "cannot assign extranonce prefix")
	}

	s.mu.Lock()
	s.assignment = a
	s.assigned = true
	s.state = StateSubscribed
	s.mu.Unlock()

	s.logger.Info("device subscribed", "user_agent", req.UserAgent, "extranonce1", a.Extranonce1Hex())
	subscriptionID := strconv.FormatUint(s.id, 16)
	return s.reply(msg.ID, sv1.NewSubscribeResult(subscriptionID, a.Extranonce1Hex(), s.bridge.Extranonce2Size()))
}

func (s *Session) handleConfigure(msg *sv1.Message) error {
	req, err := sv1.ParseConfigureRequest(msg.Params)
	if err != nil {
		return s.replyError(msg.ID, sv1.ErrorInvalidParams, err.Error())
	}

	result := make(map[string]any, len(req.Extensions)+1)
	for _, ext := range req.Extensions {
		if ext != extVersionRolling {
			result[ext] = false
			continue
		}

		mask := mining.VersionRollingMask
		if req.HasMask {
			mask &= req.VersionRollingMask
		}
		if mask == 0 || !s.bridge.VersionRollingAllowed() {
			result[ext] = false
			continue
		}

		s.mu.Lock()
		s.versionMask = mask
		s.mu.Unlock()
		result[ext] = true
		result[extVersionRolling+".mask"] = mining.FormatUint32(mask)
	}
	return s.reply(msg.ID, result)
}

func (s *Session) handleAuthorize(msg *sv1.Message) error {
	req, err := sv1.ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return s.replyError(msg.ID, sv1.ErrorInvalidParams, err.Error())
	}
	if err := s.checkPayoutAddress(req.Username); err != nil {
		s.logger.WithError(err).Warn("authorization refused", "worker", req.Username)
		return s.replyError(msg.ID, sv1.ErrorUnauthorized, "Invalid payout address")
	}

	s.mu.Lock()
	s.workers[req.Username] = struct{}{}
	first := s.state == StateSubscribed
	if first {
		s.state = StateAuthorized
		s.worker = req.Username
	}
	s.hashrate.Set(s.id, s.vardiff.Hashrate())
	s.mu.Unlock()

	if err := s.reply(msg.ID, true); err != nil {
		return err
	}
	if !first {
		return nil
	}

	s.logger.Info("device authorized", "worker", req.Username)
	s.recorder.Record(telemetry.Event{
		Kind:       telemetry.KindSessionOpened,
		SessionID:  strconv.FormatUint(s.id, 10),
		Worker:     req.Username,
		RemoteAddr: s.RemoteAddr(),
	})

	if n, ok := s.bridge.LastNotify(); ok {
		return s.sendJob(n)
	}
	return nil
}

func (s *Session) checkPayoutAddress(username string) error {
	if !s.cfg.RequirePayoutAddress {
		return nil
	}
	params := s.cfg.ChainParams
	if params == nil {
		params = &chaincfg.MainNetParams
	}

	addr, _, _ := strings.Cut(username, ".")
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return fmt.Errorf("decode %q: %w", addr, err)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("address %s is not for %s", addr, params.Name)
	}
	return nil
}

func (s *Session) handleSuggestDifficulty(msg *sv1.Message) error {
	d, err := sv1.ParseSuggestDifficulty(msg.Params)
	if err != nil {
		if msg.ID == nil {
			return nil
		}
		return s.replyError(msg.ID, sv1.ErrorInvalidParams, err.Error())
	}

	s.mu.Lock()
	s.vardiff.SetDifficulty(d, s.now())
	if s.state == StateActive {
		err = s.applyDifficultyLocked(d)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.logger.Debug("device suggested difficulty", "difficulty", d)
	if msg.ID == nil {
		return nil
	}
	return s.reply(msg.ID, true)
}

func (s *Session) handleSubmit(ctx context.Context, msg *sv1.Message) error {
	req, err := sv1.ParseSubmitRequest(msg.Params)
	if err != nil {
		metrics.SharesSubmitted.WithLabelValues(metrics.ResultInvalid).Inc()
		return s.replyError(msg.ID, sv1.ErrorInvalidParams, err.Error())
	}

	s.mu.Lock()
	_, authorized := s.workers[req.Username]
	assignment := s.assignment
	mask := s.versionMask
	difficulty := s.sentDifficulty
	s.mu.Unlock()

	if !authorized {
		return s.replyError(msg.ID, sv1.ErrorUnauthorized, "Unauthorized worker")
	}
	if !s.limiter.Allow() {
		metrics.SharesSubmitted.WithLabelValues(metrics.ResultLimited).Inc()
		return s.replyError(msg.ID, sv1.ErrorOther, "Rate limited")
	}

	jobID, err := strconv.ParseUint(req.JobID, 10, 32)
	if err != nil || !s.bridge.HasJob(uint32(jobID)) {
		metrics.SharesSubmitted.WithLabelValues(metrics.ResultStale).Inc()
		s.logger.LogShareSubmission(req.Username, req.JobID, difficulty, metrics.ResultStale)
		return s.replyError(msg.ID, sv1.ErrorJobNotFound, "Job not found")
	}

	sub, err := s.decodeShare(req, uint32(jobID), assignment, mask)
	if err != nil {
		metrics.SharesSubmitted.WithLabelValues(metrics.ResultInvalid).Inc()
		s.logger.WithError(err).Warn("malformed share", "worker", req.Username, "job_id", req.JobID)
		return s.replyError(msg.ID, sv1.ErrorOther, err.Error())
	}
	sub.Difficulty = difficulty

	if err := s.bridge.Submit(ctx, sub); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if err := s.reply(msg.ID, true); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, changed := s.vardiff.RecordShare(s.now()); changed {
		return s.applyDifficultyLocked(d)
	}
	return nil
}

func (s *Session) decodeShare(req *sv1.SubmitRequest, jobID uint32, a mining.Assignment, mask uint32) (bridge.Submission, error) {
	e2, err := hex.DecodeString(req.ExtraNonce2)
	if err != nil {
		return bridge.Submission{}, fmt.Errorf("invalid extranonce2: %w", err)
	}
	if len(e2) != s.bridge.Extranonce2Size() {
		return bridge.Submission{}, fmt.Errorf("extranonce2 must be %d bytes", s.bridge.Extranonce2Size())
	}
	ntime, err := mining.ParseUint32(req.NTime)
	if err != nil {
		return bridge.Submission{}, fmt.Errorf("invalid ntime: %w", err)
	}
	nonce, err := mining.ParseUint32(req.Nonce)
	if err != nil {
		return bridge.Submission{}, fmt.Errorf("invalid nonce: %w", err)
	}

	sub := bridge.Submission{
		SessionID:   s.id,
		Worker:      req.Username,
		JobID:       jobID,
		Extranonce2: e2,
		NTime:       ntime,
		Nonce:       nonce,
		VersionMask: mask,
		Assignment:  a,
	}
	if req.VersionBits != "" {
		if mask == 0 {
			return bridge.Submission{}, fmt.Errorf("version rolling was not negotiated")
		}
		bits, err := mining.ParseUint32(req.VersionBits)
		if err != nil {
			return bridge.Submission{}, fmt.Errorf("invalid version bits: %w", err)
		}
		sub.VersionBits = &bits
	}
	return sub, nil
}

// sendJob forwards a job to an authorized device, preceded by
// mining.set_difficulty when the device difficulty changed. The first pair
// makes the session active.
func (s *Session) sendJob(n *sv1.Notify) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthorized && s.state != StateActive {
		return nil
	}

	d := s.clampLocked(s.vardiff.Difficulty())
	if d != s.sentDifficulty {
		if err := s.sendDifficultyLocked(d); err != nil {
			return err
		}
	}
	if err := s.enqueue(n.Message()); err != nil {
		return err
	}
	if s.state == StateAuthorized {
		s.state = StateActive
		s.logger.Info("device active", "difficulty", d, "job_id", n.JobID)
	}
	return nil
}

// clampLocked keeps the device target at or below the channel target so every
// share the device finds is also a valid channel share.
func (s *Session) clampLocked(d float64) float64 {
	if floor := mining.TargetToDifficulty(s.bridge.Target()); d < floor {
		return floor
	}
	return d
}

func (s *Session) applyDifficultyLocked(d float64) error {
	old := s.sentDifficulty
	eff := s.clampLocked(d)
	if eff != d {
		s.vardiff.SetDifficulty(eff, s.now())
	}
	if eff == old {
		return nil
	}
	if err := s.sendDifficultyLocked(eff); err != nil {
		return err
	}

	metrics.DifficultyUpdates.Inc()
	s.logger.LogDifficultyChange(old, eff, s.cfg.Difficulty.SharesPerMinute)
	return nil
}

func (s *Session) sendDifficultyLocked(d float64) error {
	if err := s.enqueue(sv1.NewSetDifficulty(d)); err != nil {
		return err
	}
	s.sentDifficulty = d
	if s.state >= StateAuthorized {
		s.hashrate.Set(s.id, s.vardiff.Hashrate())
	}
	s.recorder.Record(telemetry.Event{
		Kind:       telemetry.KindDifficultyChanged,
		SessionID:  strconv.FormatUint(s.id, 10),
		Worker:     s.worker,
		Difficulty: d,
		Hashrate:   s.vardiff.Hashrate(),
	})
	return nil
}

func (s *Session) reply(id any, result any) error {
	return s.enqueue(sv1.NewResponse(id, result))
}

func (s *Session) replyError(id any, code int, message string) error {
	return s.enqueue(sv1.NewErrorResponse(id, code, message))
}

// enqueue never blocks: a device that cannot keep up is disconnected.
func (s *Session) enqueue(msg *sv1.Message) error {
	data, err := sv1.MarshalMessage(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "marshal", "failed to encode message")
	}

	select {
	case s.outbound <- data:
		return nil
	default:
		return errors.Connection(errOutboundFull, "send", "device is not reading")
	}
}

func (s *Session) extendReadDeadline() error {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()

	if s.interrupted {
		return net.ErrClosed
	}
	var deadline time.Time
	if s.cfg.IdleTimeout > 0 {
		deadline = time.Now().Add(s.cfg.IdleTimeout)
	}
	return s.conn.SetReadDeadline(deadline)
}

func (s *Session) interruptRead() {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()

	s.interrupted = true
	_ = s.conn.SetReadDeadline(time.Now())
}

func (s *Session) close(sub *pipe.Subscription[*sv1.Notify]) {
	s.closeOnce.Do(func() {
		sub.Unsubscribe()
		if dropped := sub.Dropped(); dropped > 0 {
			metrics.NotifyDropped.Add(float64(dropped))
		}

		s.mu.Lock()
		s.state = StateClosed
		if s.assigned {
			s.bridge.ReleaseExtranonce(s.assignment)
			s.assigned = false
		}
		worker := s.worker
		s.mu.Unlock()

		s.hashrate.Remove(s.id)
		if err := s.conn.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Debug("failed to close connection")
		}

		s.recorder.Record(telemetry.Event{
			Kind:       telemetry.KindSessionClosed,
			SessionID:  strconv.FormatUint(s.id, 10),
			Worker:     worker,
			RemoteAddr: s.RemoteAddr(),
		})
		s.logger.LogConnection("disconnected", s.RemoteAddr())
	})
}
