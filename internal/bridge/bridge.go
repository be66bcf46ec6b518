// Package bridge translates between the device-facing Stratum V1 sessions and
// the single Stratum V2 extended channel. It turns pool jobs into
// mining.notify broadcasts and device shares into SubmitSharesExtended.
package bridge

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sourcegraph/conc/pool"

	"github.com/bardlex/tproxy/internal/metrics"
	"github.com/bardlex/tproxy/internal/mining"
	"github.com/bardlex/tproxy/internal/pipe"
	"github.com/bardlex/tproxy/internal/sv1"
	"github.com/bardlex/tproxy/internal/sv2"
	"github.com/bardlex/tproxy/internal/telemetry"
	"github.com/bardlex/tproxy/pkg/errors"
	"github.com/bardlex/tproxy/pkg/log"
)

// SubmissionPipeSize is the capacity of the sessions to bridge share pipe.
const SubmissionPipeSize = 10

// NotifyQueueSize is the per-session backlog of the notify broadcast.
const NotifyQueueSize = 8

// Reasons a submission is dropped instead of forwarded.
var (
	ErrStaleJob          = stderrors.New("job is not valid on the current prev hash")
	ErrForeignExtranonce = stderrors.New("extranonce prefix is not assigned")
	ErrBadExtranonce2    = stderrors.New("extranonce2 has the wrong length")
)

// Submission is a share from one device, already decoded from mining.submit.
type Submission struct {
	SessionID   uint64
	Worker      string
	JobID       uint32
	Extranonce2 []byte
	NTime       uint32
	Nonce       uint32
	// VersionBits is nil unless the device negotiated version rolling.
	VersionBits *uint32
	VersionMask uint32
	Assignment  mining.Assignment
	Difficulty  float64
}

// Options wires the bridge to its peers.
type Options struct {
	Submissions     *pipe.Pipe[Submission]
	UpstreamSubmits *pipe.Pipe[*sv2.SubmitSharesExtended]
	Jobs            *pipe.Pipe[pipe.Ordered[*sv2.NewExtendedMiningJob]]
	PrevHashes      *pipe.Pipe[pipe.Ordered[*sv2.SetNewPrevHash]]
	Notify          *pipe.Broadcaster[*sv1.Notify]
	Extranonce      mining.ExtendedExtranonce
	Target          *mining.SharedTarget
	Recorder        *telemetry.Recorder
}

// NewNotifyBroadcaster creates the notify fan-out sized for sessions.
func NewNotifyBroadcaster() *pipe.Broadcaster[*sv1.Notify] {
	return pipe.NewBroadcaster[*sv1.Notify](NotifyQueueSize)
}

// Bridge is shared by the job loop, the submission loop and every session.
type Bridge struct {
	submissions     *pipe.Pipe[Submission]
	upstreamSubmits *pipe.Pipe[*sv2.SubmitSharesExtended]
	jobs            *pipe.Pipe[pipe.Ordered[*sv2.NewExtendedMiningJob]]
	prevHashes      *pipe.Pipe[pipe.Ordered[*sv2.SetNewPrevHash]]
	notify          *pipe.Broadcaster[*sv1.Notify]
	allocator       *mining.Allocator
	target          *mining.SharedTarget
	recorder        *telemetry.Recorder
	logger          *log.Logger

	channelID uint32
	sequence  atomic.Uint32

	// nextSeq is only touched by the job loop.
	nextSeq uint64

	mu sync.RWMutex
	// futureJobs wait for the prev hash that activates them.
	futureJobs map[uint32]*sv2.NewExtendedMiningJob
	// validJobs are the jobs built on the current prev hash.
	validJobs map[uint32]*sv2.NewExtendedMiningJob
	// prevHash is nil while a prev hash waits for its future job.
	prevHash    *sv2.SetNewPrevHash
	pendingPrev *sv2.SetNewPrevHash
	lastNotify  *sv1.Notify
	lastJob     *sv2.NewExtendedMiningJob
	// withheld is set while lastNotify was kept back for lack of a target.
	withheld bool
}

// New creates a bridge over the extranonce space the pool allocated.
func New(opts Options, logger *log.Logger) *Bridge {
	return &Bridge{
		submissions:     opts.Submissions,
		upstreamSubmits: opts.UpstreamSubmits,
		jobs:            opts.Jobs,
		prevHashes:      opts.PrevHashes,
		notify:          opts.Notify,
		allocator:       mining.NewAllocator(opts.Extranonce),
		target:          opts.Target,
		recorder:        opts.Recorder,
		logger:          logger.WithComponent("bridge").WithChannel(opts.Extranonce.ChannelID),
		channelID:       opts.Extranonce.ChannelID,
		futureJobs:      make(map[uint32]*sv2.NewExtendedMiningJob),
		validJobs:       make(map[uint32]*sv2.NewExtendedMiningJob),
	}
}

// Start runs the job and submission loops until ctx is cancelled or either
// loop loses a peer. On return every pipe end the bridge owns is closed so
// the other components observe the loss.
func (b *Bridge) Start(ctx context.Context) error {
	defer b.notify.Close()
	defer b.upstreamSubmits.CloseSender()
	defer b.submissions.CloseReceiver()
	defer b.jobs.CloseReceiver()
	defer b.prevHashes.CloseReceiver()

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(b.handleJobs)
	p.Go(b.handleSubmissions)
	return p.Wait()
}

// handleJobs merges the job and prev-hash pipes back into the order the pool
// sent them, then applies each message.
func (b *Bridge) handleJobs(ctx context.Context) error {
	var (
		job  *pipe.Ordered[*sv2.NewExtendedMiningJob]
		prev *pipe.Ordered[*sv2.SetNewPrevHash]
	)
	targetSet := b.target.Initialized()

	for {
		switch {
		case job != nil && (job.Seq == b.nextSeq || prev != nil && job.Seq < prev.Seq):
			b.nextSeq = job.Seq + 1
			b.onJob(job.Value)
			job = nil
			continue
		case prev != nil && (prev.Seq == b.nextSeq || job != nil && prev.Seq < job.Seq):
			b.nextSeq = prev.Seq + 1
			b.onPrevHash(prev.Value)
			prev = nil
			continue
		}

		var jobsC <-chan pipe.Ordered[*sv2.NewExtendedMiningJob]
		var prevC <-chan pipe.Ordered[*sv2.SetNewPrevHash]
		if job == nil {
			jobsC = b.jobs.C()
		}
		if prev == nil {
			prevC = b.prevHashes.C()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-targetSet:
			targetSet = nil
			b.onTargetInitialized()
		case v, ok := <-jobsC:
			if !ok {
				return errors.Channel(pipe.ErrClosed, "receive_job", "upstream stopped sending jobs")
			}
			job = &v
		case v, ok := <-prevC:
			if !ok {
				return errors.Channel(pipe.ErrClosed, "receive_prev_hash", "upstream stopped sending prev hashes")
			}
			prev = &v
		}
	}
}

func (b *Bridge) onJob(job *sv2.NewExtendedMiningJob) {
	b.checkCoinbase(job)

	b.mu.Lock()
	defer b.mu.Unlock()

	if job.FutureJob {
		if b.pendingPrev != nil && b.pendingPrev.JobID == job.JobID {
			b.activateLocked(job, b.pendingPrev)
			return
		}
		b.futureJobs[job.JobID] = job
		b.logger.Debug("future job buffered", "job_id", job.JobID)
		return
	}

	b.validJobs[job.JobID] = job
	if b.prevHash == nil {
		b.logger.Debug("job held until its prev hash is active", "job_id", job.JobID)
		return
	}
	b.lastJob = job
	b.broadcastLocked(translateJob(job, b.prevHash, false))
}

func (b *Bridge) onPrevHash(prev *sv2.SetNewPrevHash) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.validJobs)

	job, ok := b.futureJobs[prev.JobID]
	if !ok {
		b.prevHash = nil
		b.pendingPrev = prev
		b.logger.Info("prev hash waiting for its future job", "job_id", prev.JobID)
		return
	}
	b.activateLocked(job, prev)
}

// activateLocked makes job the first job on prev and retires every other
// future job.
func (b *Bridge) activateLocked(job *sv2.NewExtendedMiningJob, prev *sv2.SetNewPrevHash) {
	b.prevHash = prev
	b.pendingPrev = nil
	clear(b.futureJobs)
	b.validJobs[job.JobID] = job
	b.lastJob = job
	b.broadcastLocked(translateJob(job, prev, true))
}

// onTargetInitialized sends the job that was held back while the channel had
// no target. It goes out as a clean job since sessions have no work yet.
func (b *Bridge) onTargetInitialized() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.withheld || b.lastNotify == nil || b.prevHash == nil {
		return
	}
	n := *b.lastNotify
	n.CleanJobs = true
	b.logger.Info("channel target set, sending held job", "job_id", n.JobID)
	b.broadcastLocked(&n)
}

func (b *Bridge) broadcastLocked(n *sv1.Notify) {
	b.lastNotify = n
	if b.target.Load().IsZero() {
		b.withheld = true
		b.logger.Warn("channel target not set, job not broadcast", "job_id", n.JobID)
		return
	}
	b.withheld = false
	receivers := b.notify.Publish(n)
	metrics.JobsBroadcast.Inc()
	b.logger.LogJobDistribution(n.JobID, 0, n.CleanJobs, receivers)
}

func (b *Bridge) checkCoinbase(job *sv2.NewExtendedMiningJob) {
	info, err := mining.CheckCoinbase(job.CoinbaseTxPrefix, job.CoinbaseTxSuffix, b.allocator.Extranonce().Len())
	if err != nil {
		b.logger.WithError(err).Warn("job coinbase does not parse", "job_id", job.JobID)
		return
	}
	b.logger.Debug("job coinbase",
		"job_id", job.JobID,
		"height", info.Height,
		"outputs", info.Outputs,
		"value", info.Value,
	)
}

func translateJob(job *sv2.NewExtendedMiningJob, prev *sv2.SetNewPrevHash, clean bool) *sv1.Notify {
	path := make([]chainhash.Hash, len(job.MerklePath))
	for i, h := range job.MerklePath {
		path[i] = chainhash.Hash(h)
	}
	return &sv1.Notify{
		JobID:        strconv.FormatUint(uint64(job.JobID), 10),
		PrevHash:     mining.FormatPrevHash(chainhash.Hash(prev.PrevHash)),
		Coinb1:       hex.EncodeToString(job.CoinbaseTxPrefix),
		Coinb2:       hex.EncodeToString(job.CoinbaseTxSuffix),
		MerkleBranch: mining.FormatMerkleBranch(path),
		Version:      mining.FormatUint32(job.Version),
		NBits:        mining.FormatUint32(prev.NBits),
		NTime:        mining.FormatUint32(prev.MinNTime),
		CleanJobs:    clean,
	}
}

func (b *Bridge) handleSubmissions(ctx context.Context) error {
	for {
		sub, err := b.submissions.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Channel(err, "receive_submission", "submission pipe closed")
		}

		share, err := b.translateSubmission(sub)
		if err != nil {
			result := metrics.ResultInvalid
			if stderrors.Is(err, ErrStaleJob) {
				result = metrics.ResultStale
			}
			metrics.SharesSubmitted.WithLabelValues(result).Inc()
			b.logger.WithError(err).Warn("share dropped",
				"session_id", sub.SessionID,
				"worker", sub.Worker,
				"job_id", sub.JobID,
			)
			continue
		}

		if err := b.upstreamSubmits.Send(ctx, share); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Channel(err, "forward_share", "upstream stopped receiving shares")
		}

		metrics.SharesSubmitted.WithLabelValues(metrics.ResultForwarded).Inc()
		b.recorder.Record(telemetry.Event{
			Kind:       telemetry.KindShareForwarded,
			SessionID:  strconv.FormatUint(sub.SessionID, 10),
			Worker:     sub.Worker,
			ChannelID:  b.channelID,
			JobID:      sub.JobID,
			Difficulty: sub.Difficulty,
		})
		b.logger.LogShareSubmission(sub.Worker, strconv.FormatUint(uint64(sub.JobID), 10), sub.Difficulty, metrics.ResultForwarded)
	}
}

func (b *Bridge) translateSubmission(sub Submission) (*sv2.SubmitSharesExtended, error) {
	if !b.allocator.Holds(sub.Assignment) {
		return nil, ErrForeignExtranonce
	}
	ext := b.allocator.Extranonce()
	if len(sub.Extranonce2) != ext.Extranonce2Len {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadExtranonce2, len(sub.Extranonce2), ext.Extranonce2Len)
	}

	b.mu.RLock()
	job, ok := b.validJobs[sub.JobID]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrStaleJob
	}

	version := job.Version
	if sub.VersionBits != nil && job.VersionRollingAllowed {
		version = mining.RollVersion(job.Version, *sub.VersionBits, sub.VersionMask&mining.VersionRollingMask)
	}

	extranonce := make([]byte, 0, len(sub.Assignment.Session)+len(sub.Extranonce2))
	extranonce = append(extranonce, sub.Assignment.Session...)
	extranonce = append(extranonce, sub.Extranonce2...)

	return &sv2.SubmitSharesExtended{
		ChannelID:      b.channelID,
		SequenceNumber: b.sequence.Add(1) - 1,
		JobID:          sub.JobID,
		Nonce:          sub.Nonce,
		NTime:          sub.NTime,
		Version:        version,
		Extranonce:     extranonce,
	}, nil
}

// Submit hands a device share to the submission loop, blocking while the
// pipe is full.
func (b *Bridge) Submit(ctx context.Context, sub Submission) error {
	if err := b.submissions.Send(ctx, sub); err != nil {
		return errors.Channel(err, "submit", "bridge stopped receiving shares")
	}
	return nil
}

// AssignExtranonce reserves a session prefix for a new device.
func (b *Bridge) AssignExtranonce() (mining.Assignment, error) {
	a, err := b.allocator.Assign()
	if err != nil {
		return mining.Assignment{}, err
	}
	metrics.ExtranoncesLive.Set(float64(b.allocator.Live()))
	return a, nil
}

// ReleaseExtranonce returns a session prefix for reuse.
func (b *Bridge) ReleaseExtranonce(a mining.Assignment) {
	b.allocator.Release(a)
	metrics.ExtranoncesLive.Set(float64(b.allocator.Live()))
}

// Extranonce2Size is the number of extranonce2 bytes each device rolls.
func (b *Bridge) Extranonce2Size() int {
	return b.allocator.Extranonce().Extranonce2Len
}

// LastNotify returns the most recent job for a device that was not subscribed
// when it was broadcast. It always asks the device to drop older work.
func (b *Bridge) LastNotify() (*sv1.Notify, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.lastNotify == nil || b.prevHash == nil {
		return nil, false
	}
	n := *b.lastNotify
	n.CleanJobs = true
	return &n, true
}

// HasJob reports whether a share for jobID would be forwarded.
func (b *Bridge) HasJob(jobID uint32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.validJobs[jobID]
	return ok
}

// VersionRollingAllowed reports whether the current job lets devices roll the
// block version. The channel is opened with version rolling required, so it
// is assumed allowed until the first job says otherwise.
func (b *Bridge) VersionRollingAllowed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastJob == nil || b.lastJob.VersionRollingAllowed
}

// Target returns the current channel target.
func (b *Bridge) Target() mining.Target {
	return b.target.Load()
}

// Subscribe registers a receiver for every later notify.
func (b *Bridge) Subscribe() *pipe.Subscription[*sv1.Notify] {
	return b.notify.Subscribe()
}

// ChannelID returns the upstream channel the bridge translates for.
func (b *Bridge) ChannelID() uint32 {
	return b.channelID
}
