// Package report implements the consumer-side report processor (§4.E): it
// takes the stream of notifications coming off a subscription, orders them,
// detects and repairs gaps, and applies them to a local MDIB mirror.
package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Draegerwerk/sdc11073/internal/logger"
	"github.com/Draegerwerk/sdc11073/internal/mdib"
	"github.com/Draegerwerk/sdc11073/internal/model"
)

// Notification is one decoded report as it arrives off the wire.
type Notification struct {
	SequenceID  string
	MdibVersion uint64
	InstanceID  *uint64
	ChangeSet   *model.ChangeSet
	IsWaveform  bool
}

// FetchSnapshot performs a GetMdib call and returns the resulting
// snapshot; supplied by the dispatcher client, kept as a function value
// here so this package stays free of any SOAP dependency.
type FetchSnapshot func(ctx context.Context) (mdib.Snapshot, error)

// Stats accumulates observation counters for the statistics callback
// named in §4.E ("missed [waveform] samples are dropped and reported via a
// statistics callback").
type Stats struct {
	Applied         uint64
	DroppedStale    uint64
	GapRecoveries   uint64
	WaveformDropped uint64
}

// Options configures a Processor.
type Options struct {
	// ReorderWindow bounds how long an out-of-order notification waits in
	// the reorder buffer before gap recovery is triggered (§4.E step 2).
	ReorderWindow time.Duration
	// ReorderBufferSize caps the number of buffered out-of-order
	// notifications before an overflow also triggers gap recovery.
	ReorderBufferSize int
	// WaveformBufferSize bounds the small per-handle waveform buffer
	// (§4.E: "small bounded buffer and no re-request").
	WaveformBufferSize int

	OnGapRecovery  func(reason string)
	OnStatsChanged func(Stats)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ReorderWindow <= 0 {
		out.ReorderWindow = 50 * time.Millisecond
	}
	if out.ReorderBufferSize <= 0 {
		out.ReorderBufferSize = 32
	}
	if out.WaveformBufferSize <= 0 {
		out.WaveformBufferSize = 16
	}
	return out
}

// Processor applies an ordered, gap-repaired notification stream to a
// local MDIB mirror.
type Processor struct {
	mirror *mdib.Mdib
	fetch  FetchSnapshot
	opts   Options

	mu            sync.Mutex
	bootstrapped  bool
	sequenceID    string
	instanceID    *uint64
	expected      uint64
	reorderBuffer map[uint64]Notification
	reorderTimer  *time.Timer

	waveformBuffers map[string][]model.State

	stats Stats
}

// New creates a Processor that mirrors into mirror, calling fetch whenever
// gap recovery is required.
func New(mirror *mdib.Mdib, fetch FetchSnapshot, opts Options) *Processor {
	return &Processor{
		mirror:          mirror,
		fetch:           fetch,
		opts:            opts.withDefaults(),
		reorderBuffer:   make(map[uint64]Notification),
		waveformBuffers: make(map[string][]model.State),
	}
}

// Bootstrap performs the initial GetMdib and records (sequence_id0,
// mdib_version0), per §4.E step 1. It must be called once before the first
// notification is handled.
func (p *Processor) Bootstrap(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bootstrapLocked(ctx)
}

func (p *Processor) bootstrapLocked(ctx context.Context) error {
	snap, err := p.fetch(ctx)
	if err != nil {
		return fmt.Errorf("report: bootstrap GetMdib: %w", err)
	}
	p.mirror.LoadSnapshot(snap)
	p.sequenceID = snap.SequenceID
	p.instanceID = snap.InstanceID
	p.expected = snap.MdibVersion + 1
	p.bootstrapped = true
	p.reorderBuffer = make(map[uint64]Notification)
	if p.reorderTimer != nil {
		p.reorderTimer.Stop()
		p.reorderTimer = nil
	}
	logger.ReportLog.WithField("mdib_version", snap.MdibVersion).Info("report processor bootstrapped")
	return nil
}

// Handle processes one incoming notification.
func (p *Processor) Handle(ctx context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.bootstrapped {
		return fmt.Errorf("report: processor not bootstrapped")
	}

	if n.SequenceID != p.sequenceID || !sameInstance(n.InstanceID, p.instanceID) {
		logger.ReportLog.WithField("sequence_id", n.SequenceID).Warn("sequence/instance change detected, recovering")
		return p.recover(ctx, "sequence_or_instance_change")
	}

	if n.IsWaveform {
		p.applyWaveform(n)
		return nil
	}

	return p.admit(ctx, n)
}

func sameInstance(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// admit implements the ordering algorithm of §4.E step 2.
func (p *Processor) admit(ctx context.Context, n Notification) error {
	switch {
	case n.MdibVersion < p.expected:
		p.stats.DroppedStale++
		p.notifyStats()
		logger.ReportLog.WithField("mdib_version", n.MdibVersion).Debug("discarding stale report")
		return nil

	case n.MdibVersion == p.expected:
		if err := p.applyLocked(n); err != nil {
			return err
		}
		p.drainReorderBuffer(ctx)
		return nil

	default:
		p.reorderBuffer[n.MdibVersion] = n
		if len(p.reorderBuffer) >= p.opts.ReorderBufferSize {
			return p.recover(ctx, "reorder_buffer_overflow")
		}
		p.armReorderTimer(ctx)
		return nil
	}
}

func (p *Processor) armReorderTimer(ctx context.Context) {
	if p.reorderTimer != nil {
		return
	}
	p.reorderTimer = time.AfterFunc(p.opts.ReorderWindow, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.reorderBuffer) == 0 {
			return
		}
		_ = p.recover(ctx, "reorder_window_expired")
	})
}

func (p *Processor) drainReorderBuffer(ctx context.Context) {
	for {
		n, ok := p.reorderBuffer[p.expected]
		if !ok {
			break
		}
		delete(p.reorderBuffer, n.MdibVersion)
		if err := p.applyLocked(n); err != nil {
			logger.ReportLog.WithError(err).Warn("failed to apply buffered report")
			_ = p.recover(ctx, "apply_failed")
			return
		}
	}
	if len(p.reorderBuffer) == 0 && p.reorderTimer != nil {
		p.reorderTimer.Stop()
		p.reorderTimer = nil
	}
}

func (p *Processor) applyLocked(n Notification) error {
	if err := p.mirror.ApplyChangeSet(n.ChangeSet); err != nil {
		return fmt.Errorf("report: apply mdib_version %d: %w", n.MdibVersion, err)
	}
	p.expected = n.MdibVersion + 1
	p.stats.Applied++
	p.notifyStats()
	return nil
}

// applyWaveform implements the lossy, non-reordering waveform path (§4.E:
// "small bounded buffer and no re-request"; §5: "never reordered relative
// to other waveform reports of the same waveform handle").
func (p *Processor) applyWaveform(n Notification) {
	for _, s := range n.ChangeSet.WaveformUpdates {
		buf := p.waveformBuffers[s.DescriptorHandle]
		buf = append(buf, s)
		if len(buf) > p.opts.WaveformBufferSize {
			drop := len(buf) - p.opts.WaveformBufferSize
			p.stats.WaveformDropped += uint64(drop)
			buf = buf[drop:]
		}
		p.waveformBuffers[s.DescriptorHandle] = buf
		if err := p.mirror.ApplyWaveformChangeSet(&model.ChangeSet{
			MdibVersion:     n.MdibVersion,
			SequenceID:      n.SequenceID,
			WaveformUpdates: []model.State{s},
		}); err != nil {
			logger.ReportLog.WithError(err).Debug("dropping waveform sample for unknown descriptor")
		}
	}
	p.notifyStats()
}

// recover implements §4.E step 3: refetch and restart bootstrap.
func (p *Processor) recover(ctx context.Context, reason string) error {
	p.stats.GapRecoveries++
	if p.opts.OnGapRecovery != nil {
		p.opts.OnGapRecovery(reason)
	}
	logger.ReportLog.WithField("reason", reason).Info("triggering gap recovery")
	return p.bootstrapLocked(ctx)
}

func (p *Processor) notifyStats() {
	if p.opts.OnStatsChanged != nil {
		p.opts.OnStatsChanged(p.stats)
	}
}

// Stats returns a snapshot of the current counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
