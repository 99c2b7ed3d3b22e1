// Package inputbuffer implements the per station-set producer: it reads
// frames from a source.FrameSource, deposits them into the shared
// ring buffer, tracks validity per subband, and serves the transactional
// read API the consumer drives (§4.3).
package inputbuffer

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/common/go/affinity"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/common/go/numa"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/geometry"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/ringbuffer"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/source"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/sparseset"
)

// Fixed debug-stamp targets, mirroring the commented-out injection block
// in the original AARTFAAC input section: station 42 polarization 0 gets
// a (128, 0) complex value, station 43 polarization 1 gets (42, 42).
// Only meaningful when cfg.DebugSyntheticSignal is set (§5).
const (
	debugStampStationA = 42
	debugStampPolA     = 0
	debugStampRealA    = 128
	debugStampImagA    = 0

	debugStampStationB = 43
	debugStampPolB     = 1
	debugStampRealB    = 42
	debugStampImagB    = 42
)

// TimeStamp is the monotonically increasing, never-wrapping sample index
// used across the ring, validity sets and transactions.
type TimeStamp = uint64

// Buffer is the producer-side writer for one station-set. It holds a
// non-owning reference to the RingBufferSet it was constructed against;
// the InputStager guarantees that set outlives every Buffer (§9).
type Buffer struct {
	cfg    *geometry.Config
	ring   *ringbuffer.Set
	log    *zap.SugaredLogger
	source source.FrameSource

	descriptor    int
	stationOffset uint32 // k0, in stations
	stationsLocal uint32

	mu          sync.Mutex
	validity    []sparseset.Set[TimeStamp] // per subband
	windowValid []sparseset.Set[TimeStamp] // per subband, snapshot from StartReadTransaction
	windowStart TimeStamp                  // t passed to the most recent StartReadTransaction

	consumedUpTo TimeStamp

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Buffer for descriptor d (0-indexed into
// cfg.InputDescriptors). If cfg.InputBufferNodes is non-empty, the
// allocation below runs pinned to the NUMA node's CPU set for the
// duration of construction only — the scoped binding is released before
// New returns, so the only lasting effect is that the Buffer's own
// memory was first-touched locally (§4.4, §9).
func New(cfg *geometry.Config, d int, ring *ringbuffer.Set, src source.FrameSource, log *zap.SugaredLogger) (*Buffer, error) {
	if d < 0 || d >= cfg.NumInputDescriptors() {
		return nil, fmt.Errorf("inputbuffer: descriptor index %d out of range [0,%d)", d, cfg.NumInputDescriptors())
	}
	if cfg.NumInputDescriptors() == 0 || cfg.Stations%uint32(cfg.NumInputDescriptors()) != 0 {
		return nil, fmt.Errorf("inputbuffer: stations %d not evenly divisible by %d descriptors", cfg.Stations, cfg.NumInputDescriptors())
	}

	var binding *affinity.Binding
	if len(cfg.InputBufferNodes) != 0 {
		node := cfg.InputBufferNodes[d]
		cpus, err := affinity.NodesToCPUSet(numa.NewWithOneBitSet(node))
		if err != nil {
			return nil, fmt.Errorf("inputbuffer: failed to resolve CPU set for node %d: %w", node, err)
		}
		binding, err = affinity.Bind(cpus)
		if err != nil {
			return nil, fmt.Errorf("inputbuffer: failed to bind to node %d: %w", node, err)
		}
	}

	stationsLocal := cfg.Stations / uint32(cfg.NumInputDescriptors())

	buf := &Buffer{
		cfg:           cfg,
		ring:          ring,
		log:           log.With("descriptor", d),
		source:        src,
		descriptor:    d,
		stationOffset: uint32(d) * stationsLocal,
		stationsLocal: stationsLocal,
		validity:      make([]sparseset.Set[TimeStamp], cfg.Subbands),
		windowValid:   make([]sparseset.Set[TimeStamp], cfg.Subbands),
	}

	if binding != nil {
		if err := binding.Release(); err != nil {
			return nil, fmt.Errorf("inputbuffer: failed to release CPU binding: %w", err)
		}
	}

	return buf, nil
}

// Start launches the ingest loop in its own goroutine. Stop must be
// called to release it.
func (b *Buffer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		b.ingestLoop(ctx)
	}()
}

// Stop signals the ingest loop to exit and waits for it to return.
func (b *Buffer) Stop() error {
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	<-b.done
	return b.source.Close()
}

func (b *Buffer) ingestLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := b.source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Errorw("frame source read failed, dropping connection", "error", err)
			return
		}

		b.ingestFrame(frame)
	}
}

// ingestFrame deposits one frame's samples and records validity, or
// drops it and logs why. Ingest errors never propagate (§7).
func (b *Buffer) ingestFrame(frame source.Frame) {
	if frame.Subband >= b.cfg.Subbands {
		b.log.Warnw("dropping frame with out-of-range subband", "subband", frame.Subband)
		return
	}

	perTimeBytes := uint64(b.stationsLocal) * uint64(b.cfg.Polarizations) * uint64(b.cfg.BytesPerComplexSample)
	if perTimeBytes == 0 || uint64(len(frame.Data))%perTimeBytes != 0 {
		b.log.Warnw("dropping malformed frame", "dataLen", len(frame.Data), "perTimeBytes", perTimeBytes)
		return
	}
	numSamples := uint64(len(frame.Data)) / perTimeBytes
	end := frame.StartTime + numSamples

	b.mu.Lock()
	consumedUpTo := b.consumedUpTo
	b.mu.Unlock()

	r := b.cfg.RingBufferSamplesPerSubband
	if end <= consumedUpTo {
		b.log.Debugw("dropping stale frame", "startTime", frame.StartTime, "consumedUpTo", consumedUpTo)
		return
	}
	if frame.StartTime >= consumedUpTo+r {
		b.log.Warnw("dropping frame too far in the future for the ring", "startTime", frame.StartTime, "consumedUpTo", consumedUpTo)
		return
	}

	for i := uint64(0); i < numSamples; i++ {
		t := frame.StartTime + i
		slice := frame.Data[i*perTimeBytes : (i+1)*perTimeBytes]
		b.ring.WriteSlot(frame.Subband, t, b.stationOffset, slice)
	}

	b.mu.Lock()
	b.validity[frame.Subband].Include(frame.StartTime, end)
	b.mu.Unlock()
}

// StartReadTransaction marks [t-H, t+W) as the active window for every
// subband: missing sub-ranges are zero-filled in place in the ring, and
// the validity known as of this call is snapshotted for
// FillInMissingSamples to return (§4.3).
func (b *Buffer) StartReadTransaction(t TimeStamp) {
	lo, hi := windowBounds(t, b.cfg.HistorySamples(), uint64(b.cfg.SamplesPerSubbandPerBlock))

	b.mu.Lock()
	defer b.mu.Unlock()

	b.windowStart = t
	for s := uint32(0); s < b.cfg.Subbands; s++ {
		missing := b.validity[s].Invert(lo, hi)
		for _, rng := range missing.Ranges() {
			b.ring.ZeroFill(s, rng[0], rng[1])
		}
		if b.cfg.DebugSyntheticSignal {
			b.stampDebugSignal(s, lo)
		}
		b.windowValid[s] = *b.validity[s].Subset(lo, hi)
	}
}

// stampDebugSignal overwrites the fixed debug dipoles at time t in
// subband s with known synthetic values, skipping any dipole whose
// station lies outside this station set. StartReadTransaction calls it
// only when cfg.DebugSyntheticSignal is set.
func (b *Buffer) stampDebugSignal(s uint32, t TimeStamp) {
	b.writeDebugDipole(s, t, debugStampStationA, debugStampPolA, debugStampRealA, debugStampImagA)
	b.writeDebugDipole(s, t, debugStampStationB, debugStampPolB, debugStampRealB, debugStampImagB)
}

func (b *Buffer) writeDebugDipole(s uint32, t TimeStamp, station, pol, real, imag int) {
	if uint32(station) < b.stationOffset || uint32(station) >= b.stationOffset+b.stationsLocal {
		return
	}
	if uint32(pol) >= b.cfg.Polarizations {
		return
	}

	sample := make([]byte, b.cfg.BytesPerComplexSample)
	packed := make([]byte, 4)
	binary.LittleEndian.PutUint16(packed[0:2], uint16(int16(real)))
	binary.LittleEndian.PutUint16(packed[2:4], uint16(int16(imag)))
	copy(sample, packed)

	dipole := uint32(station)*b.cfg.Polarizations + uint32(pol)
	b.ring.WriteDipole(s, t, dipole, sample)
}

// FillInMissingSamples returns the validity snapshot computed by the
// most recent StartReadTransaction for the given subband and window t
// (§4.3). t is checked against the window StartReadTransaction actually
// opened, not used to recompute anything: a mismatch means the caller
// is pairing this call with the wrong transaction, which is logged but
// not fatal, since the snapshot returned is still well-defined.
func (b *Buffer) FillInMissingSamples(t TimeStamp, subband uint32) *sparseset.Set[TimeStamp] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t != b.windowStart {
		b.log.Warnw("fill-in-missing-samples called for a window that was not opened", "requested", t, "open", b.windowStart)
	}
	out := b.windowValid[subband]
	return &out
}

// EndReadTransaction truncates every subband's validity set by removing
// everything at or before the window end, bounding its size (§4.3).
func (b *Buffer) EndReadTransaction(t TimeStamp) {
	_, hi := windowBounds(t, b.cfg.HistorySamples(), uint64(b.cfg.SamplesPerSubbandPerBlock))

	b.mu.Lock()
	defer b.mu.Unlock()

	for s := uint32(0); s < b.cfg.Subbands; s++ {
		b.validity[s].Exclude(0, hi)
	}
	if hi > b.consumedUpTo {
		b.consumedUpTo = hi
	}
}

// windowBounds computes [t-H, t+W), clamping the lower bound at 0 since
// TimeStamp never goes negative.
func windowBounds(t TimeStamp, h, w uint64) (TimeStamp, TimeStamp) {
	var lo TimeStamp
	if t > h {
		lo = t - h
	}
	return lo, t + w
}
