// Package inputstager composes one RingBufferSet with D InputBuffers and
// exposes the transactional API the accelerator-side driver calls every
// read cycle (§4.4).
package inputstager

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/accel"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/geometry"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/inputbuffer"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/ringbuffer"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/source"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/sparseset"
)

// Stager is the top-level façade: one RingBufferSet shared by D
// InputBuffers, one per configured input descriptor.
type Stager struct {
	cfg     *geometry.Config
	ring    *ringbuffer.Set
	buffers []*inputbuffer.Buffer
	log     *zap.SugaredLogger
}

// New builds the RingBufferSet first, then one InputBuffer per
// descriptor, in that order — an InputBuffer never outlives the
// RingBufferSet it references (§4.4, §9).
func New(cfg *geometry.Config, sources []source.FrameSource, log *zap.SugaredLogger) (*Stager, error) {
	if len(sources) != cfg.NumInputDescriptors() {
		return nil, fmt.Errorf("inputstager: got %d frame sources, want %d", len(sources), cfg.NumInputDescriptors())
	}

	enabled, err := cfg.EnabledDescriptors()
	if err != nil {
		return nil, fmt.Errorf("inputstager: failed to evaluate descriptor filter: %w", err)
	}
	isEnabled := make([]bool, cfg.NumInputDescriptors())
	for _, d := range enabled {
		isEnabled[d] = true
	}

	ring, err := ringbuffer.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("inputstager: failed to construct ring buffer set: %w", err)
	}

	stager := &Stager{cfg: cfg, ring: ring, log: log}

	for d, src := range sources {
		if !isEnabled[d] {
			log.Infow("descriptor excluded by filter, not starting its input buffer", "descriptor", d)
			_ = src.Close()
			stager.buffers = append(stager.buffers, nil)
			continue
		}

		buf, err := inputbuffer.New(cfg, d, ring, src, log)
		if err != nil {
			stager.teardownBuffers()
			ring.Close()
			return nil, fmt.Errorf("inputstager: failed to construct input buffer %d: %w", d, err)
		}
		stager.buffers = append(stager.buffers, buf)
	}

	return stager, nil
}

// Start launches every enabled InputBuffer's ingest loop. Descriptors
// excluded by DescriptorFilter have no buffer and are skipped.
func (s *Stager) Start(ctx context.Context) {
	for _, buf := range s.buffers {
		if buf != nil {
			buf.Start(ctx)
		}
	}
}

// StartReadTransaction marks the window for the given time on every
// enabled InputBuffer.
func (s *Stager) StartReadTransaction(t uint64) {
	for _, buf := range s.buffers {
		if buf != nil {
			buf.StartReadTransaction(t)
		}
	}
}

// FillInMissingSamples populates out with each enabled descriptor's
// validity snapshot for the window t and subband, in descriptor order
// (§4.4). Excluded descriptors get a nil entry.
func (s *Stager) FillInMissingSamples(t uint64, subband uint32, out []*sparseset.Set[uint64]) {
	for d, buf := range s.buffers {
		if buf == nil {
			out[d] = nil
			continue
		}
		out[d] = buf.FillInMissingSamples(t, subband)
	}
}

// EndReadTransaction releases the window for the given time on every
// enabled InputBuffer.
func (s *Stager) EndReadTransaction(t uint64) {
	for _, buf := range s.buffers {
		if buf != nil {
			buf.EndReadTransaction(t)
		}
	}
}

// EnqueueHostToDeviceCopy enqueues the asynchronous copy of
// [startTime-H, startTime+W) on subband to dst via stream (§4.4).
func (s *Stager) EnqueueHostToDeviceCopy(
	stream accel.Stream,
	dst accel.DeviceMemory,
	counter accel.PerformanceCounter,
	startTime uint64,
	subband uint32,
) error {
	h := s.cfg.HistorySamples()
	var earlyStart uint64
	if startTime > h {
		earlyStart = startTime - h
	}
	end := startTime + s.cfg.SamplesPerSubbandPerBlock

	if err := s.ring.EnqueueCopy(stream, dst, counter, subband, earlyStart, end); err != nil {
		return fmt.Errorf("inputstager: enqueue copy failed: %w", err)
	}
	return nil
}

// teardownBuffers stops every constructed InputBuffer, used when New
// fails partway through so no producer goroutine is leaked.
func (s *Stager) teardownBuffers() {
	for _, buf := range s.buffers {
		if buf != nil {
			_ = buf.Stop()
		}
	}
}

// Close stops every InputBuffer's producer in parallel, then releases
// the RingBufferSet. All producers must be stopped before storage is
// released (§4.4).
func (s *Stager) Close() error {
	var errs error

	results := make(chan error, len(s.buffers))
	pending := 0
	for _, buf := range s.buffers {
		if buf == nil {
			continue
		}
		pending++
		go func(b *inputbuffer.Buffer) {
			results <- b.Stop()
		}(buf)
	}
	for i := 0; i < pending; i++ {
		if err := <-results; err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := s.ring.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("inputstager: failed to release ring buffer set: %w", err))
	}

	return errs
}
