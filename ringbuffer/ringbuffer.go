// Package ringbuffer owns the host-side staging arrays that samples are
// deposited into and from which the accelerator driver issues
// asynchronous host-to-device copies (§4.2).
//
// Each subband gets one page-locked buffer of R*K*P*B bytes, laid out
// row-major with time as the outermost axis so that a single time slice
// across every station and polarization is contiguous (§3). The original
// design allocates CUDA write-combined pinned memory; on a host without a
// CUDA-capable allocator the closest portable approximation is an
// anonymous mmap locked into RAM with mlock(2) (see DESIGN.md).
package ringbuffer

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/accel"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/geometry"
)

// Set owns S page-locked staging buffers, one per subband.
type Set struct {
	cfg     *geometry.Config
	buffers [][]byte
}

// New allocates S page-locked buffers of R*K*P*B bytes each. Allocation
// failure is fatal and unrecoverable (§4.2, §7): New returns the first
// error encountered after releasing whatever it had already allocated.
func New(cfg *geometry.Config) (*Set, error) {
	size := int(cfg.RingBytesPerSubband())
	if size <= 0 {
		return nil, fmt.Errorf("ringbuffer: invalid per-subband size %d", size)
	}

	set := &Set{cfg: cfg, buffers: make([][]byte, 0, cfg.Subbands)}

	for s := uint32(0); s < cfg.Subbands; s++ {
		buf, err := allocatePinned(size)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("ringbuffer: failed to allocate subband %d: %w", s, err)
		}
		set.buffers = append(set.buffers, buf)
	}

	return set, nil
}

// allocatePinned maps an anonymous, zero-filled region and locks it into
// RAM so the accelerator DMA engine never faults on it mid-transfer.
func allocatePinned(size int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	if err := unix.Mlock(buf); err != nil {
		_ = unix.Munmap(buf)
		return nil, fmt.Errorf("mlock: %w", err)
	}

	return buf, nil
}

// Close releases every allocated subband buffer. Safe to call on a
// partially constructed Set.
func (set *Set) Close() error {
	var firstErr error
	for _, buf := range set.buffers {
		if buf == nil {
			continue
		}
		_ = unix.Munlock(buf)
		if err := unix.Munmap(buf); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ringbuffer: munmap failed: %w", err)
		}
	}
	set.buffers = nil
	return firstErr
}

// ringIndex returns t mod R, the slot index of time t.
func (set *Set) ringIndex(t uint64) uint64 {
	return t % set.cfg.RingBufferSamplesPerSubband
}

// SliceOrigin returns the byte offset of the first byte of time slot
// t mod R in subband s's buffer. Bytes from that offset for
// n*BytesPerTime() cover times [t mod R, (t mod R)+n) as long as
// (t mod R)+n <= R; the caller must split otherwise.
func (set *Set) SliceOrigin(s uint32, t uint64) []byte {
	idx := set.ringIndex(t)
	off := idx * set.cfg.BytesPerTime()
	return set.buffers[s][off:]
}

// EnqueueCopy enqueues one or two asynchronous host-to-device copies
// covering [earlyStart, end) on subband s (§4.2, §8 scenarios 5-6). The
// caller guarantees end-earlyStart <= R; violating this is a programming
// error.
func (set *Set) EnqueueCopy(
	stream accel.Stream,
	dst accel.DeviceMemory,
	counter accel.PerformanceCounter,
	s uint32,
	earlyStart, end uint64,
) error {
	r := set.cfg.RingBufferSamplesPerSubband
	if end < earlyStart || end-earlyStart > r {
		panic("ringbuffer: EnqueueCopy window exceeds ring capacity")
	}

	bytesPerTime := set.cfg.BytesPerTime()
	i0 := set.ringIndex(earlyStart)
	i1 := set.ringIndex(end)

	measurement := counter.Begin(stream, (end-earlyStart)*bytesPerTime)
	defer measurement.End()

	if i0 < i1 {
		n := (i1 - i0) * bytesPerTime
		src := set.SliceOrigin(s, earlyStart)[:n]
		return stream.MemcpyHtoDAsync(dst, src)
	}

	firstLen := (r - i0) * bytesPerTime
	firstSrc := set.SliceOrigin(s, earlyStart)[:firstLen]
	if err := stream.MemcpyHtoDAsync(dst, firstSrc); err != nil {
		return fmt.Errorf("ringbuffer: first segment copy failed: %w", err)
	}

	if i1 > 0 {
		secondLen := i1 * bytesPerTime
		secondSrc := set.SliceOrigin(s, 0)[:secondLen]
		secondDst := dst.Offset(firstLen)
		if err := stream.MemcpyHtoDAsync(secondDst, secondSrc); err != nil {
			return fmt.Errorf("ringbuffer: second segment copy failed: %w", err)
		}
	}

	return nil
}

// ZeroFill zeroes the bytes for every time in [a, b) across all stations
// and polarizations of subband s, handling wraparound.
func (set *Set) ZeroFill(s uint32, a, b uint64) {
	r := set.cfg.RingBufferSamplesPerSubband
	bytesPerTime := set.cfg.BytesPerTime()

	for t := a; t < b; {
		idx := set.ringIndex(t)
		run := b - t
		if idx+run > r {
			run = r - idx
		}

		n := run * bytesPerTime
		buf := set.SliceOrigin(s, t)[:n]
		clear(buf)

		t += run
	}
}

// WriteSlot copies data into subband s's slot for time t, starting at a
// station offset of k0 stations (k0*Polarizations*BytesPerComplexSample
// bytes into the time slice).
func (set *Set) WriteSlot(s uint32, t uint64, k0 uint32, data []byte) {
	byteOffset := uint64(k0) * uint64(set.cfg.Polarizations) * uint64(set.cfg.BytesPerComplexSample)
	dst := set.SliceOrigin(s, t)[byteOffset : byteOffset+uint64(len(data))]
	copy(dst, data)
}

// WriteDipole copies data into the slot for a single (station,
// polarization) pair — dipole = station*Polarizations+polarization — at
// time t in subband s. Used for the debug-only synthetic signal stamp
// (§5); ordinary ingest writes whole per-descriptor runs via WriteSlot.
func (set *Set) WriteDipole(s uint32, t uint64, dipole uint32, data []byte) {
	byteOffset := uint64(dipole) * uint64(set.cfg.BytesPerComplexSample)
	dst := set.SliceOrigin(s, t)[byteOffset : byteOffset+uint64(len(data))]
	copy(dst, data)
}

// Subbands returns S.
func (set *Set) Subbands() uint32 {
	return set.cfg.Subbands
}
