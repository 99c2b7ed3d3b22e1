// Package accel declares the narrow interfaces InputStager needs from the
// accelerator-driver collaborator (§6). The actual FFT/correlation kernel
// layer is out of scope for this module; production code only ever sees
// these interfaces, and only tests exercise the in-memory fakes below.
package accel

import "time"

// DeviceMemory is a handle to device-resident memory with byte-offset
// pointer arithmetic.
type DeviceMemory interface {
	// Offset returns a handle to the memory n bytes further into the
	// allocation.
	Offset(n uint64) DeviceMemory
}

// Stream is a handle supporting asynchronous host-to-device copies.
type Stream interface {
	// MemcpyHtoDAsync enqueues an asynchronous copy of src into dst and
	// returns once the copy has been enqueued, not once it completes.
	MemcpyHtoDAsync(dst DeviceMemory, src []byte) error
}

// PerformanceCounter accumulates byte counts for copy operations issued
// on a Stream.
type PerformanceCounter interface {
	// Begin starts a measurement scope that will record nbytes against
	// this counter when the returned Measurement is ended.
	Begin(stream Stream, nbytes uint64) Measurement
}

// Measurement is a scoped performance measurement; End must be called
// exactly once, typically via defer, when the measured operation has
// been enqueued.
type Measurement interface {
	End()
}

// FakeDeviceMemory is an in-memory DeviceMemory used only by tests.
type FakeDeviceMemory struct {
	Buf        []byte
	ByteOffset uint64
}

func (m FakeDeviceMemory) Offset(n uint64) DeviceMemory {
	return FakeDeviceMemory{Buf: m.Buf, ByteOffset: m.ByteOffset + n}
}

// FakeCopy records a single copy enqueued on a FakeStream.
type FakeCopy struct {
	Offset uint64
	Data   []byte
}

// FakeStream is an in-memory Stream used only by tests. It does not
// execute copies against Buf; it records them for assertions.
type FakeStream struct {
	Copies []FakeCopy
}

func (s *FakeStream) MemcpyHtoDAsync(dst DeviceMemory, src []byte) error {
	fdm := dst.(FakeDeviceMemory)
	buf := make([]byte, len(src))
	copy(buf, src)
	s.Copies = append(s.Copies, FakeCopy{Offset: fdm.ByteOffset, Data: buf})
	return nil
}

// FakeCounter is an in-memory PerformanceCounter used only by tests.
type FakeCounter struct {
	TotalBytes uint64
	Samples    []uint64
}

type fakeMeasurement struct {
	counter *FakeCounter
	nbytes  uint64
	start   time.Time
}

func (c *FakeCounter) Begin(_ Stream, nbytes uint64) Measurement {
	return &fakeMeasurement{counter: c, nbytes: nbytes, start: time.Now()}
}

func (m *fakeMeasurement) End() {
	m.counter.TotalBytes += m.nbytes
	m.counter.Samples = append(m.counter.Samples, m.nbytes)
}
