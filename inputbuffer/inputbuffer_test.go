package inputbuffer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/geometry"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/ringbuffer"
	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/source"
)

func testConfig() *geometry.Config {
	return &geometry.Config{
		Variant:                     "isbi",
		Subbands:                    1,
		Stations:                    2,
		Polarizations:               1,
		BytesPerComplexSample:       1,
		RingBufferSamplesPerSubband: 2000,
		SamplesPerFrame:             40,
		SamplesPerSubbandPerBlock:   100,
		Taps:                        1,
		ChannelsPerSubband:          1,
		InputDescriptors:            []string{"only"},
	}
}

// fakeSource replays a fixed queue of frames, then returns io.EOF.
type fakeSource struct {
	mu     sync.Mutex
	frames []source.Frame
	idx    int
	gate   chan struct{}
}

func newFakeSource(frames []source.Frame) *fakeSource {
	return &fakeSource{frames: frames, gate: make(chan struct{})}
}

func (f *fakeSource) ReadFrame(ctx context.Context) (source.Frame, error) {
	f.mu.Lock()
	i := f.idx
	f.idx++
	f.mu.Unlock()

	if i >= len(f.frames) {
		select {
		case <-ctx.Done():
			return source.Frame{}, ctx.Err()
		case <-f.gate:
			return source.Frame{}, errors.New("closed")
		}
	}
	return f.frames[i], nil
}

func (f *fakeSource) Close() error {
	close(f.gate)
	return nil
}

func newTestBuffer(t *testing.T, cfg *geometry.Config, src source.FrameSource) (*Buffer, *ringbuffer.Set) {
	t.Helper()
	ring, err := ringbuffer.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ring.Close() })

	buf, err := New(cfg, 0, ring, src, zap.NewNop().Sugar())
	require.NoError(t, err)
	return buf, ring
}

// Test_MissingSamplesScenario implements spec scenario 7: deposit
// [500,540) and [560,600), then StartReadTransaction(500) with H=0, W=100
// should zero-fill [540,560) and report valid={[500,540),[560,600)}.
func Test_MissingSamplesScenario(t *testing.T) {
	cfg := testConfig()
	cfg.SamplesPerSubbandPerBlock = 100
	cfg.Taps = 1
	cfg.ChannelsPerSubband = 1 // H = 0

	frames := []source.Frame{
		{StartTime: 500, Subband: 0, Data: make([]byte, 40*2)},
		{StartTime: 560, Subband: 0, Data: make([]byte, 40*2)},
	}
	for i := range frames[0].Data {
		frames[0].Data[i] = 0x7
	}
	for i := range frames[1].Data {
		frames[1].Data[i] = 0x9
	}

	src := newFakeSource(frames)
	buf, ring := newTestBuffer(t, cfg, src)
	defer src.Close()

	ctx := context.Background()
	buf.ingestFrame(frames[0])
	buf.ingestFrame(frames[1])

	buf.StartReadTransaction(500)

	valid := buf.FillInMissingSamples(500, 0)
	assert.Equal(t, [][2]uint64{{500, 540}, {560, 600}}, valid.Ranges())

	for ts := uint64(540); ts < 560; ts++ {
		slot := ring.SliceOrigin(0, ts)[:2]
		assert.Equal(t, []byte{0, 0}, slot, "time %d should be zero-filled", ts)
	}
	_ = ctx
}

func Test_DebugSyntheticSignalStampsFixedDipoles(t *testing.T) {
	cfg := testConfig()
	cfg.Stations = 44
	cfg.Polarizations = 2
	cfg.BytesPerComplexSample = 4
	cfg.DebugSyntheticSignal = true

	src := newFakeSource(nil)
	buf, ring := newTestBuffer(t, cfg, src)
	defer src.Close()

	buf.StartReadTransaction(0)

	slotA := ring.SliceOrigin(0, 0)[42*2*4 : 42*2*4+4]
	assert.Equal(t, []byte{128, 0, 0, 0}, slotA)

	slotB := ring.SliceOrigin(0, 0)[87*4 : 87*4+4]
	assert.Equal(t, []byte{42, 0, 42, 0}, slotB)
}

func Test_DebugSyntheticSignalDisabledByDefault(t *testing.T) {
	cfg := testConfig()
	cfg.Stations = 44
	cfg.Polarizations = 2
	cfg.BytesPerComplexSample = 4

	src := newFakeSource(nil)
	buf, ring := newTestBuffer(t, cfg, src)
	defer src.Close()

	buf.StartReadTransaction(0)

	slotA := ring.SliceOrigin(0, 0)[42*2*4 : 42*2*4+4]
	assert.Equal(t, []byte{0, 0, 0, 0}, slotA)
}

func Test_EndReadTransactionTruncatesValidity(t *testing.T) {
	cfg := testConfig()
	cfg.Taps = 1
	cfg.ChannelsPerSubband = 1
	cfg.SamplesPerSubbandPerBlock = 100

	frames := []source.Frame{
		{StartTime: 0, Subband: 0, Data: make([]byte, 40*2)},
	}
	src := newFakeSource(frames)
	buf, _ := newTestBuffer(t, cfg, src)
	defer src.Close()

	buf.ingestFrame(frames[0])
	buf.StartReadTransaction(0)
	buf.EndReadTransaction(0)

	buf.mu.Lock()
	empty := buf.validity[0].Empty()
	buf.mu.Unlock()
	assert.True(t, empty)
}

func Test_IngestDropsStaleFrame(t *testing.T) {
	cfg := testConfig()
	src := newFakeSource(nil)
	buf, _ := newTestBuffer(t, cfg, src)
	defer src.Close()

	buf.consumedUpTo = 1000
	buf.ingestFrame(source.Frame{StartTime: 0, Subband: 0, Data: make([]byte, 80)})

	buf.mu.Lock()
	empty := buf.validity[0].Empty()
	buf.mu.Unlock()
	assert.True(t, empty)
}

func Test_IngestDropsOutOfRangeSubband(t *testing.T) {
	cfg := testConfig()
	src := newFakeSource(nil)
	buf, _ := newTestBuffer(t, cfg, src)
	defer src.Close()

	buf.ingestFrame(source.Frame{StartTime: 0, Subband: 5, Data: make([]byte, 80)})
	buf.mu.Lock()
	assert.Len(t, buf.validity, 1)
	buf.mu.Unlock()
}

func Test_IngestLoopStopsOnContextCancel(t *testing.T) {
	cfg := testConfig()
	src := newFakeSource(nil)
	buf, _ := newTestBuffer(t, cfg, src)

	ctx, cancel := context.WithCancel(context.Background())
	buf.Start(ctx)
	cancel()
	require.NoError(t, buf.Stop())
}

func Test_IngestLoopExitsOnSourceEOF(t *testing.T) {
	cfg := testConfig()
	src := &eofSource{}
	buf, _ := newTestBuffer(t, cfg, src)

	buf.Start(context.Background())
	<-buf.done
}

type eofSource struct{}

func (e *eofSource) ReadFrame(ctx context.Context) (source.Frame, error) {
	return source.Frame{}, io.EOF
}

func (e *eofSource) Close() error { return nil }
