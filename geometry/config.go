// Package geometry holds the immutable configuration record describing
// the correlator's input geometry: subband/station/polarization counts,
// sample width, ring length, and the NUMA/CPU pinning hints for
// producers.
//
// This is the Go analogue of the original Parset hierarchy
// (CorrelatorParset / AARTFAAC_Parset / ISBI_Parset). Rather than model
// that as inheritance, one base Config carries the options common to
// every variant, and Variant/Extension carry the options specific to a
// single deployment flavor (see DESIGN.md).
package geometry

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Config is the base geometry and staging configuration shared by every
// Parset variant.
type Config struct {
	// Variant tags which Parset flavor produced this configuration
	// ("correlator", "aartfaac", "isbi"). It is informational; it does
	// not change how the core components behave.
	Variant string `yaml:"variant"`

	// Subbands is S: the number of independent frequency subbands.
	Subbands uint32 `yaml:"subbands"`
	// Stations is K: the number of antennas.
	Stations uint32 `yaml:"stations"`
	// Polarizations is P: polarizations captured per station.
	Polarizations uint32 `yaml:"polarizations"`
	// BytesPerComplexSample is B.
	BytesPerComplexSample uint32 `yaml:"bytes_per_complex_sample"`
	// RingBufferSamplesPerSubband is R.
	RingBufferSamplesPerSubband uint64 `yaml:"nr_ring_buffer_samples_per_subband"`
	// SamplesPerFrame is F: samples carried by a single ingested frame.
	SamplesPerFrame uint32 `yaml:"samples_per_frame"`
	// SamplesPerSubbandPerBlock is W: the block size consumed per
	// correlation step.
	SamplesPerSubbandPerBlock uint64 `yaml:"samples_per_subband_per_block"`
	// Taps is the filterbank tap count; HistorySamples derives from it
	// as (Taps-1)*ChannelsPerSubband.
	Taps uint32 `yaml:"taps"`
	// ChannelsPerSubband is the number of channelizer output channels
	// per subband, used to compute HistorySamples.
	ChannelsPerSubband uint32 `yaml:"channels_per_subband"`

	// InputDescriptors has one entry per station-set (D = len()).
	InputDescriptors []string `yaml:"input_descriptors"`
	// InputFiles, if set, gives a VDIF capture file path per descriptor
	// for the file-backed frame source; length must equal D or 0. This
	// is a daemon-wiring convenience, not part of the original design.
	InputFiles []string `yaml:"input_files"`
	// OutputDescriptors is passed through; not consumed by the core.
	OutputDescriptors []string `yaml:"output_descriptors"`
	// InputBufferNodes lists a NUMA node id per station-set producer.
	// Empty disables pinning; otherwise its length must equal D.
	InputBufferNodes []uint32 `yaml:"input_buffer_nodes"`
	// OutputBufferNodes is symmetric for outputs; not consumed by the
	// core.
	OutputBufferNodes []uint32 `yaml:"output_buffer_nodes"`

	// VisibilitiesIntegration is passed through; not consumed by the
	// core.
	VisibilitiesIntegration uint32 `yaml:"visibilities_integration"`

	// Extension carries the options specific to a single Parset variant
	// (e.g. ISBI's channelMapping, absent from AARTFAAC) without
	// polluting the base struct shared by every variant. Decode it with
	// DecodeExtension into the variant-specific struct named by Variant.
	Extension yaml.Node `yaml:"extension"`

	// DescriptorFilter, if non-empty, is a glob pattern against which
	// InputDescriptors are matched; only matching descriptors are
	// enabled. This is a debug/test convenience, not part of the
	// original design, and defaults to disabled (empty pattern means
	// "everything enabled").
	DescriptorFilter string `yaml:"descriptor_filter"`

	// DebugSyntheticSignal enables stamping a handful of known
	// (station, polarization) slots with fixed synthetic values after
	// zero-fill, mirroring the original's commented-out debug
	// injection. Never enabled by default.
	DebugSyntheticSignal bool `yaml:"debug_synthetic_signal"`
}

// ISBIExtension holds the options specific to the "isbi" Parset variant:
// the per-channel output reordering absent from the AARTFAAC variant.
type ISBIExtension struct {
	ChannelMapping []int32 `yaml:"channel_mapping"`
}

// DecodeExtension decodes the variant-specific Extension block into out,
// which should be a pointer to a variant's extension struct (e.g.
// *ISBIExtension). It is a no-op, leaving out untouched, when no
// extension block was configured.
func (c *Config) DecodeExtension(out any) error {
	if c.Extension.Kind == 0 {
		return nil
	}
	if err := c.Extension.Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s extension: %w", c.Variant, err)
	}
	return nil
}

// DefaultConfig returns a Config with the ISBI variant's defaults from
// the original source (2*16_000_000+256 ring samples, integration of 1).
func DefaultConfig() *Config {
	return &Config{
		Variant:                     "isbi",
		Polarizations:               2,
		BytesPerComplexSample:       4,
		RingBufferSamplesPerSubband: 2*16_000_000 + 256,
		VisibilitiesIntegration:     1,
	}
}

// LoadConfig reads and validates a Config from a YAML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the node-list-length-matches-descriptor-list-length
// invariant (§6) and the ring-sizing discipline that window/frontier
// separation depends on (§5, §9).
func (c *Config) Validate() error {
	if len(c.InputBufferNodes) != 0 && len(c.InputBufferNodes) != len(c.InputDescriptors) {
		return fmt.Errorf("input buffer node list has unexpected size: got %d, want %d or 0",
			len(c.InputBufferNodes), len(c.InputDescriptors))
	}
	if len(c.OutputBufferNodes) != 0 && len(c.OutputBufferNodes) != len(c.OutputDescriptors) {
		return fmt.Errorf("output buffer node list has unexpected size: got %d, want %d or 0",
			len(c.OutputBufferNodes), len(c.OutputDescriptors))
	}
	if len(c.InputFiles) != 0 && len(c.InputFiles) != len(c.InputDescriptors) {
		return fmt.Errorf("input file list has unexpected size: got %d, want %d or 0",
			len(c.InputFiles), len(c.InputDescriptors))
	}

	minRing := c.SamplesPerSubbandPerBlock + uint64(c.HistorySamples()) + uint64(c.SamplesPerFrame)
	if c.RingBufferSamplesPerSubband <= minRing {
		return fmt.Errorf(
			"ring buffer too small: %d samples must exceed block+history+frame (%d) "+
				"so the producer frontier and consumer window never overlap",
			c.RingBufferSamplesPerSubband, minRing)
	}

	if c.DescriptorFilter != "" {
		if _, err := glob.Compile(c.DescriptorFilter); err != nil {
			return fmt.Errorf("invalid descriptor_filter pattern %q: %w", c.DescriptorFilter, err)
		}
	}

	return nil
}

// HistorySamples is H = (Taps-1) * ChannelsPerSubband.
func (c *Config) HistorySamples() uint64 {
	if c.Taps == 0 {
		return 0
	}
	return uint64(c.Taps-1) * uint64(c.ChannelsPerSubband)
}

// NumInputDescriptors is D.
func (c *Config) NumInputDescriptors() int {
	return len(c.InputDescriptors)
}

// BytesPerTime is K*P*B: the number of bytes occupied by one time slice
// across every station and polarization in a subband's ring.
func (c *Config) BytesPerTime() uint64 {
	return uint64(c.Stations) * uint64(c.Polarizations) * uint64(c.BytesPerComplexSample)
}

// RingBytesPerSubband is the allocation size of one subband's ring.
func (c *Config) RingBytesPerSubband() datasize.ByteSize {
	return datasize.ByteSize(c.RingBufferSamplesPerSubband * c.BytesPerTime())
}

// DipolesPerStationSet returns K*P/D: the number of dipoles handled by a
// single station-set's InputBuffer.
func (c *Config) DipolesPerStationSet() uint32 {
	d := uint32(c.NumInputDescriptors())
	if d == 0 {
		return 0
	}
	return (c.Stations * c.Polarizations) / d
}

// EnabledDescriptors returns the indices of InputDescriptors that survive
// DescriptorFilter. With no filter configured, every descriptor is
// enabled.
func (c *Config) EnabledDescriptors() ([]int, error) {
	if c.DescriptorFilter == "" {
		out := make([]int, len(c.InputDescriptors))
		for i := range out {
			out[i] = i
		}
		return out, nil
	}

	g, err := glob.Compile(c.DescriptorFilter)
	if err != nil {
		return nil, fmt.Errorf("invalid descriptor_filter pattern %q: %w", c.DescriptorFilter, err)
	}

	var out []int
	for i, d := range c.InputDescriptors {
		if g.Match(d) {
			out = append(out, i)
		}
	}
	return out, nil
}

// CompileOptions returns the compile-time macro definitions exported for
// the accelerator kernel build (§6).
func (c *Config) CompileOptions() []string {
	return []string{
		fmt.Sprintf("-DNR_RING_BUFFER_SAMPLES_PER_SUBBAND=%d", c.RingBufferSamplesPerSubband),
	}
}
