// Package source defines the input-stream collaborators InputBuffer reads
// frames from, and provides two concrete implementations: a file-based
// reader modeled on the VDIF stub, and a UDP network reader built on
// gopacket (§6).
package source

import "context"

// Frame is one ingested sample frame: a header carrying (startTime,
// subband) plus a fixed-size block of raw sample bytes.
type Frame struct {
	StartTime uint64
	Subband   uint32
	Data      []byte
}

// FrameSource is a blocking bytestream yielding frames for one
// station-set. Exact on-wire framing is source-specific; only the
// timestamp and subband fields are consumed by InputBuffer.
type FrameSource interface {
	// ReadFrame blocks until a frame is available, ctx is canceled, or a
	// terminal error occurs. Implementations must return promptly once
	// ctx is canceled.
	ReadFrame(ctx context.Context) (Frame, error)

	// Close releases any resources held by the source (file handles,
	// sockets, pcap handles).
	Close() error
}
