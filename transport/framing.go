package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opd-ai/dmcore/limits"
)

// writeFrame writes a length-prefixed frame. The prefix is a 4-byte
// big-endian length so partial TCP reads cannot split a packet.
func writeFrame(w io.Writer, payload []byte) error {
	if err := limits.ValidateFrame(uint32(len(payload)), limits.MaxFrameSize); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame, rejecting oversized lengths
// before allocating.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if err := limits.ValidateFrame(n, limits.MaxFrameSize); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return buf, nil
}
