// Package limits provides centralized size limits for the direct-messaging
// subsystem. This ensures consistent validation across components.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPlaintextMessage is the maximum plaintext size accepted at compose
	// time.
	MaxPlaintextMessage = 4096

	// MaxEnvelopeSize is the maximum serialized envelope accepted from the
	// wire, covering headers, media references, and AEAD overhead.
	MaxEnvelopeSize = 64 * 1024

	// MaxFrameSize is the absolute maximum for any length-prefixed frame
	// read from a stream. This prevents memory exhaustion from a hostile
	// length prefix.
	MaxFrameSize = 1024 * 1024

	// MaxMediaRefs caps the media references attached to one envelope.
	MaxMediaRefs = 16
)

var (
	// ErrMessageEmpty indicates an empty message was provided.
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a message exceeds its maximum size.
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidatePlaintext validates a plaintext message against
// MaxPlaintextMessage.
func ValidatePlaintext(message []byte) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > MaxPlaintextMessage {
		return fmt.Errorf("%w: plaintext size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxPlaintextMessage)
	}
	return nil
}

// ValidateFrame validates a raw frame length against maxSize.
func ValidateFrame(size uint32, maxSize int) error {
	if size == 0 {
		return ErrMessageEmpty
	}
	if int(size) > maxSize {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrMessageTooLarge, size, maxSize)
	}
	return nil
}
