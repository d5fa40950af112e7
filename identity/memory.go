package identity

import (
	"crypto/subtle"
	"runtime"
)

// ZeroBytes erases the contents of a byte slice containing sensitive data.
func ZeroBytes(data []byte) {
	if data == nil {
		return
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	// Keep both slices live so the compiler cannot elide the overwrite.
	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)
}
