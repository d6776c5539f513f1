// Package limits provides centralized size limits for the transfer protocol.
// This ensures consistent validation across the parser, codec and handlers.
package limits

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxCommandLine is the largest unterminated command line the parser will
	// buffer before giving up on the carryover (64 KiB).
	MaxCommandLine = 64 * 1024

	// MaxFileNameLength is the maximum allowed file name length in characters.
	// The value (255) matches typical filesystem limits.
	MaxFileNameLength = 255

	// MaxHeaderBytes bounds the bytes an upload buffers while waiting for the
	// transfer header terminator.
	MaxHeaderBytes = 4096

	// DefaultChunkSize is the read size used when streaming a download.
	DefaultChunkSize = 64 * 1024

	// MaxChunkSize is the largest configurable streaming chunk.
	MaxChunkSize = 4 * 1024 * 1024

	// DefaultCheckpointInterval is how many bytes a download sends between
	// resume checkpoints (1 MiB).
	DefaultCheckpointInterval = 1024 * 1024

	// DefaultReadBufferSize is the per-connection socket read buffer.
	DefaultReadBufferSize = 32 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateBuffered reports whether n buffered bytes still fit under maxSize.
// Returns an error with context including the actual and maximum sizes.
func ValidateBuffered(n, maxSize int) error {
	if n > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, n, maxSize)
	}
	return nil
}

// ValidateFileName checks a file name against MaxFileNameLength.
// The length is counted in characters, not bytes.
func ValidateFileName(name string) error {
	if name == "" {
		return ErrMessageEmpty
	}
	if n := utf8.RuneCountInString(name); n > MaxFileNameLength {
		return fmt.Errorf("%w: file name length %d exceeds limit %d", ErrMessageTooLarge, n, MaxFileNameLength)
	}
	return nil
}

// ValidateChunkSize checks a configured streaming chunk size.
func ValidateChunkSize(n int) error {
	if n <= 0 {
		return ErrMessageEmpty
	}
	return ValidateBuffered(n, MaxChunkSize)
}
