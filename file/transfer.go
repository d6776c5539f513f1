package file

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/opd-ai/xferd/limits"
)

// ErrDirectoryTraversal indicates a name that resolves to no file inside the
// storage root, such as "..".
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ErrNotFound indicates the requested file does not exist in the storage root.
var ErrNotFound = errors.New("file not found")

// ErrNotAFile indicates the requested name resolves to a directory or other
// non-regular file.
var ErrNotAFile = errors.New("not a regular file")

// ErrTransferActive indicates a transfer for the same client, file and
// direction is already running.
var ErrTransferActive = errors.New("transfer already in progress")

// Direction indicates whether a transfer moves data to or from the server.
type Direction uint8

const (
	// DirectionUpload represents a file being received by the server.
	DirectionUpload Direction = iota
	// DirectionDownload represents a file being sent by the server.
	DirectionDownload
)

func (d Direction) String() string {
	switch d {
	case DirectionUpload:
		return "upload"
	case DirectionDownload:
		return "download"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// defaultTimeProvider is the package-level default time provider.
var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// SanitizeName reduces a client supplied name to its final path element.
// Any directory components are discarded, so "../../etc/passwd" becomes
// "passwd". Names that leave nothing usable are rejected.
func SanitizeName(name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: name contains NUL", ErrDirectoryTraversal)
	}
	base := filepath.Base(filepath.FromSlash(strings.ReplaceAll(name, `\`, "/")))
	switch base {
	case ".", "..", string(filepath.Separator), "":
		return "", fmt.Errorf("%w: %q", ErrDirectoryTraversal, name)
	}
	if err := limits.ValidateFileName(base); err != nil {
		return "", err
	}
	return base, nil
}
