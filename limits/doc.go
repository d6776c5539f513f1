// Package limits provides centralized size constants and validation functions
// for the transfer protocol. This package ensures consistent size enforcement
// across all components of xferd.
//
// # Size Hierarchy
//
//   - MaxFileNameLength (255 characters): the longest NAME a transfer header
//     may carry and the longest name a command may address.
//
//   - MaxHeaderBytes (4 KiB): the most bytes an upload buffers before the
//     header's terminating empty line must have arrived.
//
//   - MaxCommandLine (64 KiB): the longest unterminated command line the
//     frame parser keeps as carryover.
//
//   - DefaultChunkSize / MaxChunkSize: the download streaming unit. At most
//     one chunk is in flight per download.
//
// # Validation Functions
//
// Each validation function wraps ErrMessageTooLarge or returns ErrMessageEmpty:
//
//	if err := limits.ValidateFileName(name); err != nil {
//	    if errors.Is(err, limits.ErrMessageTooLarge) {
//	        // reject
//	    }
//	}
package limits
