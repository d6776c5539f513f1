// Package transfer implements the resumable upload and download state
// machines that run while a connection is in streaming mode.
//
// # Lifecycle
//
// Every handler moves forward only:
//
//	AwaitingHeader -> Streaming -> Completed
//	AwaitingHeader -> Draining  -> Failed      (upload with a bad RESUME)
//	any live state -> Interrupted              (disconnect)
//	any live state -> Failed                   (I/O or header error)
//
// OnFinish fires exactly once on the way into a terminal state so the
// session can return to command mode.
//
// # Uploads
//
// The peer sends a transfer header then the payload. The header's RESUME must
// equal the offset the server offered; otherwise the declared payload is
// read and discarded and the connection returns to command mode. Bytes that
// follow a finished payload are not consumed and go back to the caller.
//
// # Downloads
//
// Start writes the header and streams from the offset in its own goroutine.
// Every CheckpointInterval bytes the position is stored so a reconnecting
// client can resume even after an abrupt disconnect. Bytes the peer sends
// meanwhile are held back and handed to the command parser afterwards.
package transfer
