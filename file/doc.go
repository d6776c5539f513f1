// Package file owns everything the server knows about stored files: the
// storage root, name sanitizing, sizes, checksums and the resume records
// that let interrupted transfers continue after a reconnect.
//
// # Names and Paths
//
// Client supplied names are reduced to their final path element before
// being joined to the storage root, so no request can address a file
// outside it:
//
//	path, err := manager.ResolvePath("../../etc/passwd") // <root>/passwd
//
// # Resume Records
//
// A record is keyed by (client, file name, direction) and holds the byte
// offset a transfer reached. The client part is derived from the peer
// address by the KeyPolicy; the default KeyByIP ignores the source port so
// a reconnect finds its records.
//
//	manager.RecordProgress(addr, "video.mp4", file.DirectionDownload, 4<<20, "")
//	offset, ok := manager.LookupResume(addr, "video.mp4", file.DirectionDownload)
//
// Transfers mark themselves with Acquire/Release while running. ReapStale,
// run periodically by the server, drops records older than a maximum age
// (removing partial upload files) but never touches an active transfer.
//
// # Formatting
//
// FormatFileSize and FormatBitrate render the sizes and speeds used in
// replies and logs.
package file
