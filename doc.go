// Package xferd implements a resumable file transfer server over TCP.
//
// A connection carries two kinds of traffic on the same socket: CRLF
// terminated text commands, and raw file bytes while an upload or download
// is streaming. The server routes every read by the session mode, so a
// client may pipeline commands, and the bytes that follow an UPLOAD reply
// belong to the file rather than the command parser.
//
// # Getting Started
//
// Build a server from a configuration and serve until the context ends:
//
//	cfg, err := config.Load("xferd.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	srv, err := xferd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := srv.ListenAndServe(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Commands
//
//	ECHO <text>                          echo the text back
//	TIME                                 current UTC time, ISO-8601
//	CLOSE | EXIT | QUIT                  reply "Goodbye" and disconnect
//	UPLOAD <name>                        reply "READY <offset>", then read a header and bytes
//	DOWNLOAD <name> [<known_bytes>]      send a header and bytes
//	HASH <name>                          BLAKE2b-256 digest of a stored file
//
// # Resuming
//
// Progress is checkpointed per client, file and direction. A client that
// reconnects after an interruption is offered the checkpoint, or for uploads
// the size of the partial file, and only the missing bytes cross the wire.
// Records older than the configured age are reaped together with their
// partial upload files.
//
// # Package Layout
//
//   - [frame]: command line framing over a byte stream
//   - [header]: the SIZE / NAME / RESUME transfer header
//   - [transfer]: upload and download state machines
//   - [file]: storage root, name sanitization and resume records
//   - [command]: command registry and builtins
//   - [session]: per-connection state
//   - [transport]: TCP listener with keepalive tuning
//   - [client]: a Go client for the protocol
//   - [config]: TOML, environment and logging setup
package xferd
