// Package transport accepts TCP connections for the transfer server.
//
// TCPListener runs one goroutine per connection and keeps a registry of
// live connections, so Close can stop accepting, close every socket and
// wait for all handlers:
//
//	l, err := transport.Listen(":3000", transport.Options{
//	    KeepAlive: transport.KeepAlive{Enabled: true, Idle: 30 * time.Second},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go l.Serve(ctx, func(ctx context.Context, conn net.Conn) {
//	    // serve conn
//	})
//	defer l.Close()
//
// On Linux, keepalive idle time, probe interval and probe count are set with
// socket options; elsewhere only the idle period is applied.
package transport
