package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// ConnHandler serves one accepted connection. The connection is closed
// after the handler returns.
type ConnHandler func(ctx context.Context, conn net.Conn)

// KeepAlive configures TCP keepalive probes on accepted connections.
type KeepAlive struct {
	Enabled  bool
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

// Options configures a TCPListener.
type Options struct {
	KeepAlive KeepAlive
	Logger    logrus.FieldLogger
}

// TCPListener accepts TCP connections and runs a handler for each on its own
// goroutine. It tracks live connections so Close can shut them all down.
type TCPListener struct {
	listener   net.Listener
	listenAddr net.Addr
	opts       Options
	log        logrus.FieldLogger

	mu      sync.RWMutex
	clients map[string]net.Conn
	closed  bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Listen creates a TCP listener bound to listenAddr.
func Listen(listenAddr string, opts Options) (*TCPListener, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &TCPListener{
		listener:   listener,
		listenAddr: listener.Addr(),
		opts:       opts,
		log:        opts.Logger,
		clients:    make(map[string]net.Conn),
		ctx:        ctx,
		cancel:     cancel,
	}

	t.log.WithFields(logrus.Fields{
		"function": "Listen",
		"addr":     t.listenAddr.String(),
	}).Info("TCP listener started")

	return t, nil
}

// Addr returns the local address the listener is bound to.
func (t *TCPListener) Addr() net.Addr {
	return t.listenAddr
}

// Serve accepts connections until the listener is closed or ctx is done. It
// returns nil after a normal shutdown, once every handler has returned.
func (t *TCPListener) Serve(ctx context.Context, handler ConnHandler) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.isClosed() {
				return t.Close()
			}
			// Transient accept failures such as EMFILE.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			t.log.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
				"backoff":  backoff.String(),
			}).Warn("Accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if t.opts.KeepAlive.Enabled {
			if err := setKeepAlive(conn, t.opts.KeepAlive); err != nil {
				t.log.WithFields(logrus.Fields{
					"function": "Serve",
					"client":   conn.RemoteAddr().String(),
					"error":    err.Error(),
				}).Debug("Keepalive not applied")
			}
		}

		if !t.registerClient(conn) {
			conn.Close()
			return t.Close()
		}
		go t.handleConnection(conn, handler)
	}
}

// handleConnection runs the handler for a single TCP connection.
func (t *TCPListener) handleConnection(conn net.Conn, handler ConnHandler) {
	defer t.wg.Done()
	defer conn.Close()
	defer t.unregisterClient(conn)

	handler(t.ctx, conn)
}

// registerClient tracks conn. It fails once the listener is closed.
func (t *TCPListener) registerClient(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	t.clients[conn.RemoteAddr().String()] = conn
	t.wg.Add(1)
	return true
}

func (t *TCPListener) unregisterClient(conn net.Conn) {
	t.mu.Lock()
	delete(t.clients, conn.RemoteAddr().String())
	t.mu.Unlock()
}

func (t *TCPListener) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// ClientCount returns the number of live connections.
func (t *TCPListener) ClientCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// Close stops accepting, closes every live connection and waits for their
// handlers to return. Later calls only wait.
func (t *TCPListener) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.wg.Wait()
		return nil
	}
	t.closed = true
	conns := make([]net.Conn, 0, len(t.clients))
	for _, conn := range t.clients {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	t.cancel()

	var result *multierror.Error
	if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, err)
	}
	for _, conn := range conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}

	t.wg.Wait()

	t.log.WithFields(logrus.Fields{
		"function": "Close",
		"addr":     t.listenAddr.String(),
		"closed":   len(conns),
	}).Info("TCP listener closed")

	return result.ErrorOrNil()
}
