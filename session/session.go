// Package session holds the per-connection state of the transfer server.
package session

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xferd/frame"
	"github.com/opd-ai/xferd/transfer"
)

// ErrTransferInProgress indicates the session already owns a transfer.
var ErrTransferInProgress = errors.New("a transfer is already in progress on this connection")

// Mode selects how the connection driver interprets incoming bytes.
type Mode uint8

const (
	// ModeAwaitingCommand routes bytes through the command parser.
	ModeAwaitingCommand Mode = iota
	// ModeStreaming routes bytes to the active transfer handler.
	ModeStreaming
)

func (m Mode) String() string {
	if m == ModeStreaming {
		return "streaming"
	}
	return "awaiting_command"
}

// Options configures a Session.
type Options struct {
	// MaxLine bounds the command parser carryover.
	MaxLine int
	Logger  logrus.FieldLogger
}

// Session is the state of one client connection. Writes from the command
// path and a streaming download are serialized.
type Session struct {
	id     string
	conn   net.Conn
	addr   string
	parser *frame.Parser
	log    logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	handler        transfer.Handler
	closeRequested bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// New creates a session for an accepted connection. The session context is
// cancelled when the session closes or ctx is done.
func New(ctx context.Context, conn net.Conn, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	sctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	addr := conn.RemoteAddr().String()

	return &Session{
		id:     id,
		conn:   conn,
		addr:   addr,
		parser: frame.NewParser(opts.MaxLine),
		log: opts.Logger.WithFields(logrus.Fields{
			"session_id": id,
			"client":     addr,
		}),
		ctx:    sctx,
		cancel: cancel,
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// ClientAddr returns the peer address.
func (s *Session) ClientAddr() string { return s.addr }

// Context returns the session context.
func (s *Session) Context() context.Context { return s.ctx }

// Logger returns a logger carrying the session fields.
func (s *Session) Logger() logrus.FieldLogger { return s.log }

// Parser returns the command parser holding the text carryover. It is only
// used from the connection's read goroutine.
func (s *Session) Parser() *frame.Parser { return s.parser }

// Send writes a reply line terminated by CRLF.
func (s *Session) Send(line string) error {
	_, err := s.Write([]byte(line + "\r\n"))
	return err
}

// Write writes raw bytes. It blocks until the socket accepted them.
func (s *Session) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(p)
}

// Mode reports whether the session streams a transfer.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler != nil {
		return ModeStreaming
	}
	return ModeAwaitingCommand
}

// ActiveTransfer returns the transfer the session streams, or nil.
func (s *Session) ActiveTransfer() transfer.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// BeginTransfer installs h and switches the session to streaming mode.
func (s *Session) BeginTransfer(h transfer.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler != nil {
		return ErrTransferInProgress
	}
	s.handler = h
	return nil
}

// EndTransfer removes h if it is still the active transfer and returns the
// session to command mode.
func (s *Session) EndTransfer(h transfer.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == h {
		s.handler = nil
	}
}

// RequestClose marks the session to be closed once the current reply has
// been written.
func (s *Session) RequestClose() {
	s.mu.Lock()
	s.closeRequested = true
	s.mu.Unlock()
}

// CloseRequested reports whether RequestClose was called.
func (s *Session) CloseRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeRequested
}

// Close cancels the session context and closes the connection. It is safe
// to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Teardown closes the connection and then interrupts the active transfer so
// it can persist a checkpoint. Closing first unblocks a download stuck
// writing to a stalled peer.
func (s *Session) Teardown() {
	_ = s.Close()
	if h := s.ActiveTransfer(); h != nil {
		h.Interrupt()
		s.EndTransfer(h)
	}
}
