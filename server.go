package xferd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xferd/command"
	"github.com/opd-ai/xferd/config"
	"github.com/opd-ai/xferd/file"
	"github.com/opd-ai/xferd/transfer"
	"github.com/opd-ai/xferd/transport"
)

// ErrNotListening is returned by Serve before Listen succeeded.
var ErrNotListening = errors.New("server is not listening")

// Server accepts connections and runs the transfer protocol on each.
type Server struct {
	cfg      *config.Config
	files    *file.Manager
	registry *command.Registry
	log      logrus.FieldLogger
	clock    file.TimeProvider
	extra    []*command.Command

	mu       sync.Mutex
	listener *transport.TCPListener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used by the server and everything it creates.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

// WithTimeProvider sets the clock used for resume record ages, TIME replies
// and transfer speeds.
func WithTimeProvider(tp file.TimeProvider) Option {
	return func(s *Server) { s.clock = tp }
}

// WithCommands registers additional commands next to the builtins.
func WithCommands(cmds ...*command.Command) Option {
	return func(s *Server) { s.extra = append(s.extra, cmds...) }
}

// NewServer validates cfg, prepares the storage root and builds the command
// registry. It does not bind a socket.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{
		cfg:   cfg,
		log:   logrus.StandardLogger(),
		clock: file.DefaultTimeProvider{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Storage.Create {
		if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	files, err := file.NewManager(cfg.Storage.Dir,
		file.WithKeyPolicy(cfg.KeyPolicy()),
		file.WithTimeProvider(s.clock),
		file.WithLogger(s.log),
	)
	if err != nil {
		return nil, err
	}
	s.files = files

	registry, err := command.NewDefaultRegistry(command.Deps{
		Files: files,
		Clock: s.clock,
		Transfer: transfer.Options{
			ChunkSize:          cfg.Transfer.ChunkSize,
			CheckpointInterval: cfg.Transfer.CheckpointInterval,
			TimeProvider:       s.clock,
		},
	}, s.log)
	if err != nil {
		return nil, err
	}
	for _, cmd := range s.extra {
		if err := registry.Register(cmd); err != nil {
			return nil, err
		}
	}
	s.registry = registry

	return s, nil
}

// Files returns the file manager holding the resume records.
func (s *Server) Files() *file.Manager { return s.files }

// Registry returns the command registry.
func (s *Server) Registry() *command.Registry { return s.registry }

// Listen binds the configured address.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}
	l, err := transport.Listen(s.cfg.ListenAddr(), transport.Options{
		Logger: s.log,
		KeepAlive: transport.KeepAlive{
			Enabled:  s.cfg.Server.KeepAlive,
			Idle:     s.cfg.Server.KeepAliveIdle.Duration,
			Interval: s.cfg.Server.KeepAliveInterval.Duration,
			Count:    s.cfg.Server.KeepAliveCount,
		},
	})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr(), err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done or Close is called. The
// resume-record reaper runs for as long as Serve does.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return ErrNotListening
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if interval := s.cfg.Resume.ReapInterval.Duration; interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runReaper(ctx, interval)
		}()
	}

	s.log.WithFields(logrus.Fields{
		"function": "Serve",
		"addr":     l.Addr().String(),
		"storage":  s.files.Root(),
	}).Info("Server accepting connections")

	err := l.Serve(ctx, s.handleConn)
	cancel()
	wg.Wait()
	return err
}

// ListenAndServe binds and serves.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Close stops accepting, closes every connection and waits until each
// session has persisted its resume checkpoint.
func (s *Server) Close() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	var result *multierror.Error
	if l != nil {
		if err := l.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ReapNow drops stale resume records immediately.
func (s *Server) ReapNow() (int, error) {
	return s.files.ReapStale(s.cfg.Resume.MaxAge.Duration)
}

func (s *Server) runReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ReapNow()
			entry := s.log.WithFields(logrus.Fields{
				"function": "runReaper",
				"reaped":   n,
			})
			if err != nil {
				entry.WithField("error", err.Error()).Warn("Resume reaper finished with errors")
			} else if n > 0 {
				entry.Info("Resume reaper removed stale records")
			}
		}
	}
}
