package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xferd/file"
	"github.com/opd-ai/xferd/limits"
)

// ErrFinished is returned by HandleData once a handler reached a terminal
// state. The caller routes the bytes elsewhere.
var ErrFinished = errors.New("transfer finished")

// ErrInterrupted is passed to OnFinish when a transfer ends because the
// connection went away.
var ErrInterrupted = errors.New("transfer interrupted")

// OffsetMismatchError reports an upload whose declared resume offset differs
// from the offset the server offered.
type OffsetMismatchError struct {
	Expected int64
	Got      int64
}

func (e *OffsetMismatchError) Error() string {
	return fmt.Sprintf("Offset mismatch. Server expects %d, client sent %d", e.Expected, e.Got)
}

// State represents the lifecycle position of a transfer.
type State uint8

const (
	// StateAwaitingHeader indicates the transfer header has not been
	// exchanged yet.
	StateAwaitingHeader State = iota
	// StateStreaming indicates payload bytes are moving.
	StateStreaming
	// StateDraining indicates a rejected upload whose declared payload is
	// being read and discarded.
	StateDraining
	// StateCompleted indicates every byte was transferred.
	StateCompleted
	// StateInterrupted indicates the connection ended mid-transfer.
	StateInterrupted
	// StateFailed indicates the transfer was aborted by an error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHeader:
		return "awaiting_header"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateInterrupted:
		return "interrupted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateInterrupted || s == StateFailed
}

// Info is a snapshot of a transfer's progress. Transferred is the absolute
// file position reached, so it starts at Offset.
type Info struct {
	Direction   file.Direction
	FileName    string
	Path        string
	Size        int64
	Offset      int64
	Transferred int64
	StartTime   time.Time
}

// Handler is the per-session state machine for one transfer.
type Handler interface {
	// Start moves the handler out of its initial state. Downloads write
	// the transfer header and begin streaming.
	Start(ctx context.Context) error
	// HandleData consumes bytes received from the peer and reports how
	// many were used. Bytes past a completed payload are left unconsumed.
	HandleData(p []byte) (int, error)
	// Interrupt ends the transfer after a disconnect and persists a resume
	// checkpoint when progress exists.
	Interrupt()
	State() State
	Info() Info
}

// Peer is the connection side a handler talks to.
type Peer interface {
	ClientAddr() string
	Send(line string) error
	Write(p []byte) (int, error)
}

// Store is the resume-record store used by handlers.
type Store interface {
	RecordProgress(client, name string, dir file.Direction, offset int64, path string)
	Clear(client, name string)
	ClearPath(path string)
	Acquire(client, name string, dir file.Direction) error
	Release(client, name string, dir file.Direction)
}

// Options tunes handler behavior.
type Options struct {
	// ChunkSize is the download read unit.
	ChunkSize int
	// CheckpointInterval is the number of bytes between download
	// checkpoints.
	CheckpointInterval int64
	TimeProvider       file.TimeProvider
	Logger             logrus.FieldLogger
	// OnFinish is called exactly once when the handler reaches a terminal
	// state. err is nil on completion.
	OnFinish func(h Handler, err error)
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = limits.DefaultChunkSize
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = limits.DefaultCheckpointInterval
	}
	if o.TimeProvider == nil {
		o.TimeProvider = file.DefaultTimeProvider{}
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// base holds the state shared by both handler variants.
type base struct {
	peer  Peer
	store Store
	opts  Options
	log   logrus.FieldLogger

	mu       sync.Mutex
	state    State
	info     Info
	acquired bool

	finishOnce sync.Once
}

func (b *base) init(peer Peer, store Store, info Info, opts Options) {
	b.opts = opts.withDefaults()
	b.peer = peer
	b.store = store
	b.info = info
	b.state = StateAwaitingHeader
	b.log = b.opts.Logger.WithFields(logrus.Fields{
		"client":    peer.ClientAddr(),
		"file_name": info.FileName,
		"direction": info.Direction,
	})
}

// Info returns a snapshot of the transfer progress.
func (b *base) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

// State returns the current state.
func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// acquireLocked registers the transfer as active in the store.
func (b *base) acquireLocked() error {
	if err := b.store.Acquire(b.peer.ClientAddr(), b.info.FileName, b.info.Direction); err != nil {
		return err
	}
	b.acquired = true
	return nil
}

// finish releases the active mark and reports the outcome. It must be
// called without b.mu held.
func (b *base) finish(h Handler, err error) {
	b.finishOnce.Do(func() {
		b.mu.Lock()
		acquired := b.acquired
		b.acquired = false
		b.mu.Unlock()

		if acquired {
			b.store.Release(b.peer.ClientAddr(), b.info.FileName, b.info.Direction)
		}
		if b.opts.OnFinish != nil {
			b.opts.OnFinish(h, err)
		}
	})
}

// checkpointLocked persists the transferred offset.
func (b *base) checkpointLocked(path string) {
	b.store.RecordProgress(b.peer.ClientAddr(), b.info.FileName, b.info.Direction, b.info.Transferred, path)
}

func (b *base) elapsedLocked() time.Duration {
	return b.opts.TimeProvider.Since(b.info.StartTime)
}
