package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xferd/file"
	"github.com/opd-ai/xferd/header"
)

// Download sends a file to the peer. Start writes the transfer header and
// hands streaming to a goroutine. Each chunk is written with a blocking
// write, so a slow reader holds the stream at one chunk in flight.
type Download struct {
	base

	f      *os.File
	cancel context.CancelFunc
	done   chan struct{}

	lastCheckpoint int64
}

// NewDownload creates a download of size bytes from path, starting at
// offset.
func NewDownload(peer Peer, store Store, name, path string, size, offset int64, opts Options) *Download {
	d := &Download{}
	d.init(peer, store, Info{
		Direction:   file.DirectionDownload,
		FileName:    name,
		Path:        path,
		Size:        size,
		Offset:      offset,
		Transferred: offset,
	}, opts)
	return d
}

// Start opens the file, writes the header and starts streaming from the
// offset. The stream stops when ctx is cancelled or Interrupt is called.
func (d *Download) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateAwaitingHeader || d.acquired {
		return fmt.Errorf("download cannot be started in state %s", d.state)
	}
	if d.info.Offset < 0 || d.info.Offset > d.info.Size {
		return fmt.Errorf("offset %d outside file of %d bytes", d.info.Offset, d.info.Size)
	}

	hdr, err := header.Encode(d.info.FileName, d.info.Size, d.info.Offset)
	if err != nil {
		return err
	}

	f, err := os.Open(d.info.Path)
	if err != nil {
		return err
	}
	if d.info.Offset > 0 {
		if _, err := f.Seek(d.info.Offset, io.SeekStart); err != nil {
			f.Close()
			return err
		}
	}

	if err := d.acquireLocked(); err != nil {
		f.Close()
		return err
	}

	if _, err := d.peer.Write(hdr); err != nil {
		f.Close()
		d.store.Release(d.peer.ClientAddr(), d.info.FileName, d.info.Direction)
		d.acquired = false
		return fmt.Errorf("send header: %w", err)
	}

	d.f = f
	d.state = StateStreaming
	d.info.StartTime = d.opts.TimeProvider.Now()
	d.lastCheckpoint = d.info.Offset

	streamCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	d.log.WithFields(logrus.Fields{
		"function": "Start",
		"size":     d.info.Size,
		"offset":   d.info.Offset,
	}).Info("Download started")

	go d.stream(streamCtx)
	return nil
}

// stream owns d.f until it returns.
func (d *Download) stream(ctx context.Context) {
	defer close(d.done)
	defer d.f.Close()

	buf := make([]byte, d.opts.ChunkSize)
	for {
		d.mu.Lock()
		remaining := d.info.Size - d.info.Transferred
		d.mu.Unlock()

		if remaining <= 0 {
			d.complete()
			return
		}
		if ctx.Err() != nil {
			return
		}

		n := len(buf)
		if int64(n) > remaining {
			n = int(remaining)
		}
		r, rerr := io.ReadFull(d.f, buf[:n])
		if r > 0 {
			if _, werr := d.peer.Write(buf[:r]); werr != nil {
				d.abort(ctx, werr)
				return
			}
			d.advance(int64(r))
		}
		if rerr != nil {
			if errors.Is(rerr, io.ErrUnexpectedEOF) || errors.Is(rerr, io.EOF) {
				rerr = fmt.Errorf("file shrank during transfer: %w", rerr)
			}
			d.failRead(rerr)
			return
		}
	}
}

// advance moves the counter and checkpoints every CheckpointInterval bytes.
func (d *Download) advance(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.info.Transferred += n
	if d.info.Transferred < d.info.Size && d.info.Transferred-d.lastCheckpoint >= d.opts.CheckpointInterval {
		d.checkpointLocked("")
		d.lastCheckpoint = d.info.Transferred
	}
}

func (d *Download) complete() {
	d.mu.Lock()
	if d.state.Terminal() {
		d.mu.Unlock()
		return
	}
	d.state = StateCompleted
	d.store.Clear(d.peer.ClientAddr(), d.info.FileName)
	elapsed := d.elapsedLocked()
	sent := d.info.Transferred - d.info.Offset
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{
		"function": "complete",
		"sent":     sent,
		"elapsed":  elapsed.String(),
		"speed":    file.FormatBitrate(sent, elapsed),
	}).Info("Download completed")

	d.finish(d, nil)
}

// abort handles a failed write. A cancelled stream is left to Interrupt;
// otherwise the peer is gone and the transfer ends as interrupted.
func (d *Download) abort(ctx context.Context, werr error) {
	if ctx.Err() != nil {
		return
	}
	if d.markInterrupted() {
		d.log.WithFields(logrus.Fields{
			"function": "stream",
			"error":    werr.Error(),
		}).Info("Download interrupted by write failure")
		d.finish(d, fmt.Errorf("%w: %w", ErrInterrupted, werr))
	}
}

func (d *Download) failRead(err error) {
	d.mu.Lock()
	if d.state.Terminal() {
		d.mu.Unlock()
		return
	}
	d.state = StateFailed
	if d.info.Transferred > 0 && d.info.Transferred < d.info.Size {
		d.checkpointLocked("")
	}
	d.mu.Unlock()

	if serr := d.peer.Send("Error reading file: " + err.Error()); serr != nil {
		d.log.WithField("error", serr.Error()).Debug("Read error not delivered")
	}
	d.log.WithFields(logrus.Fields{
		"function": "stream",
		"error":    err.Error(),
	}).Warn("Download failed")

	d.finish(d, err)
}

// markInterrupted moves a live transfer to StateInterrupted and records a
// checkpoint for partial progress. It reports whether the state changed.
func (d *Download) markInterrupted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.Terminal() {
		return false
	}
	d.state = StateInterrupted
	if d.info.Transferred > 0 && d.info.Transferred < d.info.Size {
		d.checkpointLocked("")
	}
	return true
}

// HandleData holds peer bytes back until the stream has ended and then
// returns ErrFinished, so the caller parses them as commands once the
// download is over. A stream stopped by cancellation is recorded as
// interrupted first.
func (d *Download) HandleData(p []byte) (int, error) {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	if done == nil {
		return 0, ErrFinished
	}
	if len(p) > 0 {
		d.log.WithFields(logrus.Fields{
			"function": "HandleData",
			"bytes":    len(p),
		}).Debug("Peer sent data during download, holding until stream ends")
	}
	<-done
	d.Interrupt()
	return 0, ErrFinished
}

// Interrupt stops the stream and records the position reached. It waits for
// the stream goroutine, so the connection must already be closed or the
// peer reading; a write blocked on a stalled peer only returns once the
// socket is closed.
func (d *Download) Interrupt() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if d.markInterrupted() {
		info := d.Info()
		d.log.WithFields(logrus.Fields{
			"function": "Interrupt",
			"sent":     info.Transferred,
		}).Info("Download interrupted")
		d.finish(d, ErrInterrupted)
	}
}
