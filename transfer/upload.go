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
	"github.com/opd-ai/xferd/limits"
)

// Upload receives a file from the peer. It buffers bytes until the transfer
// header is complete, checks the declared resume offset against the offset
// offered in the READY reply and then writes payload bytes to disk as they
// arrive. Writes are synchronous, so the connection is not read again until
// the previous chunk reached the file.
type Upload struct {
	base

	buf      []byte
	f        *os.File
	drain    int64
	drainErr error
}

// NewUpload creates an upload of name into path that expects the peer to
// resume at offset.
func NewUpload(peer Peer, store Store, name, path string, offset int64, opts Options) *Upload {
	u := &Upload{}
	u.init(peer, store, Info{
		Direction:   file.DirectionUpload,
		FileName:    name,
		Path:        path,
		Offset:      offset,
		Transferred: offset,
	}, opts)
	return u
}

// Start registers the upload as active and starts its clock.
func (u *Upload) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != StateAwaitingHeader || u.acquired {
		return fmt.Errorf("upload cannot be started in state %s", u.state)
	}
	if err := u.acquireLocked(); err != nil {
		return err
	}
	u.info.StartTime = u.opts.TimeProvider.Now()

	u.log.WithFields(logrus.Fields{
		"function": "Start",
	}).Info("Upload awaiting header")
	return nil
}

// Offer sets the resume offset announced to the peer. It is only valid
// before any header byte arrived.
func (u *Upload) Offer(offset int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != StateAwaitingHeader || len(u.buf) > 0 {
		return fmt.Errorf("upload offer cannot change in state %s", u.state)
	}
	if offset < 0 {
		return fmt.Errorf("negative upload offer %d", offset)
	}
	u.info.Offset = offset
	u.info.Transferred = offset

	u.log.WithFields(logrus.Fields{
		"function": "Offer",
		"offset":   offset,
	}).Debug("Upload offer set")
	return nil
}

// HandleData consumes header and payload bytes.
func (u *Upload) HandleData(p []byte) (int, error) {
	u.mu.Lock()
	st, err := u.handleLocked(p)
	u.mu.Unlock()

	if st.done {
		u.finish(u, st.outcome)
	}
	return st.n, err
}

// step is the result of consuming one chunk. outcome is what OnFinish
// receives when done is set.
type step struct {
	n       int
	done    bool
	outcome error
}

func (u *Upload) handleLocked(p []byte) (step, error) {
	switch u.state {
	case StateAwaitingHeader:
		return u.headerLocked(p)
	case StateStreaming:
		return u.writeLocked(p)
	case StateDraining:
		n, done := u.drainLocked(p)
		return step{n: n, done: done, outcome: u.drainErr}, nil
	default:
		return step{}, ErrFinished
	}
}

func (u *Upload) headerLocked(p []byte) (step, error) {
	u.buf = append(u.buf, p...)

	h, rest, err := header.Decode(u.buf)
	if errors.Is(err, header.ErrIncomplete) {
		if verr := limits.ValidateBuffered(len(u.buf), limits.MaxHeaderBytes); verr != nil {
			err = fmt.Errorf("transfer header: %w", verr)
			u.failLocked(err)
			return step{n: len(p), done: true, outcome: err}, err
		}
		return step{n: len(p)}, nil
	}
	u.buf = nil
	if err != nil {
		u.failLocked(err)
		return step{n: len(p), done: true, outcome: err}, err
	}

	// The terminator arrived in p, so rest is a suffix of p.
	used := len(p) - len(rest)

	if h.Resume != u.info.Offset {
		mismatch := &OffsetMismatchError{Expected: u.info.Offset, Got: h.Resume}
		u.log.WithFields(logrus.Fields{
			"function": "HandleData",
			"expected": u.info.Offset,
			"declared": h.Resume,
		}).Warn("Upload rejected: offset mismatch")
		u.reply("Error: " + mismatch.Error())

		u.state = StateDraining
		u.drainErr = mismatch
		if h.Size > h.Resume {
			u.drain = h.Size - h.Resume
		}
		n, done := u.drainLocked(rest)
		return step{n: used + n, done: done, outcome: mismatch}, mismatch
	}

	if h.Size < u.info.Offset {
		err := fmt.Errorf("declared size %d is smaller than resume offset %d", h.Size, u.info.Offset)
		u.failLocked(err)
		return step{n: len(p), done: true, outcome: err}, err
	}

	if h.Name != u.info.FileName {
		u.log.WithFields(logrus.Fields{
			"function":    "HandleData",
			"header_name": h.Name,
		}).Debug("Header name differs from requested name")
	}

	if err := u.openLocked(); err != nil {
		u.failLocked(err)
		return step{n: len(p), done: true, outcome: err}, err
	}
	u.info.Size = h.Size
	u.state = StateStreaming

	u.log.WithFields(logrus.Fields{
		"function": "HandleData",
		"size":     h.Size,
		"offset":   u.info.Offset,
	}).Info("Upload header accepted")

	if u.info.Transferred >= u.info.Size {
		err := u.completeLocked()
		return step{n: used, done: true, outcome: err}, err
	}

	st, err := u.writeLocked(rest)
	st.n += used
	return st, err
}

// openLocked opens the destination. Offset zero truncates; otherwise the
// existing file must hold at least offset bytes and is cut back to offset
// before writing resumes there.
func (u *Upload) openLocked() error {
	if u.info.Offset == 0 {
		f, err := os.OpenFile(u.info.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		u.f = f
		return nil
	}

	f, err := os.OpenFile(u.info.Path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open partial upload: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if st.Size() < u.info.Offset {
		f.Close()
		return fmt.Errorf("partial file holds %d bytes, resume offset is %d", st.Size(), u.info.Offset)
	}
	if err := f.Truncate(u.info.Offset); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Seek(u.info.Offset, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	u.f = f
	return nil
}

func (u *Upload) writeLocked(p []byte) (step, error) {
	want := u.info.Size - u.info.Transferred
	if int64(len(p)) > want {
		p = p[:want]
	}
	if len(p) == 0 {
		return step{}, nil
	}

	n, err := u.f.Write(p)
	u.info.Transferred += int64(n)
	if err != nil {
		err = fmt.Errorf("write %s: %w", u.info.FileName, err)
		u.failLocked(err)
		return step{n: len(p), done: true, outcome: err}, err
	}

	if u.info.Transferred >= u.info.Size {
		err := u.completeLocked()
		return step{n: n, done: true, outcome: err}, err
	}
	return step{n: n}, nil
}

func (u *Upload) drainLocked(p []byte) (int, bool) {
	n := int64(len(p))
	if n > u.drain {
		n = u.drain
	}
	u.drain -= n
	if u.drain == 0 {
		u.state = StateFailed
		return int(n), true
	}
	return int(n), false
}

// completeLocked closes the file, clears resume state and acknowledges.
func (u *Upload) completeLocked() error {
	if err := u.closeFileLocked(); err != nil {
		err = fmt.Errorf("close %s: %w", u.info.FileName, err)
		u.failLocked(err)
		return err
	}
	u.state = StateCompleted
	u.store.Clear(u.peer.ClientAddr(), u.info.FileName)
	u.store.ClearPath(u.info.Path)

	elapsed := u.elapsedLocked()
	moved := u.info.Transferred - u.info.Offset
	speed := file.FormatBitrate(moved, elapsed)
	u.reply(fmt.Sprintf("File uploaded: %s (%s) - Speed: %s",
		u.info.FileName, file.FormatFileSize(u.info.Transferred), speed))

	u.log.WithFields(logrus.Fields{
		"function": "complete",
		"size":     u.info.Size,
		"received": moved,
		"elapsed":  elapsed.String(),
		"speed":    speed,
	}).Info("Upload completed")
	return nil
}

// failLocked aborts the transfer, keeping a checkpoint for bytes already on
// disk, and reports the error to the peer.
func (u *Upload) failLocked(err error) {
	wasStreaming := u.state == StateStreaming
	_ = u.closeFileLocked()
	u.state = StateFailed
	if wasStreaming && u.info.Transferred > 0 {
		u.checkpointLocked(u.info.Path)
	}
	u.reply("Error: " + err.Error())

	u.log.WithFields(logrus.Fields{
		"function": "fail",
		"received": u.info.Transferred,
		"error":    err.Error(),
	}).Warn("Upload failed")
}

// Interrupt closes the file and records how far the upload got.
func (u *Upload) Interrupt() {
	u.mu.Lock()
	if u.state.Terminal() {
		u.mu.Unlock()
		return
	}
	wasStreaming := u.state == StateStreaming
	_ = u.closeFileLocked()
	u.state = StateInterrupted
	if wasStreaming && u.info.Transferred > 0 {
		u.checkpointLocked(u.info.Path)
	}
	received := u.info.Transferred
	u.mu.Unlock()

	u.log.WithFields(logrus.Fields{
		"function": "Interrupt",
		"received": received,
	}).Info("Upload interrupted")

	u.finish(u, ErrInterrupted)
}

func (u *Upload) closeFileLocked() error {
	if u.f == nil {
		return nil
	}
	err := u.f.Close()
	u.f = nil
	return err
}

func (u *Upload) reply(line string) {
	if err := u.peer.Send(line); err != nil {
		u.log.WithFields(logrus.Fields{
			"function": "reply",
			"error":    err.Error(),
		}).Debug("Reply not delivered")
	}
}
