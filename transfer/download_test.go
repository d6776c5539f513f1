package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xferd/file"
)

func writeStored(t *testing.T, store *recordingStore, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(store.Root(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestDownloadFull(t *testing.T) {
	store := newTestStore(t)
	data := testPayload(10000)
	path := writeStored(t, store, "d.bin", data)

	peer := &mockPeer{}
	fin := newFinishRecorder()
	opts := fin.options()
	opts.ChunkSize = 1024
	d := NewDownload(peer, store, "d.bin", path, int64(len(data)), 0, opts)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, fin.wait(t))

	want := append(mustHeader(t, "d.bin", 10000, 0), data...)
	assert.Equal(t, want, peer.bytes())
	assert.Equal(t, StateCompleted, d.State())
	assert.Empty(t, store.Records())
	assert.NoError(t, store.Acquire(testPeerAddr, "d.bin", file.DirectionDownload), "active mark released")
}

func TestDownloadFromOffset(t *testing.T) {
	store := newTestStore(t)
	data := testPayload(10000)
	path := writeStored(t, store, "o.bin", data)
	store.RecordProgress(testPeerAddr, "o.bin", file.DirectionDownload, 4000, "")

	peer := &mockPeer{}
	fin := newFinishRecorder()
	d := NewDownload(peer, store, "o.bin", path, 10000, 4000, fin.options())
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, fin.wait(t))

	want := append(mustHeader(t, "o.bin", 10000, 4000), data[4000:]...)
	assert.Equal(t, want, peer.bytes())
	_, ok := store.LookupResume(testPeerAddr, "o.bin", file.DirectionDownload)
	assert.False(t, ok, "completion clears the resume record")
}

func TestDownloadOffsetAtSize(t *testing.T) {
	store := newTestStore(t)
	path := writeStored(t, store, "done.bin", testPayload(10))

	peer := &mockPeer{}
	fin := newFinishRecorder()
	d := NewDownload(peer, store, "done.bin", path, 10, 10, fin.options())
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, fin.wait(t))
	assert.Equal(t, mustHeader(t, "done.bin", 10, 10), peer.bytes())
}

func TestDownloadRejectsOffsetPastSize(t *testing.T) {
	store := newTestStore(t)
	path := writeStored(t, store, "x.bin", testPayload(10))

	d := NewDownload(&mockPeer{}, store, "x.bin", path, 10, 11, newFinishRecorder().options())
	assert.Error(t, d.Start(context.Background()))
}

func TestDownloadCheckpointsAreCoalescedAndMonotonic(t *testing.T) {
	store := newTestStore(t)
	data := testPayload(10000)
	path := writeStored(t, store, "c.bin", data)

	fin := newFinishRecorder()
	opts := fin.options()
	opts.ChunkSize = 1024
	opts.CheckpointInterval = 4096
	d := NewDownload(&mockPeer{}, store, "c.bin", path, 10000, 0, opts)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, fin.wait(t))

	assert.Equal(t, []int64{4096, 8192}, store.offsets())
}

func TestDownloadWriteFailureCheckpoints(t *testing.T) {
	store := newTestStore(t)
	data := testPayload(10000)
	path := writeStored(t, store, "w.bin", data)

	// Header plus five 1000-byte chunks succeed.
	peer := &mockPeer{failAfter: 6}
	fin := newFinishRecorder()
	opts := fin.options()
	opts.ChunkSize = 1000
	opts.CheckpointInterval = 2000
	d := NewDownload(peer, store, "w.bin", path, 10000, 0, opts)
	require.NoError(t, d.Start(context.Background()))

	assert.ErrorIs(t, fin.wait(t), ErrInterrupted)
	assert.Equal(t, StateInterrupted, d.State())

	off, ok := store.LookupResume(testPeerAddr, "w.bin", file.DirectionDownload)
	require.True(t, ok)
	assert.Equal(t, int64(5000), off)

	// The driver still calls Interrupt on teardown; it must be a no-op.
	d.Interrupt()
	fin.assertNoMore(t)
	assert.Equal(t, []int64{2000, 4000, 5000}, store.offsets())
}

func TestDownloadHandleDataWaitsForStream(t *testing.T) {
	store := newTestStore(t)
	data := testPayload(10000)
	path := writeStored(t, store, "h.bin", data)

	peer := &mockPeer{}
	fin := newFinishRecorder()
	opts := fin.options()
	opts.ChunkSize = 512
	d := NewDownload(peer, store, "h.bin", path, 10000, 0, opts)
	require.NoError(t, d.Start(context.Background()))

	n, err := d.HandleData([]byte("ECHO hi\r\n"))
	assert.ErrorIs(t, err, ErrFinished)
	assert.Zero(t, n, "bytes are left for the command parser")
	assert.Equal(t, StateCompleted, d.State())
	assert.Len(t, peer.bytes(), len(mustHeader(t, "h.bin", 10000, 0))+len(data))
	require.NoError(t, fin.wait(t))
}

func TestDownloadHandleDataAfterCancel(t *testing.T) {
	store := newTestStore(t)
	path := writeStored(t, store, "cx.bin", testPayload(10000))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fin := newFinishRecorder()
	d := NewDownload(&mockPeer{}, store, "cx.bin", path, 10000, 0, fin.options())
	require.NoError(t, d.Start(ctx))

	_, err := d.HandleData([]byte("x"))
	assert.ErrorIs(t, err, ErrFinished)
	assert.Equal(t, StateInterrupted, d.State())
	assert.ErrorIs(t, fin.wait(t), ErrInterrupted)
	fin.assertNoMore(t)
}

func TestDownloadInterruptBeforeStart(t *testing.T) {
	store := newTestStore(t)
	fin := newFinishRecorder()
	d := NewDownload(&mockPeer{}, store, "n.bin", filepath.Join(store.Root(), "n.bin"), 10, 0, fin.options())

	d.Interrupt()
	assert.ErrorIs(t, fin.wait(t), ErrInterrupted)
	assert.Equal(t, StateInterrupted, d.State())
	assert.Empty(t, store.Records())
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateAwaitingHeader, StateStreaming, StateDraining} {
		assert.False(t, s.Terminal(), s.String())
	}
	for _, s := range []State{StateCompleted, StateInterrupted, StateFailed} {
		assert.True(t, s.Terminal(), s.String())
	}
}
