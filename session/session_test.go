package session

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xferd/transfer"
)

// stubHandler is a transfer.Handler that only records interrupts.
type stubHandler struct {
	interrupted int
}

func (h *stubHandler) Start(context.Context) error { return nil }
func (h *stubHandler) HandleData(p []byte) (int, error) { return len(p), nil }
func (h *stubHandler) Interrupt() { h.interrupted++ }
func (h *stubHandler) State() transfer.State { return transfer.StateStreaming }
func (h *stubHandler) Info() transfer.Info { return transfer.Info{} }

func newPipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	logger, _ := test.NewNullLogger()
	s := New(context.Background(), server, Options{Logger: logger})
	t.Cleanup(func() { s.Close() })
	return s, client
}

func TestNewSession(t *testing.T) {
	s, _ := newPipeSession(t)
	_, err := uuid.Parse(s.ID())
	assert.NoError(t, err)
	assert.Equal(t, "pipe", s.ClientAddr())
	assert.Equal(t, ModeAwaitingCommand, s.Mode())
	assert.NotNil(t, s.Parser())
}

func TestSendAppendsCRLF(t *testing.T) {
	s, client := newPipeSession(t)

	go func() { _ = s.Send("READY 0") }()
	buf := make([]byte, 9)
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "READY 0\r\n", string(buf))
}

func TestTransferLifecycle(t *testing.T) {
	s, _ := newPipeSession(t)
	h := &stubHandler{}

	require.NoError(t, s.BeginTransfer(h))
	assert.Equal(t, ModeStreaming, s.Mode())
	assert.Equal(t, transfer.Handler(h), s.ActiveTransfer())

	assert.ErrorIs(t, s.BeginTransfer(&stubHandler{}), ErrTransferInProgress)

	s.EndTransfer(&stubHandler{})
	assert.Equal(t, ModeStreaming, s.Mode(), "ending a different handler is ignored")

	s.EndTransfer(h)
	assert.Equal(t, ModeAwaitingCommand, s.Mode())
	assert.Nil(t, s.ActiveTransfer())
}

func TestTeardownInterruptsActiveTransfer(t *testing.T) {
	s, _ := newPipeSession(t)
	h := &stubHandler{}
	require.NoError(t, s.BeginTransfer(h))

	s.Teardown()
	assert.Equal(t, 1, h.interrupted)
	assert.Nil(t, s.ActiveTransfer())
	assert.Error(t, s.Context().Err())

	s.Teardown()
	assert.Equal(t, 1, h.interrupted)
}

func TestCloseRequested(t *testing.T) {
	s, _ := newPipeSession(t)
	assert.False(t, s.CloseRequested())
	s.RequestClose()
	assert.True(t, s.CloseRequested())
}

func TestWriteAfterClose(t *testing.T) {
	s, _ := newPipeSession(t)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Error(t, s.Send("late"))
}
