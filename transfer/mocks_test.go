package transfer

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xferd/file"
)

const testPeerAddr = "127.0.0.1:50123"

var errPeerGone = errors.New("connection reset by peer")

// mockPeer records everything a handler sends.
type mockPeer struct {
	mu     sync.Mutex
	out    bytes.Buffer
	lines  []string
	writes int
	// failAfter makes Write fail once this many writes succeeded; zero
	// disables the failure.
	failAfter int
}

func (p *mockPeer) ClientAddr() string { return testPeerAddr }

func (p *mockPeer) Send(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
	p.out.WriteString(line + "\r\n")
	return nil
}

func (p *mockPeer) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAfter > 0 && p.writes >= p.failAfter {
		return 0, errPeerGone
	}
	p.writes++
	return p.out.Write(b)
}

func (p *mockPeer) bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.out.Bytes()...)
}

func (p *mockPeer) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

func (p *mockPeer) lastLine() string {
	lines := p.sent()
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// recordingStore wraps a real manager and keeps every checkpoint offset.
type recordingStore struct {
	*file.Manager
	mu          sync.Mutex
	checkpoints []int64
}

func (s *recordingStore) RecordProgress(client, name string, dir file.Direction, offset int64, path string) {
	s.mu.Lock()
	s.checkpoints = append(s.checkpoints, offset)
	s.mu.Unlock()
	s.Manager.RecordProgress(client, name, dir, offset, path)
}

func (s *recordingStore) offsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.checkpoints...)
}

func newTestStore(t *testing.T) *recordingStore {
	t.Helper()
	logger, _ := test.NewNullLogger()
	m, err := file.NewManager(t.TempDir(), file.WithLogger(logger))
	require.NoError(t, err)
	return &recordingStore{Manager: m}
}

// finishRecorder collects OnFinish calls.
type finishRecorder struct {
	ch chan error
}

func newFinishRecorder() *finishRecorder {
	return &finishRecorder{ch: make(chan error, 4)}
}

func (f *finishRecorder) options() Options {
	logger, _ := test.NewNullLogger()
	return Options{
		Logger:   logger,
		OnFinish: func(_ Handler, err error) { f.ch <- err },
	}
}

func (f *finishRecorder) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not finish")
		return nil
	}
}

func (f *finishRecorder) assertNoMore(t *testing.T) {
	t.Helper()
	select {
	case err := <-f.ch:
		t.Fatalf("OnFinish called again with %v", err)
	default:
	}
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func hasPrefix(lines []string, prefix string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}
