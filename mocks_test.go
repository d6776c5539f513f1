package xferd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xferd/config"
	"github.com/opd-ai/xferd/header"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	m.currentTime = m.currentTime.Add(d)
	m.mu.Unlock()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.KeepAlive = false
	cfg.Storage.Dir = t.TempDir()
	cfg.Transfer.ChunkSize = 4096
	cfg.Transfer.CheckpointInterval = 64 * 1024
	cfg.Resume.ReapInterval = config.Duration{}
	return cfg
}

// startServer serves cfg on a loopback port until the test ends.
func startServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	opts = append([]Option{WithLogger(logger)}, opts...)

	srv, err := NewServer(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-served
		_ = srv.Close()
	})
	return srv
}

// testConn is a raw protocol client.
type testConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialTest(t *testing.T, srv *Server) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) send(s string) {
	c.t.Helper()
	c.write([]byte(s))
}

func (c *testConn) write(p []byte) {
	c.t.Helper()
	_, err := c.conn.Write(p)
	require.NoError(c.t, err)
}

func (c *testConn) line() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	s, err := c.r.ReadString('\n')
	require.NoError(c.t, err, "partial line %q", s)
	return strings.TrimRight(s, "\r\n")
}

func (c *testConn) readN(n int) []byte {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c.r, buf)
	require.NoError(c.t, err)
	return buf
}

func (c *testConn) header() header.Header {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var raw []byte
	for {
		s, err := c.r.ReadString('\n')
		require.NoError(c.t, err)
		raw = append(raw, s...)
		h, rest, err := header.Decode(raw)
		if errors.Is(err, header.ErrIncomplete) {
			continue
		}
		require.NoError(c.t, err, "header %q", raw)
		require.Empty(c.t, rest)
		return h
	}
}

func (c *testConn) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadByte()
	require.ErrorIs(c.t, err, io.EOF)
}

func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte((i*7 + i/251) % 256)
	}
	return p
}

func uploadHeader(t *testing.T, name string, size, resume int64) []byte {
	t.Helper()
	h, err := header.Encode(name, size, resume)
	require.NoError(t, err)
	return h
}
