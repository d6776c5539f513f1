//go:build linux

package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSetKeepAliveSocketOptions(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	require.NoError(t, setKeepAlive(server, KeepAlive{Enabled: true, Idle: 42 * time.Second, Interval: 7 * time.Second, Count: 5}))

	raw, err := server.(*net.TCPConn).SyscallConn()
	require.NoError(t, err)
	var idle, intvl, cnt int
	require.NoError(t, raw.Control(func(fd uintptr) {
		idle, _ = unix.GetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE)
		intvl, _ = unix.GetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL)
		cnt, _ = unix.GetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT)
	}))
	assert.Equal(t, 42, idle)
	assert.Equal(t, 7, intvl)
	assert.Equal(t, 5, cnt)
}

func TestSecondsClampsToOne(t *testing.T) {
	assert.Equal(t, 1, seconds(10*time.Millisecond))
	assert.Equal(t, 3, seconds(3*time.Second))
}
