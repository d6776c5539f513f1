package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xferd/file"
	"github.com/opd-ai/xferd/header"
	"github.com/opd-ai/xferd/limits"
)

// ErrResumeMismatch is returned when the server resumes a download from an
// offset other than the local file size. The payload is still in flight, so
// the connection must be closed.
var ErrResumeMismatch = errors.New("server resume offset does not match local file")

// ServerError is an "Error: ..." reply.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Options configures a Client.
type Options struct {
	// DialTimeout bounds connection setup. Zero means no limit beyond ctx.
	DialTimeout time.Duration
	// ChunkSize is the upload write unit.
	ChunkSize int
	// Progress, when set, is called after every chunk with the absolute
	// position and the total size.
	Progress func(done, total int64)
	Logger   logrus.FieldLogger
}

// Result summarizes a finished transfer.
type Result struct {
	Name        string
	Size        int64
	Offset      int64
	Transferred int64
	Elapsed     time.Duration
	// Reply is the server's completion line for uploads.
	Reply string
}

// Speed formats the throughput of the bytes that crossed the wire.
func (r *Result) Speed() string {
	return file.FormatBitrate(r.Transferred, r.Elapsed)
}

// Client speaks the transfer protocol over one connection. It is not safe
// for concurrent use.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	opts Options
	log  logrus.FieldLogger

	// broken is set once the stream position is unknown; Close then skips
	// the CLOSE exchange.
	broken    bool
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = limits.DefaultChunkSize
	}

	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
		opts: opts,
		log: opts.Logger.WithFields(logrus.Fields{
			"server": conn.RemoteAddr().String(),
		}),
	}, nil
}

// Command sends one command line and returns the single reply line. An
// "Error: " reply is returned as *ServerError.
func (c *Client) Command(ctx context.Context, line string) (string, error) {
	stop := c.watch(ctx)
	defer stop()

	if err := c.sendLine(line); err != nil {
		return "", err
	}
	reply, err := c.readLine()
	if err != nil {
		return "", err
	}
	return reply, asServerError(reply)
}

// Echo round-trips text through the server.
func (c *Client) Echo(ctx context.Context, text string) (string, error) {
	return c.Command(ctx, "ECHO "+text)
}

// timeLayout is the TIME reply format.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Time returns the server clock.
func (c *Client) Time(ctx context.Context) (time.Time, error) {
	reply, err := c.Command(ctx, "TIME")
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(timeLayout, reply)
}

// Hash returns the server's hex digest of a stored file.
func (c *Client) Hash(ctx context.Context, remote string) (string, error) {
	reply, err := c.Command(ctx, "HASH "+remote)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(reply)
	if len(fields) < 2 || fields[0] != file.ChecksumAlgorithm {
		return "", fmt.Errorf("unexpected HASH reply %q", reply)
	}
	return fields[1], nil
}

// Upload sends local as remote, resuming from the offset the server offers.
func (c *Client) Upload(ctx context.Context, local, remote string) (*Result, error) {
	stop := c.watch(ctx)
	defer stop()

	f, err := os.Open(local)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	if err := c.sendLine("UPLOAD " + remote); err != nil {
		return nil, err
	}
	reply, err := c.readLine()
	if err != nil {
		return nil, err
	}
	if err := asServerError(reply); err != nil {
		return nil, err
	}
	offset, err := parseReady(reply)
	if err != nil {
		return nil, err
	}
	if offset > size {
		return nil, c.desync(fmt.Errorf("server holds %d bytes of %s but the local file has %d", offset, remote, size))
	}

	hdr, err := header.Encode(remote, size, offset)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	log := c.log.WithFields(logrus.Fields{
		"function": "Upload",
		"file":     remote,
		"size":     size,
		"offset":   offset,
	})
	log.Debug("Upload accepted")

	start := time.Now()
	if _, err := c.conn.Write(hdr); err != nil {
		return nil, c.desync(fmt.Errorf("send header: %w", err))
	}
	sent, err := c.copyOut(f, offset, size)
	if err != nil {
		return nil, c.desync(fmt.Errorf("send payload: %w", err))
	}

	reply, err = c.readLine()
	if err != nil {
		return nil, err
	}
	if err := asServerError(reply); err != nil {
		return nil, err
	}

	res := &Result{
		Name:        remote,
		Size:        size,
		Offset:      offset,
		Transferred: sent,
		Elapsed:     time.Since(start),
		Reply:       reply,
	}
	log.WithField("speed", res.Speed()).Debug("Upload finished")
	return res, nil
}

// Download fetches remote into local. Bytes already in local are announced
// as known, so only the missing tail crosses the wire.
func (c *Client) Download(ctx context.Context, remote, local string) (*Result, error) {
	stop := c.watch(ctx)
	defer stop()

	var known int64
	if info, err := os.Stat(local); err == nil {
		known = info.Size()
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := c.sendLine(fmt.Sprintf("DOWNLOAD %s %d", remote, known)); err != nil {
		return nil, err
	}
	h, err := c.readHeader()
	if err != nil {
		return nil, err
	}
	if h.Resume != known {
		return nil, c.desync(fmt.Errorf("%w: local %d, server %d", ErrResumeMismatch, known, h.Resume))
	}

	f, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := f.Truncate(h.Resume); err != nil {
		return nil, err
	}
	if _, err := f.Seek(h.Resume, io.SeekStart); err != nil {
		return nil, err
	}

	log := c.log.WithFields(logrus.Fields{
		"function": "Download",
		"file":     remote,
		"size":     h.Size,
		"offset":   h.Resume,
	})
	log.Debug("Download started")

	start := time.Now()
	got, err := c.copyIn(f, h.Resume, h.Size)
	if err != nil {
		return nil, c.desync(fmt.Errorf("receive payload: %w", err))
	}

	res := &Result{
		Name:        h.Name,
		Size:        h.Size,
		Offset:      h.Resume,
		Transferred: got,
		Elapsed:     time.Since(start),
	}
	log.WithField("speed", res.Speed()).Debug("Download finished")
	return res, nil
}

// Close sends CLOSE and closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if !c.broken {
			_ = c.conn.SetDeadline(time.Now().Add(2 * time.Second))
			if err := c.sendLine("CLOSE"); err == nil {
				_, _ = c.readLine()
			}
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// watch aborts blocked socket calls when ctx is done. The connection is
// unusable afterwards.
func (c *Client) watch(ctx context.Context) func() {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	return func() {
		if !stop() && ctx.Err() != nil {
			c.broken = true
		}
	}
}

func (c *Client) desync(err error) error {
	c.broken = true
	return err
}

func (c *Client) sendLine(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("command contains a line break: %q", line)
	}
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}

func (c *Client) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readHeader reads a transfer header, or the error line sent in its place.
func (c *Client) readHeader() (header.Header, error) {
	var raw []byte
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return header.Header{}, err
		}
		if len(raw) == 0 {
			if serr := asServerError(strings.TrimRight(line, "\r\n")); serr != nil {
				return header.Header{}, serr
			}
		}
		raw = append(raw, line...)
		if err := limits.ValidateBuffered(len(raw), limits.MaxHeaderBytes); err != nil {
			return header.Header{}, fmt.Errorf("transfer header: %w", err)
		}

		h, _, err := header.Decode(raw)
		if errors.Is(err, header.ErrIncomplete) {
			continue
		}
		return h, err
	}
}

func (c *Client) copyOut(f *os.File, offset, size int64) (int64, error) {
	buf := make([]byte, c.opts.ChunkSize)
	var sent int64
	for offset+sent < size {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, err := c.conn.Write(buf[:n]); err != nil {
				return sent, err
			}
			sent += int64(n)
			c.progress(offset+sent, size)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return sent, rerr
		}
	}
	if offset+sent != size {
		return sent, fmt.Errorf("local file changed: sent %d of %d bytes", offset+sent, size)
	}
	return sent, nil
}

func (c *Client) copyIn(f *os.File, offset, size int64) (int64, error) {
	buf := make([]byte, c.opts.ChunkSize)
	var got int64
	for offset+got < size {
		want := int64(len(buf))
		if rem := size - offset - got; rem < want {
			want = rem
		}
		n, err := io.ReadFull(c.r, buf[:want])
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return got, werr
			}
			got += int64(n)
			c.progress(offset+got, size)
		}
		if err != nil {
			return got, err
		}
	}
	return got, nil
}

func (c *Client) progress(done, total int64) {
	if c.opts.Progress != nil {
		c.opts.Progress(done, total)
	}
}

func asServerError(reply string) error {
	if msg, ok := strings.CutPrefix(reply, "Error: "); ok {
		return &ServerError{Message: msg}
	}
	return nil
}

func parseReady(reply string) (int64, error) {
	rest, ok := strings.CutPrefix(reply, "READY ")
	if !ok {
		return 0, fmt.Errorf("unexpected UPLOAD reply %q", reply)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad READY offset %q", rest)
	}
	return n, nil
}
