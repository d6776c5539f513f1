package header

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/xferd/limits"
)

// Header field keys.
const (
	KeySize   = "SIZE"
	KeyName   = "NAME"
	KeyResume = "RESUME"
)

// ErrIncomplete is returned by Decode while the terminating empty line has
// not arrived yet. Callers keep buffering and retry.
var ErrIncomplete = errors.New("transfer header incomplete")

// ErrInvalidField is returned by Encode for out-of-range values.
var ErrInvalidField = errors.New("invalid header field")

// Header describes the payload that follows it on the wire.
type Header struct {
	Size   int64
	Name   string
	Resume int64
}

// FormatError reports a header that can never become valid.
type FormatError struct {
	Line   string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Line == "" {
		return "invalid transfer header: " + e.Reason
	}
	return fmt.Sprintf("invalid transfer header: %s (line %q)", e.Reason, e.Line)
}

// Encode renders a header block. RESUME is only emitted when resume > 0.
// Values are trimmed on decode, so a name with surrounding whitespace is
// rejected.
func Encode(name string, size, resume int64) ([]byte, error) {
	if err := limits.ValidateFileName(name); err != nil {
		return nil, fmt.Errorf("%w: name: %w", ErrInvalidField, err)
	}
	if strings.ContainsAny(name, "\r\n") {
		return nil, fmt.Errorf("%w: name contains a line break", ErrInvalidField)
	}
	if strings.TrimSpace(name) != name {
		return nil, fmt.Errorf("%w: name has surrounding whitespace", ErrInvalidField)
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrInvalidField, size)
	}
	if resume < 0 {
		return nil, fmt.Errorf("%w: negative resume offset %d", ErrInvalidField, resume)
	}

	var b bytes.Buffer
	b.WriteString(KeySize + ":" + strconv.FormatInt(size, 10) + "\r\n")
	b.WriteString(KeyName + ":" + name + "\r\n")
	if resume > 0 {
		b.WriteString(KeyResume + ":" + strconv.FormatInt(resume, 10) + "\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes(), nil
}

// Decode parses a header from the front of buf. It returns ErrIncomplete
// until the empty terminator line is present, then the header and the bytes
// that follow it. Lines may end in CRLF or a bare LF.
func Decode(buf []byte) (Header, []byte, error) {
	var (
		h                  Header
		haveSize, haveName bool
		pos                int
	)
	for {
		i := bytes.IndexByte(buf[pos:], '\n')
		if i < 0 {
			return Header{}, nil, ErrIncomplete
		}
		line := buf[pos : pos+i]
		pos += i + 1
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			break
		}

		key, value, found := strings.Cut(string(line), ":")
		if !found {
			return Header{}, nil, &FormatError{Line: string(line), Reason: "missing ':' separator"}
		}
		switch key {
		case KeySize:
			n, err := parseOffset(value)
			if err != nil {
				return Header{}, nil, &FormatError{Line: string(line), Reason: "bad SIZE: " + err.Error()}
			}
			h.Size, haveSize = n, true
		case KeyName:
			name := strings.TrimSpace(value)
			if err := limits.ValidateFileName(name); err != nil {
				return Header{}, nil, &FormatError{Line: string(line), Reason: "bad NAME: " + err.Error()}
			}
			h.Name, haveName = name, true
		case KeyResume:
			n, err := parseOffset(value)
			if err != nil {
				return Header{}, nil, &FormatError{Line: string(line), Reason: "bad RESUME: " + err.Error()}
			}
			h.Resume = n
		}
	}

	if !haveSize {
		return Header{}, nil, &FormatError{Reason: "missing SIZE"}
	}
	if !haveName {
		return Header{}, nil, &FormatError{Reason: "missing NAME"}
	}
	return h, buf[pos:], nil
}

func parseOffset(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}
