// Package frame splits the text side of a connection into command lines.
//
// Commands are terminated by CRLF; a bare LF is tolerated. Bytes after the
// last terminator are kept as carryover until more data arrives.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/opd-ai/xferd/limits"
)

// ErrFrameTooLarge indicates the carryover outgrew the maximum line length
// without a terminator.
var ErrFrameTooLarge = errors.New("command line too long")

// Feed appends chunk to carryover and splits out every complete, non-empty
// line. The unterminated tail is returned as the new carryover. If that tail
// exceeds limits.MaxCommandLine the carryover is dropped and ErrFrameTooLarge
// is returned along with the lines that were complete.
func Feed(carryover, chunk []byte) ([]byte, []string, error) {
	p := NewParser(limits.MaxCommandLine)
	p.Append(carryover)
	p.Append(chunk)

	var lines []string
	for {
		line, ok, err := p.Next()
		if err != nil {
			return nil, lines, err
		}
		if !ok {
			return p.Take(), lines, nil
		}
		lines = append(lines, line)
	}
}

// Parser is the incremental form of Feed. The connection driver pulls one
// line at a time so it can stop right after a command that switches the
// connection into streaming mode and Take the bytes that follow.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	buf []byte
	max int
}

// NewParser returns a Parser with the given carryover limit. A non-positive
// max selects limits.MaxCommandLine.
func NewParser(max int) *Parser {
	if max <= 0 {
		max = limits.MaxCommandLine
	}
	return &Parser{max: max}
}

// Append adds received bytes to the carryover.
func (p *Parser) Append(chunk []byte) {
	p.buf = append(p.buf, chunk...)
}

// Next pops the next non-empty line. ok is false when no complete line is
// buffered. ErrFrameTooLarge resets the carryover.
func (p *Parser) Next() (line string, ok bool, err error) {
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			if verr := limits.ValidateBuffered(len(p.buf), p.max); verr != nil {
				p.buf = nil
				return "", false, fmt.Errorf("%w: %w", ErrFrameTooLarge, verr)
			}
			return "", false, nil
		}

		// The first LF ends the line; a CR right before it belongs to the
		// CRLF delimiter, which is always the earlier match.
		end := i
		if end > 0 && p.buf[end-1] == '\r' {
			end--
		}
		raw := p.buf[:end]
		p.buf = p.buf[i+1:]
		if len(raw) == 0 {
			continue
		}
		return string(raw), true, nil
	}
}

// Take removes and returns the carryover.
func (p *Parser) Take() []byte {
	rest := p.buf
	p.buf = nil
	return rest
}

// Buffered returns the number of carryover bytes.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Reset drops the carryover.
func (p *Parser) Reset() {
	p.buf = nil
}

// Tokenize splits a command line on whitespace runs. The verb is returned
// uppercased; an all-whitespace line yields an empty verb.
func Tokenize(line string) (verb string, args []string) {
	fields := strings.FieldsFunc(line, unicode.IsSpace)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToUpper(fields[0]), fields[1:]
}
