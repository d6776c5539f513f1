package header

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	b, err := Encode("report.pdf", 10000, 0)
	require.NoError(t, err)
	assert.Equal(t, "SIZE:10000\r\nNAME:report.pdf\r\n\r\n", string(b))

	b, err = Encode("report.pdf", 10000, 4000)
	require.NoError(t, err)
	assert.Equal(t, "SIZE:10000\r\nNAME:report.pdf\r\nRESUME:4000\r\n\r\n", string(b))
}

func TestEncodeRejects(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		size   int64
		resume int64
	}{
		{"empty name", "", 1, 0},
		{"long name", strings.Repeat("n", 256), 1, 0},
		{"negative size", "a", -1, 0},
		{"negative resume", "a", 1, -5},
		{"line break in name", "a\r\nSIZE:1", 1, 0},
		{"padded name", " a.bin", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.file, tt.size, tt.resume)
			assert.ErrorIs(t, err, ErrInvalidField)
		})
	}
}

func TestEncodeAcceptsMaxName(t *testing.T) {
	_, err := Encode(strings.Repeat("n", 255), 0, 0)
	assert.NoError(t, err)
}

func TestDecodeWithPayload(t *testing.T) {
	h, rest, err := Decode([]byte("SIZE:10\r\nNAME:a.bin\r\nRESUME:4\r\n\r\nabcdef"))
	require.NoError(t, err)
	assert.Equal(t, Header{Size: 10, Name: "a.bin", Resume: 4}, h)
	assert.Equal(t, "abcdef", string(rest))
}

func TestDecodeIncomplete(t *testing.T) {
	for _, in := range []string{"", "SIZE:10\r\n", "SIZE:10\r\nNAME:a\r\n", "SIZE:10\r\nNAME:a\r\n\r"} {
		_, _, err := Decode([]byte(in))
		assert.ErrorIs(t, err, ErrIncomplete, "input %q", in)
	}
}

// TestDecodeEverySplit feeds a header and payload split at every byte
// boundary; decoding must report incomplete until the terminator arrives and
// then always yield the same header and remainder.
func TestDecodeEverySplit(t *testing.T) {
	enc, err := Encode("video.mp4", 5000, 1200)
	require.NoError(t, err)
	stream := append(enc, []byte("PAYLOAD")...)

	for i := 0; i <= len(stream); i++ {
		buf := append([]byte(nil), stream[:i]...)
		h, rest, err := Decode(buf)
		if i < len(enc) {
			assert.ErrorIs(t, err, ErrIncomplete, "prefix %d", i)
			continue
		}
		require.NoError(t, err, "prefix %d", i)
		assert.Equal(t, Header{Size: 5000, Name: "video.mp4", Resume: 1200}, h)
		assert.Equal(t, string(stream[len(enc):i]), string(rest))
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, resume := range []int64{0, 1, 4000} {
		enc, err := Encode("x.dat", 9000, resume)
		require.NoError(t, err)
		h, rest, err := Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, Header{Size: 9000, Name: "x.dat", Resume: resume}, h)
		assert.Empty(t, rest)
	}
}

func TestDecodeBareLF(t *testing.T) {
	h, rest, err := Decode([]byte("SIZE:3\nNAME:a\n\nxyz"))
	require.NoError(t, err)
	assert.Equal(t, Header{Size: 3, Name: "a"}, h)
	assert.Equal(t, "xyz", string(rest))
}

func TestDecodeIgnoresUnknownKeys(t *testing.T) {
	h, _, err := Decode([]byte("SIZE:3\r\nCHECKSUM:abc\r\nNAME:a\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, Header{Size: 3, Name: "a"}, h)
}

func TestDecodeNameKeepsColons(t *testing.T) {
	h, _, err := Decode([]byte("SIZE:3\r\nNAME:a:b\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "a:b", h.Name)
}

func TestDecodeFormatErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no colon", "SIZE:3\r\ngarbage\r\n\r\n"},
		{"missing size", "NAME:a\r\n\r\n"},
		{"missing name", "SIZE:3\r\n\r\n"},
		{"bad size", "SIZE:abc\r\nNAME:a\r\n\r\n"},
		{"negative size", "SIZE:-1\r\nNAME:a\r\n\r\n"},
		{"negative resume", "SIZE:3\r\nNAME:a\r\nRESUME:-2\r\n\r\n"},
		{"empty name", "SIZE:3\r\nNAME:\r\n\r\n"},
		{"empty header", "\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tt.input))
			require.Error(t, err)
			var fe *FormatError
			assert.True(t, errors.As(err, &fe), "want *FormatError, got %T", err)
		})
	}
}

func TestDecodeTrimsName(t *testing.T) {
	h, _, err := Decode([]byte("SIZE: 3\r\nNAME: x.bin \r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, Header{Size: 3, Name: "x.bin"}, h)

	_, _, err = Decode([]byte("SIZE:3\r\nNAME:   \r\n\r\n"))
	var fe *FormatError
	assert.True(t, errors.As(err, &fe), "blank name after trimming")
}
