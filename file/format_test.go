package file

import (
	"testing"
	"time"
)

func TestFormatFileSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 KB"},
		{10000, "9.77 KB"},
		{1 << 20, "1.00 MB"},
		{5 * (1 << 30) / 2, "2.50 GB"},
	}
	for _, tt := range tests {
		if got := FormatFileSize(tt.bytes); got != tt.want {
			t.Errorf("FormatFileSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func TestFormatBitrate(t *testing.T) {
	tests := []struct {
		bytes   int64
		elapsed time.Duration
		want    string
	}{
		{100, time.Second, "800.00 bps"},
		{10000, time.Second, "80.00 Kbps"},
		{1250000, time.Second, "10.00 Mbps"},
		{1250000, 2 * time.Second, "5.00 Mbps"},
		{10, 0, "0.00 bps"},
		{10, -time.Second, "0.00 bps"},
	}
	for _, tt := range tests {
		if got := FormatBitrate(tt.bytes, tt.elapsed); got != tt.want {
			t.Errorf("FormatBitrate(%d, %v) = %q, want %q", tt.bytes, tt.elapsed, got, tt.want)
		}
	}
}
