package file

import (
	"fmt"
	"time"
)

// FormatFileSize renders a byte count with binary units, e.g. "9.77 KB".
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(bytes)/(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(bytes)/(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(bytes)/(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// BitsPerSecond returns the throughput of moving bytes in elapsed. A
// non-positive duration yields 0.
func BitsPerSecond(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) * 8 / elapsed.Seconds()
}

// FormatBitrate renders the throughput in decimal bit units, e.g.
// "12.50 Mbps".
func FormatBitrate(bytes int64, elapsed time.Duration) string {
	bps := BitsPerSecond(bytes, elapsed)
	switch {
	case bps >= 1e6:
		return fmt.Sprintf("%.2f Mbps", bps/1e6)
	case bps >= 1e3:
		return fmt.Sprintf("%.2f Kbps", bps/1e3)
	default:
		return fmt.Sprintf("%.2f bps", bps)
	}
}
