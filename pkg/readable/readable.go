// Package readable holds human-readable formatting for byte counts,
// durations, rates, and percentages, adapted from the teacher's
// readable.go (same plain fmt.Sprintf approach, trimmed of the unused
// printMap/printList helpers).
package readable

import "fmt"

var sizeUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FileSize renders n bytes as e.g. "12.34 MiB".
func FileSize(n int64) string {
	f := float64(n)
	unit := 0
	for f >= 1024 && unit < len(sizeUnits)-1 {
		f /= 1024
		unit++
	}
	return fmt.Sprintf("%.2f %s", f, sizeUnits[unit])
}

// Rate renders bytes/sec as e.g. "3.21 MiB/s".
func Rate(bytesPerSec float64) string {
	return FileSize(int64(bytesPerSec)) + "/s"
}

// Duration renders seconds as "HH:MM:SS".
func Duration(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// Percentage renders the fraction done/total as e.g. "42.0%".
func Percentage(done, total int64) string {
	if total <= 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(done)/float64(total)*100)
}
