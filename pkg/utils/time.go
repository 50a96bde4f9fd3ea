package utils

import (
	"fmt"
	"math"
	"time"
)

// FormatDuration formats d at a precision suited to its size.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", d/time.Minute, (d%time.Minute)/time.Second)
	}
	return fmt.Sprintf("%dh%dm", d/time.Hour, (d%time.Hour)/time.Minute)
}

// Seconds converts a capture-relative delay in float seconds to a Duration.
func Seconds(v float64) time.Duration {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return time.Duration(math.Round(v * float64(time.Second)))
}

// FormatSeconds renders a capture-relative value in seconds.
func FormatSeconds(v float64) string {
	return FormatDuration(Seconds(v))
}
