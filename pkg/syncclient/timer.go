package syncclient

import (
	"fmt"
	"time"
)

// DefaultAlarm is the stop time preselected in the timer view
const DefaultAlarm = "08:00"

// NextOccurrence returns the next time the wall clock shows hhmm ("15:04")
// after now: today if still ahead, otherwise tomorrow
func NextOccurrence(now time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, want HH:MM: %w", hhmm, err)
	}

	year, month, day := now.Date()
	next := time.Date(year, month, day, t.Hour(), t.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = time.Date(year, month, day+1, t.Hour(), t.Minute(), 0, 0, now.Location())
	}
	return next, nil
}

// FormatCountdown renders an active timer as h:mm:ss, or m:ss under an hour
func FormatCountdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	seconds := int(d % time.Minute / time.Second)

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// FormatUntil renders the time to a picked alarm in words
func FormatUntil(d time.Duration) string {
	if d <= 0 {
		return "calculating..."
	}
	hours := int(d / time.Hour)
	minutes := int(d % time.Hour / time.Minute)

	if hours > 0 {
		return fmt.Sprintf("%d hours, %d minutes", hours, minutes)
	}
	return fmt.Sprintf("%d minutes", minutes)
}
