package nwp

import (
	"fmt"
	"time"
)

// TimeWindow is a half-open interval [From, To) of forecast init times.
// Both bounds are interpreted in UTC.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// NewTimeWindow builds a window, normalizing both bounds to UTC.
func NewTimeWindow(from, to time.Time) TimeWindow {
	return TimeWindow{From: from.UTC(), To: to.UTC()}
}

// Validate rejects empty or inverted windows.
func (w TimeWindow) Validate() error {
	if w.From.IsZero() || w.To.IsZero() {
		return fmt.Errorf("window bounds must be set")
	}
	if !w.From.Before(w.To) {
		return fmt.Errorf("window start %s is not before end %s",
			w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls inside the half-open interval.
func (w TimeWindow) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(w.From) && t.Before(w.To)
}

// Duration returns the window length.
func (w TimeWindow) Duration() time.Duration {
	return w.To.Sub(w.From)
}

// Days returns the UTC midnights of every calendar day the window touches,
// ascending. Providers publish per-day listings, so locators iterate these.
func (w TimeWindow) Days() []time.Time {
	var days []time.Time
	day := time.Date(w.From.Year(), w.From.Month(), w.From.Day(), 0, 0, 0, 0, time.UTC)
	for day.Before(w.To) {
		days = append(days, day)
		day = day.AddDate(0, 0, 1)
	}
	return days
}

// InitTimes enumerates the init times inside the window at the given cycle
// interval, anchored to midnight. A 6 h interval yields 00, 06, 12, 18.
func (w TimeWindow) InitTimes(interval time.Duration) []time.Time {
	if interval <= 0 {
		return nil
	}
	var ts []time.Time
	day := time.Date(w.From.Year(), w.From.Month(), w.From.Day(), 0, 0, 0, 0, time.UTC)
	for t := day; t.Before(w.To); t = t.Add(interval) {
		if !t.Before(w.From) {
			ts = append(ts, t)
		}
	}
	return ts
}

// String formats the window for logs and error messages.
func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
}
