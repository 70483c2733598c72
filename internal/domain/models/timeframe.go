package models

import (
	"fmt"
	"time"
)

// Timeframe represents a candle resolution bucket.
type Timeframe string

const (
	TF1s  Timeframe = "1s"
	TF5s  Timeframe = "5s"
	TF15s Timeframe = "15s"
	TF30s Timeframe = "30s"
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
	TF1M  Timeframe = "1M"
)

// AllTimeframes lists every timeframe maintained per instrument, finest first.
var AllTimeframes = []Timeframe{
	TF1s, TF5s, TF15s, TF30s,
	TF1m, TF5m, TF15m, TF30m,
	TF1h, TF4h,
	TF1d, TF1w, TF1M,
}

var fixedDurations = map[Timeframe]time.Duration{
	TF1s:  time.Second,
	TF5s:  5 * time.Second,
	TF15s: 15 * time.Second,
	TF30s: 30 * time.Second,
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
}

// ParseTimeframe validates a raw timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unsupported timeframe: %q", s)
	}
	return tf, nil
}

// Valid reports whether tf is one of AllTimeframes.
func (tf Timeframe) Valid() bool {
	if _, ok := fixedDurations[tf]; ok {
		return true
	}
	return tf == TF1d || tf == TF1w || tf == TF1M
}

// Calendar reports whether buckets align to UTC calendar boundaries.
func (tf Timeframe) Calendar() bool {
	return tf == TF1d || tf == TF1w || tf == TF1M
}

// BucketStart maps t to the opening time of its bucket, in UTC.
// Sub-day timeframes divide 24h, so truncation from the zero time lines up with the Unix epoch.
func (tf Timeframe) BucketStart(t time.Time) time.Time {
	t = t.UTC()
	if d, ok := fixedDurations[tf]; ok {
		return t.Truncate(d)
	}
	y, m, day := t.Date()
	switch tf {
	case TF1d:
		return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
	case TF1w:
		// ISO weeks start on Monday.
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, day-offset, 0, 0, 0, 0, time.UTC)
	case TF1M:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// BucketEnd returns the exclusive end of the bucket opened at start.
func (tf Timeframe) BucketEnd(start time.Time) time.Time {
	if d, ok := fixedDurations[tf]; ok {
		return start.Add(d)
	}
	switch tf {
	case TF1d:
		return start.AddDate(0, 0, 1)
	case TF1w:
		return start.AddDate(0, 0, 7)
	case TF1M:
		return start.AddDate(0, 1, 0)
	}
	return start
}
