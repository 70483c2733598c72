package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllTimeframesAreThirteenAndValid(t *testing.T) {
	require.Len(t, AllTimeframes, 13)
	for _, tf := range AllTimeframes {
		assert.True(t, tf.Valid(), tf)
		got, err := ParseTimeframe(string(tf))
		require.NoError(t, err)
		assert.Equal(t, tf, got)
	}
	_, err := ParseTimeframe("2m")
	assert.Error(t, err)
}

func TestBucketStart(t *testing.T) {
	// Wednesday
	ts := time.Date(2024, 5, 15, 13, 47, 23, 500_000_000, time.UTC)
	tests := []struct {
		tf   Timeframe
		want time.Time
	}{
		{TF1s, time.Date(2024, 5, 15, 13, 47, 23, 0, time.UTC)},
		{TF15s, time.Date(2024, 5, 15, 13, 47, 15, 0, time.UTC)},
		{TF30s, time.Date(2024, 5, 15, 13, 47, 0, 0, time.UTC)},
		{TF5m, time.Date(2024, 5, 15, 13, 45, 0, 0, time.UTC)},
		{TF4h, time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)},
		{TF1d, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)},
		{TF1w, time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)},
		{TF1M, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(string(tt.tf), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tf.BucketStart(ts))
		})
	}
}

func TestBucketStartCalendarEdges(t *testing.T) {
	sunday := time.Date(2024, 3, 3, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 2, 26, 0, 0, 0, 0, time.UTC), TF1w.BucketStart(sunday))

	// non-UTC input is bucketed on the UTC calendar
	tokyo := time.FixedZone("JST", 9*3600)
	local := time.Date(2024, 6, 1, 5, 0, 0, 0, tokyo) // 2024-05-31 20:00 UTC
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), TF1M.BucketStart(local))
	assert.Equal(t, time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC), TF1d.BucketStart(local))
}

func TestBucketEnd(t *testing.T) {
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), TF1M.BucketEnd(feb))
	assert.Equal(t, feb.Add(4*time.Hour), TF4h.BucketEnd(feb))
	assert.Equal(t, feb.AddDate(0, 0, 7), TF1w.BucketEnd(feb))
}

func TestParseChannelID(t *testing.T) {
	kind, inst, err := ParseChannelID("quote:EURUSD")
	require.NoError(t, err)
	assert.Equal(t, ChannelQuote, kind)
	assert.Equal(t, "EURUSD", inst)
	assert.Equal(t, "candle:X", ChannelID(ChannelCandle, "X"))

	for _, bad := range []string{"quote", "quote:", "book:EURUSD"} {
		_, _, err := ParseChannelID(bad)
		assert.Error(t, err, bad)
	}
}
