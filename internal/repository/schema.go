package repository

import "fmt"

// Schema returns the DDL for the candle and corporate action tables.
// Candles are ReplacingMergeTree on revision so a late-trade revision replaces the earlier row.
func Schema(candleTable, actionTable string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    instrument_id    LowCardinality(String),
    timeframe        LowCardinality(String),
    bucket_open_time DateTime64(3, 'UTC'),
    open             Float64,
    high             Float64,
    low              Float64,
    close            Float64,
    volume           Float64,
    trade_count      UInt64,
    vwap_numerator   Float64,
    vwap_denominator Float64,
    typical_price    Float64,
    revision         UInt64
) ENGINE = ReplacingMergeTree(revision)
ORDER BY (instrument_id, timeframe, bucket_open_time)`, candleTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    instrument_id LowCardinality(String),
    effective_at  DateTime64(3, 'UTC'),
    action_type   LowCardinality(String),
    value         Float64,
    recorded_at   DateTime64(6, 'UTC')
) ENGINE = MergeTree
ORDER BY (instrument_id, effective_at, action_type, recorded_at)`, actionTable),
	}
}
