package models

import (
	"fmt"
	"strings"
)

// ChannelKind is the prefix of a real-time channel id.
type ChannelKind string

const (
	ChannelQuote  ChannelKind = "quote"
	ChannelTrade  ChannelKind = "trade"
	ChannelDepth  ChannelKind = "depth"
	ChannelCandle ChannelKind = "candle"
)

// ChannelID builds "<kind>:<instrument_id>".
func ChannelID(kind ChannelKind, instrumentID string) string {
	return string(kind) + ":" + instrumentID
}

// ParseChannelID splits a channel id and validates its kind.
func ParseChannelID(id string) (ChannelKind, string, error) {
	kind, inst, ok := strings.Cut(id, ":")
	if !ok || inst == "" {
		return "", "", fmt.Errorf("malformed channel id %q", id)
	}
	switch ChannelKind(kind) {
	case ChannelQuote, ChannelTrade, ChannelDepth, ChannelCandle:
		return ChannelKind(kind), inst, nil
	default:
		return "", "", fmt.Errorf("unknown channel kind %q", kind)
	}
}
