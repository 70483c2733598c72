package http

import (
	"time"

	xutil "MarketPipe/pkg/util"
)

// ParseTime tries RFC3339, RFC3339Nano, then unix seconds or milliseconds. Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) { return xutil.ParseTime(s) }
