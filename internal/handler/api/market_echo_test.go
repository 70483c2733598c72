package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"MarketPipe/internal/domain/models"
	"MarketPipe/internal/service/cache"
	"MarketPipe/internal/service/hub"
	"MarketPipe/internal/service/metrics"
	"MarketPipe/internal/usecase"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fixture struct {
	e   *echo.Echo
	md  *usecase.MarketData
	h   *MarketEchoHandler
	api *metrics.APIMetrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ins := usecase.NewInstruments([]models.Instrument{
		{ID: "EURUSD", Class: models.ClassFX, Precision: 4},
		{ID: "ACME", Class: models.ClassEquity, Precision: 2, ListedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
	})
	qs := usecase.NewQuoteStore()
	md := usecase.NewMarketData(usecase.MarketDataDeps{
		Instruments: ins,
		Quotes:      qs,
		Pricing:     usecase.NewPricingEngine(qs, ins, nil),
		Candles:     usecase.NewCandleAggregator(usecase.CandleAggregatorConfig{Timeframes: []models.Timeframe{models.TF1m}}, nil),
		Ledger:      usecase.NewCorporateActionLedger(ins),
		Depth:       usecase.NewDepthBook(),
		Hub:         hub.New(),
	})
	api := metrics.NewAPIMetrics(prometheus.NewRegistry())
	h := NewMarketEchoHandler(Config{CandleCacheTTL: time.Minute, QuoteBurst: 2, QuoteRate: 0.001},
		md, hub.New(), cache.NewTTLCache(100), nil, api, nil)
	h.now = func() time.Time { return t0.Add(time.Hour) }
	e := echo.New()
	h.RegisterRoutes(e)
	return fixture{e: e, md: md, h: h, api: api}
}

func (f fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestQuoteEndpoint(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/api/quote?instrument=EURUSD", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/quotes", `{"instrument":"EURUSD","provider":"lp-a","bid":1.1,"ask":1.1004,"bid_qty":1,"ask_qty":1}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, env := f.do(t, http.MethodGet, "/api/quote?instrument=EURUSD", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var q models.AggregatedQuote
	require.NoError(t, json.Unmarshal(env.Data, &q))
	assert.Equal(t, models.QuoteAvailable, q.Status)
	assert.True(t, q.BestBid < q.BestAsk)
}

func TestQuoteEndpoint_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		method string
		target string
		body   string
		field  string
	}{
		{"missing instrument", http.MethodGet, "/api/quote", "", "instrument"},
		{"unknown instrument", http.MethodGet, "/api/quote?instrument=NOPE", "", "instrument_id"},
		{"crossed submit", http.MethodPost, "/api/quotes", `{"instrument":"EURUSD","provider":"lp-a","bid":1.2,"ask":1.1}`, "ask"},
		{"depth levels", http.MethodGet, "/api/depth?instrument=EURUSD&levels=21", "", "levels"},
		{"bad timeframe", http.MethodGet, "/api/candles?instrument=EURUSD&tf=2m", "", "tf"},
		{"bad start", http.MethodGet, "/api/candles?instrument=EURUSD&start=soon", "", "start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := f.do(t, tt.method, tt.target, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var fields []struct {
				Field string `json:"field"`
			}
			require.NoError(t, json.Unmarshal(env.Data, &fields))
			require.NotEmpty(t, fields)
			assert.Equal(t, tt.field, fields[0].Field)
		})
	}
}

func TestSubmitQuote_RateLimited(t *testing.T) {
	f := newFixture(t)
	body := `{"instrument":"EURUSD","provider":"lp-a","bid":1.1,"ask":1.1004}`
	for i := 0; i < 2; i++ {
		rec, _ := f.do(t, http.MethodPost, "/api/quotes", body)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec, _ := f.do(t, http.MethodPost, "/api/quotes", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.api.Errors.WithLabelValues("submit_quote", "429")))
}

func TestDepthEndpoint(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/api/depth?instrument=EURUSD", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, f.md.OnDepthChanged(context.Background(), models.DepthSnapshot{
		InstrumentID: "EURUSD",
		Bids:         []models.DepthLevel{{Price: 1.1, Qty: 1}, {Price: 1.0999, Qty: 2}},
		Asks:         []models.DepthLevel{{Price: 1.1001, Qty: 1}},
		UpdatedAt:    t0,
	}))
	rec, env := f.do(t, http.MethodGet, "/api/depth?instrument=EURUSD&levels=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var d models.DepthSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &d))
	assert.Len(t, d.Bids, 1)
	assert.Equal(t, 1.1, d.Bids[0].Price)
}

func candlesURL(q url.Values) string { return "/api/candles?" + q.Encode() }

func TestCandlesEndpoint_AdjustedAndCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, p := range []float64{100, 102, 104} {
		require.NoError(t, f.md.OnTradeFilled(ctx, models.TradeFill{
			InstrumentID: "ACME", Price: p, Qty: 10, Timestamp: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	q := url.Values{"instrument": {"ACME"}, "tf": {"1m"}, "start": {t0.Format(time.RFC3339)}, "end": {t0.Add(2 * time.Minute).Format(time.RFC3339)}}

	rec, env := f.do(t, http.MethodGet, candlesURL(q), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Rows  []models.AdjustedCandle `json:"rows"`
		Total int64                   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Rows, 2)
	assert.Equal(t, 100.0, list.Rows[0].Close)

	f.do(t, http.MethodGet, candlesURL(q), "")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.api.CacheHits.WithLabelValues("hit")))

	// a split bumps the version, so the cached page is not served
	rec, _ = f.do(t, http.MethodPost, "/api/corporate-actions",
		`{"instrument":"ACME","type":"split","value":2,"effective_at":"`+t0.Add(30*time.Minute).Format(time.RFC3339)+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	_, env = f.do(t, http.MethodGet, candlesURL(q), "")
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, 50.0, list.Rows[0].Close)
	assert.Equal(t, 20.0, list.Rows[0].Volume)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.api.CacheHits.WithLabelValues("hit")))
}

func TestCandlesEndpoint_OpenRangeNotCached(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.md.OnTradeFilled(context.Background(), models.TradeFill{
		InstrumentID: "ACME", Price: 100, Qty: 1, Timestamp: t0,
	}))
	for i := 0; i < 2; i++ {
		rec, _ := f.do(t, http.MethodGet, "/api/candles?instrument=ACME&tf=1m", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Zero(t, testutil.ToFloat64(f.api.CacheHits.WithLabelValues("hit")))
	assert.Zero(t, testutil.ToFloat64(f.api.CacheHits.WithLabelValues("miss")))
}

func TestCandlesEndpoint_NoData(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/api/candles?instrument=ACME&tf=1h", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCorporateActionEndpoint(t *testing.T) {
	f := newFixture(t)
	body := `{"instrument":"ACME","type":"dividend","value":0.5,"effective_at":"2024-06-01T00:00:00Z"}`

	rec, env := f.do(t, http.MethodPost, "/api/corporate-actions", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var a models.CorporateAction
	require.NoError(t, json.Unmarshal(env.Data, &a))
	assert.Equal(t, models.ActionDividend, a.Type)

	rec, _ = f.do(t, http.MethodPost, "/api/corporate-actions", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/corporate-actions",
		`{"instrument":"ACME","type":"split","value":2,"effective_at":"2019-06-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/corporate-actions",
		`{"instrument":"ACME","type":"merger","value":2,"effective_at":"2024-06-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHubStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/api/hub/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var s hub.Stats
	require.NoError(t, json.Unmarshal(env.Data, &s))
	assert.Zero(t, s.Subscribers)
}
