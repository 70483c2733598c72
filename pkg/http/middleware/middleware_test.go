package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"MarketPipe/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_LabelsByRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := echo.New()
	mw := Metrics(reg, logger.Nop(), 0)
	e.Use(mw)
	e.GET("/api/quote", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	for _, q := range []string{"EURUSD", "BTCUSD"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/quote?instrument="+q, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	n, err := testutil.GatherAndCount(reg, "http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "query strings must not create series")
}

func TestRecover(t *testing.T) {
	e := echo.New()
	e.Use(Recover(logger.Nop()))
	e.GET("/boom", func(c echo.Context) error { panic("boom") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCORS_Preflight(t *testing.T) {
	e := echo.New()
	e.Use(CORS(CORSConfig{AllowOrigins: []string{"*"}, AllowMethods: []string{http.MethodGet}}))
	e.OPTIONS("/api/quote", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/api/quote", nil)
	req.Header.Set("Origin", "https://desk.example")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://desk.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_OriginFiltering(t *testing.T) {
	e := echo.New()
	e.Use(CORS(CORSConfig{AllowOrigins: []string{"https://desk.example"}, MaxAge: 600}))
	e.GET("/api/quote", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.OPTIONS("/api/quote", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/quote", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/quote", nil)
	req.Header.Set("Origin", "https://desk.example")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	req = httptest.NewRequest(http.MethodGet, "/api/quote", nil)
	req.Header.Set("Origin", "https://desk.example")
	req.Header.Set("Upgrade", "websocket")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLogging_RequestID(t *testing.T) {
	e := echo.New()
	e.Use(RequestLogging(logger.Nop()))
	var seen string
	e.GET("/api/quote", func(c echo.Context) error {
		seen = RequestID(c)
		return c.NoContent(http.StatusOK)
	})
	e.GET("/missing", func(c echo.Context) error { return echo.ErrNotFound })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/quote", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(echo.HeaderXRequestID))

	req := httptest.NewRequest(http.MethodGet, "/api/quote", nil)
	req.Header.Set(echo.HeaderXRequestID, "desk-42")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, "desk-42", seen)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
