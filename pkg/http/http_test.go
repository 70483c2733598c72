package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type levelsRequest struct {
	Instrument string `query:"instrument" json:"instrument" validate:"required"`
	Levels     int    `query:"levels" json:"levels" default:"10" validate:"gte=1,lte=20"`
	Since      string `query:"since" json:"since" validate:"timestamp"`
	Side       string `query:"side" json:"side" validate:"side"`
}

func init() {
	RegisterStringValidation("side", "%s must be bid or ask", func(s string) bool {
		return s == "" || s == "bid" || s == "ask"
	})
}

func newContext(target string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestReadAndValidateRequest_Defaults(t *testing.T) {
	c, _ := newContext("/?instrument=EURUSD")
	var req levelsRequest
	require.Nil(t, ReadAndValidateRequest(c, &req))
	assert.Equal(t, "EURUSD", req.Instrument)
	assert.Equal(t, 10, req.Levels)
}

func TestReadAndValidateRequest_FieldErrors(t *testing.T) {
	c, _ := newContext("/?levels=50")
	var req levelsRequest
	errs := ReadAndValidateRequest(c, &req)
	require.Len(t, errs, 2)

	byField := map[string]ValidationError{}
	for _, e := range errs {
		byField[e.Field] = e
	}
	assert.Equal(t, "ERR_REQUIRED", byField["instrument"].Code)
	assert.Equal(t, "instrument is required", byField["instrument"].Message)
	assert.Equal(t, "ERR_LTE", byField["levels"].Code)
	assert.Equal(t, "20", byField["levels"].Params["max"])
}

func TestReadAndValidateRequest_CustomTags(t *testing.T) {
	c, _ := newContext("/?instrument=EURUSD&since=soon&side=mid")
	var req levelsRequest
	errs := ReadAndValidateRequest(c, &req)
	require.Len(t, errs, 2)

	byField := map[string]ValidationError{}
	for _, e := range errs {
		byField[e.Field] = e
	}
	assert.Equal(t, "ERR_TIMESTAMP", byField["since"].Code)
	assert.Equal(t, "since must be RFC3339 or unix seconds/milliseconds", byField["since"].Message)
	assert.Equal(t, "side must be bid or ask", byField["side"].Message)

	c, _ = newContext("/?instrument=EURUSD&since=1718000000000&side=bid")
	assert.Nil(t, ReadAndValidateRequest(c, &levelsRequest{}))
}

func TestAppErrorResponse(t *testing.T) {
	c, rec := newContext("/")
	require.NoError(t, AppErrorResponse(c, ConflictError("duplicate")))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body struct {
		Status int        `json:"status"`
		Data   []AppError `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusConflict, body.Status)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "ERR_CONFLICT", body.Data[0].Code)

	c, rec = newContext("/")
	require.NoError(t, AppErrorResponse(c, NewAppError("ERR_RANGE", "end", "end before start", http.StatusBadRequest)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var bad struct {
		Data []ValidationError `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bad))
	require.Len(t, bad.Data, 1)
	assert.Equal(t, "end", bad.Data[0].Field)

	c, rec = newContext("/")
	require.NoError(t, AppErrorResponse(c, InvalidRequest([]ValidationError{{Code: "ERR_X", Field: "a"}, {Code: "ERR_Y", Field: "b"}})))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bad))
	assert.Len(t, bad.Data, 2)

	c, rec = newContext("/")
	require.NoError(t, AppErrorResponse(c, assert.AnError))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type routeHandler string

func (r routeHandler) RegisterRoutes(e *echo.Echo) {
	e.GET(string(r), func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
}

func TestHandlersRegistersAll(t *testing.T) {
	e := echo.New()
	Handlers{routeHandler("/a"), nil, routeHandler("/b")}.RegisterRoutes(e)

	for _, path := range []string{"/a", "/b"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNoContent, rec.Code, path)
	}
}

type pingHandler struct{}

func (pingHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
}

func TestServerStartServesAndReportsBindErrors(t *testing.T) {
	srv := NewServer(pingHandler{}, WithHost("127.0.0.1"), WithPort(0), WithMetrics("", prometheus.NewRegistry(), nil))
	require.Equal(t, "", srv.Addr())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr() + "/ping")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	var p int
	_, err = fmt.Sscan(port, &p)
	require.NoError(t, err)

	clash := NewServer(nil, WithHost("127.0.0.1"), WithPort(p), WithMetrics("", prometheus.NewRegistry(), nil))
	assert.Error(t, clash.Start())
}
