package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"MarketPipe/internal/domain/models"
	"MarketPipe/internal/service/cache"
	"MarketPipe/internal/service/hub"
	"MarketPipe/internal/service/metrics"
	"MarketPipe/internal/service/ratelimit"
	"MarketPipe/internal/usecase"
	xhttp "MarketPipe/pkg/http"
	xlogger "MarketPipe/pkg/logger"

	"github.com/labstack/echo/v4"
)

func init() {
	names := make([]string, 0, len(models.AllTimeframes))
	for _, tf := range models.AllTimeframes {
		names = append(names, string(tf))
	}
	xhttp.RegisterStringValidation("timeframe", "%s must be one of: "+strings.Join(names, ", "),
		func(s string) bool { return models.Timeframe(s).Valid() })
}

// Config tunes the REST surface.
type Config struct {
	CandleCacheTTL time.Duration
	// QuoteBurst and QuoteRate bound POST /api/quotes per provider (tokens, tokens/s).
	QuoteBurst float64
	QuoteRate  float64
}

// MarketEchoHandler serves the market data REST API.
type MarketEchoHandler struct {
	cfg     Config
	md      *usecase.MarketData
	hub     *hub.Hub
	cache   cache.BytesCache
	rl      *ratelimit.Limiter
	metrics *metrics.APIMetrics
	logger  *xlogger.Logger
	now     func() time.Time
}

func NewMarketEchoHandler(cfg Config, md *usecase.MarketData, h *hub.Hub, c cache.BytesCache,
	rl *ratelimit.Limiter, m *metrics.APIMetrics, logger *xlogger.Logger) *MarketEchoHandler {
	if cfg.QuoteBurst <= 0 {
		cfg.QuoteBurst = 50
	}
	if cfg.QuoteRate <= 0 {
		cfg.QuoteRate = 25
	}
	if rl == nil {
		rl = ratelimit.New()
	}
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &MarketEchoHandler{cfg: cfg, md: md, hub: h, cache: c, rl: rl, metrics: m, logger: logger, now: time.Now}
}

func (h *MarketEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/quote", h.Quote)
	g.GET("/depth", h.Depth)
	g.GET("/candles", h.Candles)
	g.POST("/quotes", h.SubmitQuote)
	g.POST("/corporate-actions", h.RecordCorporateAction)
	g.GET("/hub/stats", h.HubStats)
	e.GET("/health", h.Health)
}

func (h *MarketEchoHandler) Quote(c echo.Context) error {
	defer h.observe("quote", time.Now())
	req := &models.QuoteRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	q, err := h.md.GetAggregatedQuote(req.Instrument)
	if err != nil {
		return h.fail(c, "quote", err)
	}
	return xhttp.SuccessResponse(c, q)
}

func (h *MarketEchoHandler) Depth(c echo.Context) error {
	defer h.observe("depth", time.Now())
	req := &models.DepthRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	d, err := h.md.GetDepth(req.Instrument, req.Levels)
	if err != nil {
		return h.fail(c, "depth", err)
	}
	return xhttp.SuccessResponse(c, d)
}

func (h *MarketEchoHandler) Candles(c echo.Context) error {
	defer h.observe("candles", time.Now())
	req := &models.CandlesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	q := usecase.CandleQuery{InstrumentID: req.Instrument, Timeframe: models.Timeframe(req.TF), Limit: req.Limit}
	// both bounds already passed the timestamp validator
	q.Start, _ = xhttp.ParseTime(req.Start)
	q.End, _ = xhttp.ParseTime(req.End)

	ctx := c.Request().Context()
	key, cacheable := h.candleCacheKey(q)
	if cacheable {
		if b, ok, err := h.cache.GetBytes(ctx, key); err == nil && ok {
			h.cacheResult("hit")
			return c.JSONBlob(http.StatusOK, b)
		} else if err != nil {
			h.logger.Warn("candle cache read", xlogger.Error(err))
		}
		h.cacheResult("miss")
	}

	candles, err := h.md.GetCandles(ctx, q)
	if err != nil {
		return h.fail(c, "candles", err)
	}
	body := xhttp.Envelope(http.StatusOK, &xhttp.ListDataResponse{
		Rows:    candles,
		Total:   int64(len(candles)),
		Version: h.md.CandleVersion(q.InstrumentID),
	})
	if !cacheable {
		return c.JSON(http.StatusOK, body)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return h.fail(c, "candles", err)
	}
	if err := h.cache.SetBytes(ctx, key, b, h.cfg.CandleCacheTTL); err != nil {
		h.logger.Warn("candle cache write", xlogger.Error(err))
	}
	return c.JSONBlob(http.StatusOK, b)
}

// candleCacheKey reports whether the query only covers candles that can no
// longer change without a version bump, and the key to store it under.
func (h *MarketEchoHandler) candleCacheKey(q usecase.CandleQuery) (string, bool) {
	if h.cache == nil || h.cfg.CandleCacheTTL <= 0 || q.End.IsZero() || !q.Timeframe.Valid() {
		return "", false
	}
	if q.End.After(q.Timeframe.BucketStart(h.now())) {
		return "", false
	}
	if open, ok := h.md.OpenBucket(q.InstrumentID, q.Timeframe); ok && open.Before(q.End) {
		return "", false
	}
	return fmt.Sprintf("candles:%s:%s:%d:%d:%d:v%s",
		q.InstrumentID, q.Timeframe, q.Start.UnixMilli(), q.End.UnixMilli(), q.Limit,
		h.md.CandleVersion(q.InstrumentID)), true
}

func (h *MarketEchoHandler) SubmitQuote(c echo.Context) error {
	defer h.observe("submit_quote", time.Now())
	req := &models.SubmitQuoteRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if !h.rl.Allow(req.Provider, h.cfg.QuoteBurst, h.cfg.QuoteRate) {
		h.countError("submit_quote", http.StatusTooManyRequests)
		return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("quote rate exceeded for provider "+req.Provider))
	}
	agg, err := h.md.SubmitQuote(c.Request().Context(), models.Quote{
		InstrumentID: req.Instrument,
		ProviderID:   req.Provider,
		Bid:          req.Bid,
		Ask:          req.Ask,
		BidQty:       req.BidQty,
		AskQty:       req.AskQty,
		ObservedAt:   time.Now(),
	})
	if err != nil && !errors.Is(err, models.ErrQuoteUnavailable) {
		return h.fail(c, "submit_quote", err)
	}
	return xhttp.DataResponse(c, http.StatusAccepted, agg)
}

func (h *MarketEchoHandler) RecordCorporateAction(c echo.Context) error {
	defer h.observe("corporate_action", time.Now())
	req := &models.CorporateActionRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	eff, _ := xhttp.ParseTime(req.EffectiveAt)
	rec, err := h.md.RecordCorporateAction(c.Request().Context(), models.CorporateAction{
		InstrumentID: req.Instrument,
		Type:         models.ActionType(req.Type),
		Value:        req.Value,
		EffectiveAt:  eff,
	})
	if err != nil {
		return h.fail(c, "corporate_action", err)
	}
	return xhttp.CreatedResponse(c, rec)
}

func (h *MarketEchoHandler) HubStats(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.hub.Stats())
}

func (h *MarketEchoHandler) Health(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]string{"status": "ok"})
}

// fail maps domain errors onto HTTP responses.
func (h *MarketEchoHandler) fail(c echo.Context, endpoint string, err error) error {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		h.countError(endpoint, http.StatusBadRequest)
		out := make([]xhttp.ValidationError, 0, len(ve.Fields))
		for _, f := range ve.Fields {
			out = append(out, xhttp.ValidationError{Code: f.Code, Field: f.Field, Message: f.Message})
		}
		return xhttp.AppErrorResponse(c, xhttp.InvalidRequest(out))
	case errors.Is(err, models.ErrNoData), errors.Is(err, models.ErrQuoteUnavailable):
		h.countError(endpoint, http.StatusNotFound)
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError(err.Error()))
	case errors.Is(err, models.ErrDuplicateAction):
		h.countError(endpoint, http.StatusConflict)
		return xhttp.AppErrorResponse(c, xhttp.ConflictError(err.Error()))
	default:
		h.countError(endpoint, http.StatusInternalServerError)
		h.logger.Error(endpoint+" failed", xlogger.Error(err))
		return xhttp.InternalServerErrorResponse(c)
	}
}

func (h *MarketEchoHandler) observe(endpoint string, start time.Time) {
	if h.metrics != nil {
		h.metrics.Latency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (h *MarketEchoHandler) countError(endpoint string, status int) {
	if h.metrics != nil {
		h.metrics.Errors.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	}
}

func (h *MarketEchoHandler) cacheResult(result string) {
	if h.metrics != nil {
		h.metrics.CacheHits.WithLabelValues(result).Inc()
	}
}

var _ xhttp.Handler = (*MarketEchoHandler)(nil)
