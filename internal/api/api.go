package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/celerix-dev/samsub-registry/internal/engine"
	"github.com/celerix-dev/samsub-registry/internal/metrics"
	"github.com/celerix-dev/samsub-registry/pkg/schema"
)

// DefaultPageLimit applies when a list request has no limit parameter.
const DefaultPageLimit uint64 = 50

type Handler struct {
	Registry *engine.Registry
	Tokens   TokenVerifier
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// Gatherer backs GET /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Register mounts middleware and routes on r.
func Register(r *gin.Engine, h *Handler) {
	if h.Logger == nil {
		h.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	// Samsub ids are opaque and may contain "/"; clients percent-encode them
	// (url.PathEscape) and routing matches on the escaped path.
	r.UseRawPath = true
	r.UnescapePathValues = true
	r.Use(RequestID(), Logger(h.Logger), Latency(h.Metrics))

	r.GET("/healthz", h.Health)
	if h.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})))
	}

	apiGroup := r.Group("/api", Caller(h.Tokens, h.Logger))
	{
		apiGroup.POST("/init", h.Initialize)
		apiGroup.GET("/owner", h.Owner)
		apiGroup.GET("/records", h.ListRecords)
		apiGroup.GET("/records/:samsub_id", h.GetRecord)
		apiGroup.PUT("/records/:samsub_id", h.AddRecord)
		apiGroup.PATCH("/records/:samsub_id/validity", h.EditValidity)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found", "code": schema.CodeNotFound})
	})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Initialize(c *gin.Context) {
	if err := h.Registry.Initialize(c.Request.Context(), CallerFrom(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner_id": h.Registry.Owner()})
}

func (h *Handler) Owner(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"owner_id": h.Registry.Owner()})
}

func (h *Handler) ListRecords(c *gin.Context) {
	fromIndex, err := queryUint(c, "from_index", 0)
	if err != nil {
		h.fail(c, err)
		return
	}
	limit, err := queryUint(c, "limit", DefaultPageLimit)
	if err != nil {
		h.fail(c, err)
		return
	}

	records := h.Registry.ListRecords(fromIndex, limit)
	c.Header("X-Total-Count", strconv.Itoa(h.Registry.Len()))
	c.JSON(http.StatusOK, records)
}

func (h *Handler) GetRecord(c *gin.Context) {
	samsubID := c.Param("samsub_id")
	rec, ok := h.Registry.GetRecord(samsubID)
	if !ok {
		h.fail(c, schema.ErrRecordNotFound)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) AddRecord(c *gin.Context) {
	var input struct {
		AccountID *string `json:"account_id" binding:"required"`
		IsValid   *bool   `json:"is_valid" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": schema.CodeBadRequest})
		return
	}

	samsubID := c.Param("samsub_id")
	if err := h.Registry.AddRecord(c.Request.Context(), CallerFrom(c), *input.AccountID, samsubID, *input.IsValid); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, schema.NewRecord(*input.AccountID, samsubID, *input.IsValid))
}

func (h *Handler) EditValidity(c *gin.Context) {
	var input struct {
		IsValid *bool `json:"is_valid" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": schema.CodeBadRequest})
		return
	}

	updated, err := h.Registry.EditValidity(c.Request.Context(), CallerFrom(c), c.Param("samsub_id"), *input.IsValid)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// fail maps a registry error to its HTTP status and a {error, code} body.
func (h *Handler) fail(c *gin.Context, err error) {
	code := schema.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case schema.CodeAlreadyInitialized:
		status = http.StatusConflict
	case schema.CodeUnauthorized:
		status = http.StatusForbidden
	case schema.CodeNotFound:
		status = http.StatusNotFound
	case schema.CodeBadRequest:
		status = http.StatusBadRequest
	default:
		h.Logger.Error("request failed", "error", err, "request_id", c.GetString(requestIDKey))
		c.JSON(status, gin.H{"error": "internal error", "code": code})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func queryUint(c *gin.Context, name string, def uint64) (uint64, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", schema.ErrInvalidArgument, name, err)
	}
	return v, nil
}
