package api

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/mirador-rollout/internal/dataset"
	"github.com/miradorstack/mirador-rollout/internal/evaluation"
	"github.com/miradorstack/mirador-rollout/internal/models"
	"github.com/miradorstack/mirador-rollout/internal/services"
)

// Service is the subset of the rollout service exposed over HTTP.
type Service interface {
	LogPrediction(ctx context.Context, in models.PredictionInput) (models.PredictionRecord, error)
	Snapshot(ctx context.Context) (models.PerformanceSnapshot, error)
	Report(ctx context.Context) (string, error)
	CheckDrift(ctx context.Context, threshold *float64) (models.DriftResult, error)
	RunSmokeTests(ctx context.Context, baseURL string) (models.SmokeReport, error)
	RunEvaluation(ctx context.Context, baseURL, testDir string, save bool) (models.EvaluationSummary, error)
}

// SmokeRequest selects the inference service to probe.
type SmokeRequest struct {
	BaseURL string `json:"base_url" binding:"omitempty,url"`
}

// EvaluationRequest parameterises a batch evaluation. Save defaults to true.
type EvaluationRequest struct {
	APIURL  string `json:"api_url" binding:"omitempty,url"`
	TestDir string `json:"test_dir"`
	Save    *bool  `json:"save"`
}

// EvaluationResponse carries the summary plus any sink failures.
type EvaluationResponse struct {
	Summary  models.EvaluationSummary `json:"summary"`
	Warnings []string                 `json:"warnings,omitempty"`
}

// Handler maps HTTP routes onto the rollout service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Register attaches every route to r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.healthz)
	v1 := r.Group("/v1")
	v1.POST("/predictions", h.logPrediction)
	v1.GET("/performance", h.performance)
	v1.GET("/performance/report", h.report)
	v1.GET("/drift", h.drift)
	v1.POST("/smoke", h.smoke)
	v1.POST("/evaluations", h.evaluate)
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) logPrediction(c *gin.Context) {
	var in models.PredictionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.service.LogPrediction(c.Request.Context(), in)
	if err != nil {
		h.fail(c, "log prediction", err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) performance(c *gin.Context) {
	snap, err := h.service.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, "snapshot", err)
		return
	}
	if snap.Empty() {
		c.JSON(http.StatusOK, gin.H{"message": "no labeled predictions"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) report(c *gin.Context) {
	text, err := h.service.Report(c.Request.Context())
	if err != nil {
		h.fail(c, "report", err)
		return
	}
	c.String(http.StatusOK, text)
}

func (h *Handler) drift(c *gin.Context) {
	var threshold *float64
	if raw, ok := c.GetQuery("threshold"); ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be a finite number"})
			return
		}
		threshold = &v
	}
	res, err := h.service.CheckDrift(c.Request.Context(), threshold)
	if err != nil {
		h.fail(c, "check drift", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) smoke(c *gin.Context) {
	var req SmokeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	report, err := h.service.RunSmokeTests(c.Request.Context(), req.BaseURL)
	if err != nil {
		h.fail(c, "smoke", err)
		return
	}
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusConflict
	}
	c.JSON(status, report)
}

func (h *Handler) evaluate(c *gin.Context) {
	var req EvaluationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	save := req.Save == nil || *req.Save
	summary, err := h.service.RunEvaluation(c.Request.Context(), req.APIURL, req.TestDir, save)
	if err != nil && summary.TotalPredictions == 0 {
		h.fail(c, "evaluate", err)
		return
	}
	resp := EvaluationResponse{Summary: summary}
	if err != nil {
		resp.Warnings = []string{err.Error()}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("op", op), slog.Any("error", err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var dataErr *models.DataError
	switch {
	case errors.Is(err, services.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, dataset.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, evaluation.ErrNoImages), errors.As(err, &dataErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
