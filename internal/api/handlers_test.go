package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-rollout/internal/config"
	"github.com/miradorstack/mirador-rollout/internal/evaluation"
	"github.com/miradorstack/mirador-rollout/internal/models"
	"github.com/miradorstack/mirador-rollout/internal/services"
	"github.com/miradorstack/mirador-rollout/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type serviceStub struct {
	logged     []models.PredictionInput
	snapshot   models.PerformanceSnapshot
	threshold  *float64
	smoke      models.SmokeReport
	smokeURL   string
	evalSave   bool
	evalResult models.EvaluationSummary
	evalErr    error
}

func (s *serviceStub) LogPrediction(ctx context.Context, in models.PredictionInput) (models.PredictionRecord, error) {
	if in.Confidence != nil && *in.Confidence > 1 {
		return models.PredictionRecord{}, utils.NewAppError("log prediction", "confidence out of range", services.ErrInvalidArgument)
	}
	s.logged = append(s.logged, in)
	return models.NewPredictionRecord(in, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}

func (s *serviceStub) Snapshot(ctx context.Context) (models.PerformanceSnapshot, error) {
	return s.snapshot, nil
}

func (s *serviceStub) Report(ctx context.Context) (string, error) {
	return "No performance data available. Run tests with known images first.", nil
}

func (s *serviceStub) CheckDrift(ctx context.Context, threshold *float64) (models.DriftResult, error) {
	s.threshold = threshold
	res := models.DriftResult{Threshold: 5, Reason: "no labeled predictions"}
	if threshold != nil {
		res.Threshold = *threshold
	}
	return res, nil
}

func (s *serviceStub) RunSmokeTests(ctx context.Context, baseURL string) (models.SmokeReport, error) {
	s.smokeURL = baseURL
	return s.smoke, nil
}

func (s *serviceStub) RunEvaluation(ctx context.Context, baseURL, testDir string, save bool) (models.EvaluationSummary, error) {
	s.evalSave = save
	return s.evalResult, s.evalErr
}

func serve(t *testing.T, svc Service, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	NewRouter(svc, "test", nil).ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := serve(t, &serviceStub{}, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestLogPrediction(t *testing.T) {
	svc := &serviceStub{}
	rec := serve(t, svc, http.MethodPost, "/v1/predictions", `{"predicted_class":"cat","actual_class":"cat","confidence":0.9,"image_path":"a.jpg"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got models.PredictionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.Correct)
	assert.True(t, *got.Correct)
	assert.Equal(t, "a.jpg", got.InputRef)
}

func TestLogPredictionRequiresClass(t *testing.T) {
	svc := &serviceStub{}
	rec := serve(t, svc, http.MethodPost, "/v1/predictions", `{"actual_class":"cat"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.logged)
}

func TestLogPredictionInvalidArgumentFromService(t *testing.T) {
	rec := serve(t, &serviceStub{}, http.MethodPost, "/v1/predictions", `{"predicted_class":"cat","confidence":1.5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPerformanceEmpty(t *testing.T) {
	rec := serve(t, &serviceStub{}, http.MethodGet, "/v1/performance", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no labeled predictions")
}

func TestPerformanceSnapshot(t *testing.T) {
	svc := &serviceStub{snapshot: models.PerformanceSnapshot{OverallAccuracy: 66.67, TotalLabeled: 3}}
	rec := serve(t, svc, http.MethodGet, "/v1/performance", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got models.PerformanceSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got.TotalLabeled)
}

func TestReportIsPlainText(t *testing.T) {
	rec := serve(t, &serviceStub{}, http.MethodGet, "/v1/performance/report", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestDriftThreshold(t *testing.T) {
	svc := &serviceStub{}
	rec := serve(t, svc, http.MethodGet, "/v1/drift?threshold=7.5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.threshold)
	assert.Equal(t, 7.5, *svc.threshold)

	rec = serve(t, svc, http.MethodGet, "/v1/drift?threshold=0", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.threshold)
	assert.Equal(t, 0.0, *svc.threshold)

	rec = serve(t, svc, http.MethodGet, "/v1/drift", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, svc.threshold)

	for _, bad := range []string{"abc", "NaN", "Inf", "-Inf"} {
		rec = serve(t, svc, http.MethodGet, "/v1/drift?threshold="+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestSmokeStatusFollowsVerdict(t *testing.T) {
	svc := &serviceStub{smoke: models.NewSmokeReport([]models.ProbeResult{{Name: "health", Status: models.ProbePass}})}
	rec := serve(t, svc, http.MethodPost, "/v1/smoke", `{"base_url":"http://staging:8000"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://staging:8000", svc.smokeURL)

	svc.smoke = models.NewSmokeReport([]models.ProbeResult{{Name: "metrics", Status: models.ProbeFail}})
	rec = serve(t, svc, http.MethodPost, "/v1/smoke", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, svc.smokeURL)
}

func TestEvaluationDefaultsToSave(t *testing.T) {
	svc := &serviceStub{evalResult: models.EvaluationSummary{TotalPredictions: 4}}
	rec := serve(t, svc, http.MethodPost, "/v1/evaluations", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.evalSave)

	rec = serve(t, svc, http.MethodPost, "/v1/evaluations", `{"save":false}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, svc.evalSave)
}

func TestEvaluationSinkFailureIsWarning(t *testing.T) {
	svc := &serviceStub{
		evalResult: models.EvaluationSummary{TotalPredictions: 4},
		evalErr:    errors.New("s3: bucket missing"),
	}
	rec := serve(t, svc, http.MethodPost, "/v1/evaluations", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp EvaluationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"s3: bucket missing"}, resp.Warnings)
}

func TestEvaluationErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&models.DataError{Predictions: 1, Labels: 2}, http.StatusUnprocessableEntity},
		{evaluation.ErrNoImages, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", services.ErrNotConfigured), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &serviceStub{evalErr: tc.err}
		rec := serve(t, svc, http.MethodPost, "/v1/evaluations", "")
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func TestServerLifecycle(t *testing.T) {
	srv, err := NewServer(config.ServerConfig{Address: "127.0.0.1:0", GracefulTimeout: time.Second}, &serviceStub{}, "test", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	resp, err := http.Get("http://" + srv.Address() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), srv.GracefulTimeout())
	defer cancel()
	srv.Shutdown(ctx)
	assert.NoError(t, <-done)
}
