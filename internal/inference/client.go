package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/miradorstack/mirador-rollout/internal/config"
	"github.com/miradorstack/mirador-rollout/internal/metrics"
	"github.com/miradorstack/mirador-rollout/internal/models"
	"github.com/miradorstack/mirador-rollout/internal/utils"
)

// StatusError reports a non-200 response from a probed endpoint.
type StatusError struct {
	Endpoint string
	Code     int
	Status   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %s", e.Endpoint, e.Status)
}

// Client wraps the inference service HTTP API.
type Client struct {
	baseURL     string
	healthPath  string
	predictPath string
	metricsPath string
	uploadField string
	httpClient  *http.Client
	latency     *utils.LatencyTracker
}

// NewClient constructs a client from the inference configuration.
func NewClient(cfg config.InferenceConfig) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		healthPath:  firstNonEmpty(cfg.HealthPath, "/health"),
		predictPath: firstNonEmpty(cfg.PredictPath, "/predict"),
		metricsPath: firstNonEmpty(cfg.MetricsPath, "/metrics"),
		uploadField: firstNonEmpty(cfg.UploadField, "file"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		latency: utils.NewLatencyTracker(512),
	}
}

// WithBaseURL returns a copy of the client aimed at another base URL. An empty URL
// returns the receiver unchanged.
func (c *Client) WithBaseURL(baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		return c
	}
	clone := *c
	clone.baseURL = strings.TrimRight(baseURL, "/")
	return &clone
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Latency summarises request latencies observed by this client.
func (c *Client) Latency() utils.LatencySummary {
	return c.latency.Summary()
}

// Health fetches the health document. Any non-200 status is returned as *StatusError.
func (c *Client) Health(ctx context.Context) (models.HealthStatus, error) {
	var status models.HealthStatus
	if err := c.ready(); err != nil {
		return status, err
	}

	resp, err := c.do(ctx, "health", http.MethodGet, c.resolvePath(c.healthPath), nil, "")
	if err != nil {
		return status, fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return status, &StatusError{Endpoint: "health", Code: resp.StatusCode, Status: resp.Status}
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("decode health response: %w", err)
	}
	return status, nil
}

// Predict uploads one image as multipart form data and decodes the prediction.
func (c *Client) Predict(ctx context.Context, filename string, image io.Reader) (models.Prediction, error) {
	var prediction models.Prediction
	if err := c.ready(); err != nil {
		return prediction, err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(c.uploadField, filepath.Base(filename))
	if err != nil {
		return prediction, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return prediction, fmt.Errorf("copy image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return prediction, fmt.Errorf("close multipart writer: %w", err)
	}

	resp, err := c.do(ctx, "predict", http.MethodPost, c.resolvePath(c.predictPath), &body, writer.FormDataContentType())
	if err != nil {
		return prediction, fmt.Errorf("predict request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return prediction, &StatusError{Endpoint: "predict", Code: resp.StatusCode, Status: resp.Status}
	}
	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		return prediction, fmt.Errorf("decode prediction: %w", err)
	}
	return prediction, nil
}

// PredictFile opens the image at path and calls Predict.
func (c *Client) PredictFile(ctx context.Context, imagePath string) (models.Prediction, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return models.Prediction{}, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	return c.Predict(ctx, imagePath, f)
}

// PredictBytes uploads an in-memory image.
func (c *Client) PredictBytes(ctx context.Context, filename string, data []byte) (models.Prediction, error) {
	return c.Predict(ctx, filename, bytes.NewReader(data))
}

// Metrics returns the Prometheus text exposition of the inference service.
func (c *Client) Metrics(ctx context.Context) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}

	resp, err := c.do(ctx, "metrics", http.MethodGet, c.resolvePath(c.metricsPath), nil, "")
	if err != nil {
		return "", fmt.Errorf("metrics request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Endpoint: "metrics", Code: resp.StatusCode, Status: resp.Status}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read metrics: %w", err)
	}
	return string(data), nil
}

// Get issues a GET against an absolute URL and returns the status code. Used for
// auxiliary services that only need to answer.
func (c *Client) Get(ctx context.Context, target string, timeout time.Duration) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := c.do(ctx, "service", http.MethodGet, target, nil, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c *Client) ready() error {
	if c == nil {
		return fmt.Errorf("inference client not initialised")
	}
	if c.baseURL == "" {
		return fmt.Errorf("inference base URL not configured")
	}
	return nil
}

func (c *Client) do(ctx context.Context, endpoint, method, target string, body io.Reader, contentType string) (*http.Response, error) {
	if target == "" {
		return nil, fmt.Errorf("empty endpoint")
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	c.latency.Observe(elapsed)
	metrics.ObserveInferenceRequest(endpoint, elapsed)
	return resp, err
}

func (c *Client) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
