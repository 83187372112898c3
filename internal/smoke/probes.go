package smoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"io/fs"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/miradorstack/mirador-rollout/internal/models"
)

// Client is the subset of the inference client the probes need.
type Client interface {
	Health(ctx context.Context) (models.HealthStatus, error)
	Predict(ctx context.Context, filename string, image io.Reader) (models.Prediction, error)
	Metrics(ctx context.Context) (string, error)
	Get(ctx context.Context, target string, timeout time.Duration) (int, error)
}

// Probe is one named smoke check.
type Probe interface {
	Name() string
	Required() bool
	Run(ctx context.Context) (models.ProbeStatus, string)
}

// HealthProbe passes iff the service reports healthy with the model loaded.
type HealthProbe struct {
	Client Client
}

func (p HealthProbe) Name() string   { return "health" }
func (p HealthProbe) Required() bool { return true }

func (p HealthProbe) Run(ctx context.Context) (models.ProbeStatus, string) {
	status, err := p.Client.Health(ctx)
	if err != nil {
		return models.ProbeFail, err.Error()
	}
	if !status.Ready() {
		return models.ProbeFail, fmt.Sprintf("status=%q model_loaded=%t", status.Status, status.ModelLoaded)
	}
	return models.ProbePass, "service healthy, model loaded"
}

// PredictionProbe uploads a fixture image, or a synthetic one when the fixture is absent,
// and passes iff a class is returned with positive confidence.
type PredictionProbe struct {
	Client    Client
	ImagePath string
}

func (p PredictionProbe) Name() string   { return "prediction" }
func (p PredictionProbe) Required() bool { return true }

func (p PredictionProbe) Run(ctx context.Context) (models.ProbeStatus, string) {
	name, data, err := p.image()
	if err != nil {
		return models.ProbeFail, err.Error()
	}
	pred, err := p.Client.Predict(ctx, name, bytes.NewReader(data))
	if err != nil {
		return models.ProbeFail, err.Error()
	}
	if strings.TrimSpace(pred.PredictedClass) == "" {
		return models.ProbeFail, "prediction has no class"
	}
	if pred.Confidence <= 0 {
		return models.ProbeFail, fmt.Sprintf("non-positive confidence %.4f", pred.Confidence)
	}
	return models.ProbePass, fmt.Sprintf("predicted %s (confidence %.3f)", pred.PredictedClass, pred.Confidence)
}

func (p PredictionProbe) image() (string, []byte, error) {
	if p.ImagePath != "" {
		data, err := os.ReadFile(p.ImagePath)
		if err == nil {
			return p.ImagePath, data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", nil, fmt.Errorf("read fixture image: %w", err)
		}
	}
	data, err := SyntheticImage(224, 224)
	if err != nil {
		return "", nil, err
	}
	return "synthetic.png", data, nil
}

// SyntheticImage encodes a width x height RGB noise image as PNG.
func SyntheticImage(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(rand.IntN(256)),
				G: uint8(rand.IntN(256)),
				B: uint8(rand.IntN(256)),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode synthetic image: %w", err)
	}
	return buf.Bytes(), nil
}

// MetricsProbe passes iff the metrics exposition contains Token.
type MetricsProbe struct {
	Client Client
	Token  string
}

func (p MetricsProbe) Name() string   { return "metrics" }
func (p MetricsProbe) Required() bool { return true }

func (p MetricsProbe) Run(ctx context.Context) (models.ProbeStatus, string) {
	body, err := p.Client.Metrics(ctx)
	if err != nil {
		return models.ProbeFail, err.Error()
	}
	if !strings.Contains(body, p.Token) {
		return models.ProbeFail, fmt.Sprintf("metric %s not exposed", p.Token)
	}
	return models.ProbePass, fmt.Sprintf("metric %s exposed", p.Token)
}

// ServiceProbe checks an auxiliary service. An unreachable optional service is skipped;
// a reachable one answering anything but 200 fails regardless.
type ServiceProbe struct {
	Client      Client
	ServiceName string
	URL         string
	IsRequired  bool
	Timeout     time.Duration
}

func (p ServiceProbe) Name() string   { return strings.ToLower(p.ServiceName) }
func (p ServiceProbe) Required() bool { return p.IsRequired }

func (p ServiceProbe) Run(ctx context.Context) (models.ProbeStatus, string) {
	code, err := p.Client.Get(ctx, p.URL, p.Timeout)
	if err != nil {
		if p.IsRequired {
			return models.ProbeFail, fmt.Sprintf("%s unreachable: %v", p.ServiceName, err)
		}
		return models.ProbeSkip, fmt.Sprintf("%s not available (optional)", p.ServiceName)
	}
	if code != http.StatusOK {
		return models.ProbeFail, fmt.Sprintf("%s returned %d", p.ServiceName, code)
	}
	return models.ProbePass, fmt.Sprintf("%s accessible", p.ServiceName)
}
