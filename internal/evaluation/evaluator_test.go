package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-rollout/internal/config"
	"github.com/miradorstack/mirador-rollout/internal/dataset"
	"github.com/miradorstack/mirador-rollout/internal/models"
)

var at = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type prefixPredictor struct{}

// PredictBytes predicts the class encoded before the first dot of the file name.
func (prefixPredictor) PredictBytes(ctx context.Context, filename string, data []byte) (models.Prediction, error) {
	base := filepath.Base(filename)
	if strings.HasPrefix(base, "broken") {
		return models.Prediction{}, errors.New("inference returned 500")
	}
	return models.Prediction{PredictedClass: strings.SplitN(base, ".", 2)[0], Confidence: 0.8}, nil
}

type recordingSink struct {
	name  string
	err   error
	saved []models.EvaluationSummary
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Save(ctx context.Context, s models.EvaluationSummary) error {
	r.saved = append(r.saved, s)
	return r.err
}

func newEvaluator(t *testing.T, files map[string][]string, sinks ...Sink) *Evaluator {
	t.Helper()
	root := t.TempDir()
	for class, names := range files {
		dir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for _, n := range names {
			require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("img"), 0o644))
		}
	}
	loader, err := dataset.NewLoader(config.DatasetConfig{TestDir: root, Classes: []string{"cat", "dog"}, Extensions: []string{".jpg"}}, 0, nil)
	require.NoError(t, err)
	e := New(prefixPredictor{}, loader, config.EvaluationConfig{}, sinks, nil)
	e.now = func() time.Time { return at }
	return e
}

func TestEvaluatePerClassAccuracy(t *testing.T) {
	preds := []models.Prediction{
		{PredictedClass: "cat", Confidence: 0.9},
		{PredictedClass: "dog", Confidence: 0.8},
		{PredictedClass: "dog", Confidence: 0.7},
	}

	summary, err := Evaluate(preds, []string{"cat", "cat", "dog"}, at)
	require.NoError(t, err)

	assert.InDelta(t, 2.0/3.0, summary.OverallAccuracy, 1e-9)
	assert.InDelta(t, 0.5, summary.ClassAccuracy["cat"], 1e-9)
	assert.InDelta(t, 1.0, summary.ClassAccuracy["dog"], 1e-9)
	assert.InDelta(t, 0.8, summary.AverageConfidence, 1e-9)
	assert.Equal(t, 2, summary.CorrectPredictions)
	assert.Equal(t, 2, summary.ClassTotal["cat"])
}

func TestEvaluateLengthMismatchIsDataError(t *testing.T) {
	_, err := Evaluate([]models.Prediction{{PredictedClass: "cat"}}, []string{"cat", "dog"}, at)

	var dataErr *models.DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Equal(t, 1, dataErr.Predictions)
	assert.Equal(t, 2, dataErr.Labels)
}

func TestRunSavesToEverySink(t *testing.T) {
	sink := &recordingSink{name: "memory"}
	e := newEvaluator(t, map[string][]string{
		"cat": {"cat.1.jpg", "dog.2.jpg"},
		"dog": {"dog.1.jpg"},
	}, sink)

	summary, err := e.Run(context.Background(), "", true)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalPredictions)
	assert.Equal(t, 2, summary.CorrectPredictions)
	require.Len(t, sink.saved, 1)
	assert.Equal(t, at, sink.saved[0].Timestamp)
}

func TestRunWithoutSaveSkipsSinks(t *testing.T) {
	sink := &recordingSink{name: "memory"}
	e := newEvaluator(t, map[string][]string{"cat": {"cat.1.jpg"}}, sink)

	_, err := e.Run(context.Background(), "", false)
	require.NoError(t, err)
	assert.Empty(t, sink.saved)
}

func TestRunDroppedRequestsAbortWithDataError(t *testing.T) {
	sink := &recordingSink{name: "memory"}
	e := newEvaluator(t, map[string][]string{"cat": {"cat.1.jpg", "broken.2.jpg"}}, sink)

	summary, err := e.Run(context.Background(), "", true)

	var dataErr *models.DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Equal(t, models.EvaluationSummary{}, summary)
	assert.Empty(t, sink.saved)
}

func TestRunNoImages(t *testing.T) {
	e := newEvaluator(t, map[string][]string{"cat": {}})
	_, err := e.Run(context.Background(), "", true)
	assert.ErrorIs(t, err, ErrNoImages)
}

func TestRunJoinsSinkErrors(t *testing.T) {
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", err: errors.New("bucket missing")}
	e := newEvaluator(t, map[string][]string{"dog": {"dog.1.jpg"}}, bad, good)

	summary, err := e.Run(context.Background(), "", true)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: bucket missing")
	assert.Equal(t, 1, summary.TotalPredictions)
	assert.Len(t, good.saved, 1)
}

func TestFileSinkWritesFlatDocument(t *testing.T) {
	out := filepath.Join(t.TempDir(), "reports", "post_deployment_evaluation.json")
	summary, err := Evaluate([]models.Prediction{{PredictedClass: "cat", Confidence: 0.9}}, []string{"cat"}, at)
	require.NoError(t, err)

	require.NoError(t, FileSink{Path: out}.Save(context.Background(), summary))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 1.0, doc["overall_accuracy"])
	assert.Equal(t, 1.0, doc["cat_accuracy"])
	assert.Equal(t, 1.0, doc["cat_total"])
}

func TestMarshalDocumentKeepsSummaryFieldsOnCollision(t *testing.T) {
	summary, err := Evaluate([]models.Prediction{
		{PredictedClass: "overall", Confidence: 0.9},
		{PredictedClass: "cat", Confidence: 0.8},
		{PredictedClass: "cat", Confidence: 0.7},
	}, []string{"overall", "overall", "cat"}, at)
	require.NoError(t, err)

	data, err := MarshalDocument(summary)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.InDelta(t, 2.0/3, doc["overall_accuracy"], 1e-9)
	assert.InDelta(t, 0.5, summary.ClassAccuracy["overall"], 1e-9)
	assert.Equal(t, 1.0, doc["overall_correct"])
	assert.Equal(t, 2.0, doc["overall_total"])
	assert.Equal(t, 1.0, doc["cat_accuracy"])
}

type capturingWriter struct {
	points []*write.Point
}

func (c *capturingWriter) WritePoint(ctx context.Context, point ...*write.Point) error {
	c.points = append(c.points, point...)
	return nil
}

func TestInfluxSinkWritesOverallAndClassPoints(t *testing.T) {
	w := &capturingWriter{}
	sink := &InfluxSink{writer: w, measurement: "post_deployment_evaluation"}
	summary, err := Evaluate([]models.Prediction{{PredictedClass: "cat"}, {PredictedClass: "cat"}}, []string{"cat", "dog"}, at)
	require.NoError(t, err)

	require.NoError(t, sink.Save(context.Background(), summary))

	require.Len(t, w.points, 3)
	assert.Equal(t, "post_deployment_evaluation", w.points[0].Name())
	assert.Equal(t, at, w.points[0].Time())
}

func TestNewS3SinkValidation(t *testing.T) {
	_, err := NewS3Sink(config.ArtifactConfig{Endpoint: "localhost:9000", Bucket: "evals"})
	assert.Error(t, err)

	sink, err := NewS3Sink(config.ArtifactConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "evals"})
	require.NoError(t, err)
	assert.Equal(t, "s3", sink.Name())
}

func TestObjectKey(t *testing.T) {
	summary := models.EvaluationSummary{Timestamp: at}
	assert.Equal(t, "evaluations/post_deployment_evaluation-20250601T120000Z.json", ObjectKey("/evaluations/", summary))
	assert.Equal(t, "post_deployment_evaluation-20250601T120000Z.json", ObjectKey("", summary))
}

func TestRenderSummary(t *testing.T) {
	summary, err := Evaluate([]models.Prediction{{PredictedClass: "cat", Confidence: 0.5}}, []string{"cat"}, at)
	require.NoError(t, err)
	out := RenderSummary(summary)
	assert.Contains(t, out, "Overall Accuracy: 100.00%")
	assert.Contains(t, out, "Cat Accuracy: 100.00% (1/1)")
}
