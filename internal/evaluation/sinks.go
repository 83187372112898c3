package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/miradorstack/mirador-rollout/internal/config"
	"github.com/miradorstack/mirador-rollout/internal/models"
)

// Sink persists an evaluation summary.
type Sink interface {
	Name() string
	Save(ctx context.Context, summary models.EvaluationSummary) error
}

// SinksFromConfig builds the file sink plus any enabled remote sinks.
func SinksFromConfig(cfg config.EvaluationConfig) ([]Sink, error) {
	var sinks []Sink
	if cfg.Output != "" {
		sinks = append(sinks, FileSink{Path: cfg.Output})
	}
	if cfg.Influx.Enabled {
		sinks = append(sinks, NewInfluxSink(cfg.Influx))
	}
	if cfg.Artifacts.Enabled {
		s3, err := NewS3Sink(cfg.Artifacts)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s3)
	}
	return sinks, nil
}

// FileSink writes the summary as a flat JSON document.
type FileSink struct {
	Path string
}

func (f FileSink) Name() string { return "file" }

// Save writes the document, keeping the per-class flat keys older dashboards read.
func (f FileSink) Save(_ context.Context, summary models.EvaluationSummary) error {
	data, err := MarshalDocument(summary)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	if err := os.WriteFile(f.Path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", f.Path, err)
	}
	return nil
}

// MarshalDocument renders the summary with <class>_accuracy, <class>_correct and
// <class>_total keys next to the nested maps. Summary fields win over class keys that
// collide with them, such as a class named "overall" or "class".
func MarshalDocument(summary models.EvaluationSummary) ([]byte, error) {
	doc := make(map[string]any, 8+3*len(summary.ClassTotal))
	for class, total := range summary.ClassTotal {
		doc[class+"_accuracy"] = summary.ClassAccuracy[class]
		doc[class+"_correct"] = summary.ClassCorrect[class]
		doc[class+"_total"] = total
	}
	doc["overall_accuracy"] = summary.OverallAccuracy
	doc["average_confidence"] = summary.AverageConfidence
	doc["total_predictions"] = summary.TotalPredictions
	doc["correct_predictions"] = summary.CorrectPredictions
	doc["class_accuracy"] = summary.ClassAccuracy
	doc["class_correct"] = summary.ClassCorrect
	doc["class_total"] = summary.ClassTotal
	doc["timestamp"] = summary.Timestamp
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal evaluation: %w", err)
	}
	return data, nil
}

// pointWriter is the blocking write surface of the InfluxDB client.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes one overall point and one point per class.
type InfluxSink struct {
	client      influxdb2.Client
	writer      pointWriter
	measurement string
}

// NewInfluxSink constructs a sink using a blocking write API.
func NewInfluxSink(cfg config.InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "post_deployment_evaluation"
	}
	return &InfluxSink{
		client:      client,
		writer:      client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: measurement,
	}
}

func (s *InfluxSink) Name() string { return "influxdb" }

// Save writes the points in one call.
func (s *InfluxSink) Save(ctx context.Context, summary models.EvaluationSummary) error {
	return s.writer.WritePoint(ctx, Points(s.measurement, summary)...)
}

// Close releases the client.
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// Points converts a summary into InfluxDB points.
func Points(measurement string, summary models.EvaluationSummary) []*write.Point {
	points := []*write.Point{
		influxdb2.NewPointWithMeasurement(measurement).
			AddTag("scope", "overall").
			AddField("accuracy", summary.OverallAccuracy).
			AddField("average_confidence", summary.AverageConfidence).
			AddField("total", summary.TotalPredictions).
			AddField("correct", summary.CorrectPredictions).
			SetTime(summary.Timestamp),
	}
	for class, total := range summary.ClassTotal {
		points = append(points, influxdb2.NewPointWithMeasurement(measurement).
			AddTag("scope", "class").
			AddTag("class", class).
			AddField("accuracy", summary.ClassAccuracy[class]).
			AddField("total", total).
			AddField("correct", summary.ClassCorrect[class]).
			SetTime(summary.Timestamp))
	}
	return points
}

// S3Sink uploads the summary document to S3-compatible object storage.
type S3Sink struct {
	client   *minio.Client
	bucket   string
	region   string
	prefix   string
	initOnce sync.Once
	initErr  error
}

// NewS3Sink validates the configuration and builds the client.
func NewS3Sink(cfg config.ArtifactConfig) (*S3Sink, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3Sink{client: client, bucket: bucket, region: region, prefix: cfg.Prefix}, nil
}

func (s *S3Sink) Name() string { return "s3" }

func (s *S3Sink) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

// Save uploads the document under <prefix>/<timestamp>.json.
func (s *S3Sink) Save(ctx context.Context, summary models.EvaluationSummary) error {
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	data, err := MarshalDocument(summary)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, ObjectKey(s.prefix, summary), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

// ObjectKey names the uploaded document.
func ObjectKey(prefix string, summary models.EvaluationSummary) string {
	name := "post_deployment_evaluation-" + summary.Timestamp.UTC().Format("20060102T150405Z") + ".json"
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
