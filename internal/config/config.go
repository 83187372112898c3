package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config captures every setting needed by the rollout and monitoring commands.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Inference   InferenceConfig   `yaml:"inference"`
	Deploy      DeployConfig      `yaml:"deploy"`
	Health      HealthConfig      `yaml:"health"`
	Smoke       SmokeConfig       `yaml:"smoke"`
	Predictions PredictionsConfig `yaml:"predictions"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Evaluation  EvaluationConfig  `yaml:"evaluation"`
	Cache       CacheConfig       `yaml:"cache"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig controls the HTTP API and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
}

// InferenceConfig points at the served inference endpoint.
type InferenceConfig struct {
	BaseURL     string        `yaml:"baseURL" validate:"required,url"`
	HealthPath  string        `yaml:"healthPath"`
	PredictPath string        `yaml:"predictPath"`
	MetricsPath string        `yaml:"metricsPath"`
	UploadField string        `yaml:"uploadField"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
}

// DeployConfig holds the provisioning plans.
type DeployConfig struct {
	DefaultKind string                `yaml:"defaultKind"`
	WorkDir     string                `yaml:"workDir"`
	RulesPath   string                `yaml:"rulesPath"`
	Plans       map[string]PlanConfig `yaml:"plans" validate:"dive"`
}

// PlanConfig is one deployment target's ordered commands and teardown.
type PlanConfig struct {
	Commands []string `yaml:"commands" validate:"min=1,dive,required"`
	Teardown string   `yaml:"teardown" validate:"required"`
}

// HealthConfig controls the post-deploy health gate.
type HealthConfig struct {
	MaxWait        time.Duration `yaml:"maxWait" validate:"gt=0"`
	Interval       time.Duration `yaml:"interval" validate:"gt=0"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// SmokeConfig controls the post-deploy verification suite.
type SmokeConfig struct {
	WarmUp         time.Duration   `yaml:"warmUp"`
	ImagePath      string          `yaml:"imagePath"`
	MetricsToken   string          `yaml:"metricsToken" validate:"required"`
	ServiceTimeout time.Duration   `yaml:"serviceTimeout"`
	Services       []ServiceConfig `yaml:"services" validate:"dive"`
}

// ServiceConfig is an auxiliary dashboard or tracking service probed after deploy.
type ServiceConfig struct {
	Name     string `yaml:"name" validate:"required"`
	URL      string `yaml:"url" validate:"required,url"`
	Required bool   `yaml:"required"`
}

// PredictionsConfig selects the prediction log backend.
type PredictionsConfig struct {
	Backend      string `yaml:"backend" validate:"oneof=file badger"`
	Path         string `yaml:"path" validate:"required"`
	DocumentPath string `yaml:"documentPath"`
	SyncWrites   bool   `yaml:"syncWrites"`
}

// DatasetConfig describes a labeled image directory tree.
type DatasetConfig struct {
	TestDir    string   `yaml:"testDir"`
	Classes    []string `yaml:"classes" validate:"min=1,dive,required"`
	Extensions []string `yaml:"extensions"`
}

// MonitorConfig controls online performance monitoring and drift detection.
type MonitorConfig struct {
	Dataset         DatasetConfig `yaml:"dataset"`
	SamplesPerClass int           `yaml:"samplesPerClass" validate:"gte=0"`
	Throttle        time.Duration `yaml:"throttle"`
	Concurrency     int           `yaml:"concurrency" validate:"gte=0"`
	RecentWindow    time.Duration `yaml:"recentWindow" validate:"gt=0"`
	DriftThreshold  float64       `yaml:"driftThreshold" validate:"gte=0"`
	Interval        time.Duration `yaml:"interval"`
	ImageCacheSize  int           `yaml:"imageCacheSize"`
	LockKey         string        `yaml:"lockKey"`
	LockTTL         time.Duration `yaml:"lockTTL"`
}

// EvaluationConfig controls the one-shot post-deployment evaluation.
type EvaluationConfig struct {
	Dataset     DatasetConfig  `yaml:"dataset"`
	Throttle    time.Duration  `yaml:"throttle"`
	Concurrency int            `yaml:"concurrency" validate:"gte=0"`
	Output      string         `yaml:"output"`
	Influx      InfluxConfig   `yaml:"influx"`
	Artifacts   ArtifactConfig `yaml:"artifacts"`
}

// InfluxConfig configures publishing evaluation summaries as time series points.
type InfluxConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url" validate:"required_if=Enabled true"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// ArtifactConfig configures S3-compatible storage for evaluation documents.
type ArtifactConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint" validate:"required_if=Enabled true"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"useSSL"`
}

// CacheConfig controls the Valkey connection used for scheduling leases.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr" validate:"required_if=Enabled true"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Tracing     bool   `yaml:"tracing"`
	ServiceName string `yaml:"serviceName"`
}

// Load initialises Config from a YAML file, an optional .env file and environment overrides.
func Load(path string) (*Config, error) {
	// A missing .env is the common case outside local development.
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("ROLLOUT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading files or the environment.
func Default() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Validate checks struct constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, ok := cfg.Deploy.Plans[cfg.Deploy.DefaultKind]; cfg.Deploy.DefaultKind != "" && !ok {
		return fmt.Errorf("invalid config: default deploy kind %q has no plan", cfg.Deploy.DefaultKind)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8090",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Inference: InferenceConfig{
			BaseURL:     "http://localhost:8000",
			HealthPath:  "/health",
			PredictPath: "/predict",
			MetricsPath: "/metrics",
			UploadField: "file",
			Timeout:     30 * time.Second,
		},
		Deploy: DeployConfig{
			DefaultKind: "compose",
			WorkDir:     ".",
			Plans: map[string]PlanConfig{
				"compose": {
					Commands: []string{
						"docker-compose down",
						"docker-compose build --no-cache",
						"docker-compose up -d",
					},
					Teardown: "docker-compose down",
				},
				"cluster": {
					Commands: []string{
						"kubectl apply -f k8s/",
						"kubectl rollout status deployment/cats-dogs-inference",
						"kubectl get services",
					},
					Teardown: "kubectl rollout undo deployment/cats-dogs-inference",
				},
			},
		},
		Health: HealthConfig{
			MaxWait:        300 * time.Second,
			Interval:       10 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Smoke: SmokeConfig{
			WarmUp:         10 * time.Second,
			ImagePath:      "test_image_smoke.jpg",
			MetricsToken:   "inference_requests_total",
			ServiceTimeout: 5 * time.Second,
			Services: []ServiceConfig{
				{Name: "Grafana", URL: "http://localhost:3000", Required: true},
				{Name: "Prometheus", URL: "http://localhost:9090", Required: true},
				{Name: "MLflow", URL: "http://localhost:5000", Required: false},
			},
		},
		Predictions: PredictionsConfig{
			Backend:      "file",
			Path:         "model_performance.jsonl",
			DocumentPath: "model_performance.json",
			SyncWrites:   true,
		},
		Monitor: MonitorConfig{
			Dataset:         defaultDataset(),
			SamplesPerClass: 5,
			Throttle:        500 * time.Millisecond,
			Concurrency:     1,
			RecentWindow:    24 * time.Hour,
			DriftThreshold:  5.0,
			Interval:        time.Hour,
			ImageCacheSize:  128,
			LockKey:         "mirador-rollout:monitor",
			LockTTL:         10 * time.Minute,
		},
		Evaluation: EvaluationConfig{
			Dataset:     defaultDataset(),
			Throttle:    0,
			Concurrency: 1,
			Output:      "post_deployment_evaluation.json",
			Influx: InfluxConfig{
				Org:         "mirador",
				Bucket:      "model-evaluations",
				Measurement: "post_deployment_evaluation",
			},
			Artifacts: ArtifactConfig{
				Region: "us-east-1",
				Bucket: "model-evaluations",
				Prefix: "evaluations",
			},
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Telemetry: TelemetryConfig{ServiceName: "mirador-rollout"},
	}
}

func defaultDataset() DatasetConfig {
	return DatasetConfig{
		TestDir:    "data/processed/test",
		Classes:    []string{"cat", "dog"},
		Extensions: []string{".jpg"},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ROLLOUT_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("ROLLOUT_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("ROLLOUT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ROLLOUT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("ROLLOUT_API_URL"); v != "" {
		cfg.Inference.BaseURL = v
	}
	if v := os.Getenv("ROLLOUT_INFERENCE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Inference.Timeout = d
		}
	}
	if v := os.Getenv("ROLLOUT_DEPLOY_KIND"); v != "" {
		cfg.Deploy.DefaultKind = v
	}
	if v := os.Getenv("ROLLOUT_DEPLOY_WORKDIR"); v != "" {
		cfg.Deploy.WorkDir = v
	}
	if v := os.Getenv("ROLLOUT_DEPLOY_RULES"); v != "" {
		cfg.Deploy.RulesPath = v
	}
	if v := os.Getenv("ROLLOUT_HEALTH_MAX_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Health.MaxWait = d
		}
	}
	if v := os.Getenv("ROLLOUT_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Health.Interval = d
		}
	}
	if v := os.Getenv("ROLLOUT_SMOKE_WARMUP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Smoke.WarmUp = d
		}
	}
	if v := os.Getenv("ROLLOUT_PREDICTIONS_BACKEND"); v != "" {
		cfg.Predictions.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("ROLLOUT_PREDICTIONS_PATH"); v != "" {
		cfg.Predictions.Path = v
	}
	if v := os.Getenv("ROLLOUT_TEST_DIR"); v != "" {
		cfg.Monitor.Dataset.TestDir = v
		cfg.Evaluation.Dataset.TestDir = v
	}
	if v := os.Getenv("ROLLOUT_DRIFT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Monitor.DriftThreshold = f
		}
	}
	if v := os.Getenv("ROLLOUT_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.Interval = d
		}
	}
	if v := os.Getenv("INFLUXDB_URL"); v != "" {
		cfg.Evaluation.Influx.URL = v
		cfg.Evaluation.Influx.Enabled = true
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		cfg.Evaluation.Influx.Token = v
	}
	if v := os.Getenv("INFLUXDB_ORG"); v != "" {
		cfg.Evaluation.Influx.Org = v
	}
	if v := os.Getenv("INFLUXDB_BUCKET"); v != "" {
		cfg.Evaluation.Influx.Bucket = v
	}
	if v := os.Getenv("ROLLOUT_ARTIFACT_S3_ENDPOINT"); v != "" {
		cfg.Evaluation.Artifacts.Endpoint = v
		cfg.Evaluation.Artifacts.Enabled = true
	}
	if v := os.Getenv("ROLLOUT_ARTIFACT_S3_ACCESS_KEY"); v != "" {
		cfg.Evaluation.Artifacts.AccessKey = v
	}
	if v := os.Getenv("ROLLOUT_ARTIFACT_S3_SECRET_KEY"); v != "" {
		cfg.Evaluation.Artifacts.SecretKey = v
	}
	if v := os.Getenv("ROLLOUT_ARTIFACT_S3_BUCKET"); v != "" {
		cfg.Evaluation.Artifacts.Bucket = v
	}
	if v := os.Getenv("ROLLOUT_ARTIFACT_S3_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Evaluation.Artifacts.UseSSL = b
		}
	}
	if v := os.Getenv("ROLLOUT_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("ROLLOUT_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("ROLLOUT_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("ROLLOUT_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("ROLLOUT_TRACING"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Telemetry.Tracing = true
	}
}
