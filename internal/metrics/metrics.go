package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful commands.
	OutcomeSuccess = "success"
	// OutcomeError labels failed commands.
	OutcomeError = "error"
)

var (
	deploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_rollout",
			Name:      "deployments_total",
			Help:      "Deploy invocations partitioned by plan kind and terminal status.",
		},
		[]string{"kind", "status"},
	)

	deploySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_rollout",
			Name:      "deploy_seconds",
			Help:      "Wall time of deploy invocations in seconds.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 900},
		},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_rollout",
			Name:      "commands_total",
			Help:      "External provisioning commands executed, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	healthPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_rollout",
			Name:      "health_polls_total",
			Help:      "Health gate polls partitioned by result.",
		},
		[]string{"result"},
	)

	smokeProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_rollout",
			Name:      "smoke_probes_total",
			Help:      "Smoke probe results partitioned by probe and status.",
		},
		[]string{"probe", "status"},
	)

	predictionsLoggedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_rollout",
			Name:      "predictions_logged_total",
			Help:      "Prediction records appended to the log.",
		},
		[]string{"labeled"},
	)

	accuracyPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mirador_rollout",
			Name:      "performance_accuracy_percent",
			Help:      "Accuracy of labeled predictions by window (overall, recent).",
		},
		[]string{"window"},
	)

	driftPoints = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_rollout",
			Name:      "drift_percentage_points",
			Help:      "Overall minus recent accuracy at the last drift check.",
		},
	)

	driftDetected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_rollout",
			Name:      "drift_detected",
			Help:      "1 when the last drift check flagged degradation.",
		},
	)

	evaluationAccuracy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_rollout",
			Name:      "evaluation_accuracy_ratio",
			Help:      "Overall accuracy of the last post-deployment evaluation.",
		},
	)

	inferenceRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirador_rollout",
			Name:      "inference_request_seconds",
			Help:      "Latency of calls to the inference service.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"endpoint"},
	)
)

// Register attaches mirador-rollout collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		deploymentsTotal,
		deploySeconds,
		commandsTotal,
		healthPollsTotal,
		smokeProbesTotal,
		predictionsLoggedTotal,
		accuracyPercent,
		driftPoints,
		driftDetected,
		evaluationAccuracy,
		inferenceRequestSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveDeploy records a finished deploy.
func ObserveDeploy(kind, status string, duration time.Duration) {
	deploymentsTotal.WithLabelValues(kind, status).Inc()
	if duration < 0 {
		duration = 0
	}
	deploySeconds.Observe(duration.Seconds())
}

// ObserveCommand records one external command outcome.
func ObserveCommand(success bool) {
	label := OutcomeError
	if success {
		label = OutcomeSuccess
	}
	commandsTotal.WithLabelValues(label).Inc()
}

// ObserveHealthPoll records one health gate poll.
func ObserveHealthPoll(healthy bool) {
	label := "unhealthy"
	if healthy {
		label = "healthy"
	}
	healthPollsTotal.WithLabelValues(label).Inc()
}

// ObserveProbe records one smoke probe result.
func ObserveProbe(probe, status string) {
	smokeProbesTotal.WithLabelValues(probe, status).Inc()
}

// ObservePredictionLogged counts an appended record.
func ObservePredictionLogged(labeled bool) {
	label := "false"
	if labeled {
		label = "true"
	}
	predictionsLoggedTotal.WithLabelValues(label).Inc()
}

// SetAccuracy publishes overall and recent accuracy percentages.
func SetAccuracy(overall, recent float64) {
	accuracyPercent.WithLabelValues("overall").Set(overall)
	accuracyPercent.WithLabelValues("recent").Set(recent)
}

// SetDrift publishes the last drift computation.
func SetDrift(points float64, flagged bool) {
	driftPoints.Set(points)
	if flagged {
		driftDetected.Set(1)
		return
	}
	driftDetected.Set(0)
}

// SetEvaluationAccuracy publishes the last evaluation accuracy ratio.
func SetEvaluationAccuracy(ratio float64) {
	evaluationAccuracy.Set(ratio)
}

// ObserveInferenceRequest records latency of one inference service call.
func ObserveInferenceRequest(endpoint string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	inferenceRequestSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}
