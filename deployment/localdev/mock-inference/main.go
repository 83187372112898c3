package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-rollout/internal/models"
	"github.com/miradorstack/mirador-rollout/internal/utils"
)

// mockInference stands in for the served classifier during local runs. It labels
// uploads by file name prefix and falls back to a stable hash of the name.
type mockInference struct {
	classes  []string
	requests atomic.Int64
	started  time.Time
	warmUp   time.Duration
}

func main() {
	addr := flag.String("addr", ":8000", "Listen address")
	warmUp := flag.Duration("warm-up", 0, "Report the model as not loaded for this long after start")
	flag.Parse()

	logger := utils.NewLogger(os.Getenv("LOG_LEVEL"), false).With(slog.String("component", "inference-mock"))
	m := &mockInference{classes: []string{"cat", "dog"}, started: time.Now(), warmUp: *warmUp}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, m.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("listening", slog.String("address", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func (m *mockInference) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", m.health)
	mux.HandleFunc("POST /predict", m.predict)
	mux.HandleFunc("GET /metrics", m.metrics)
	return mux
}

func (m *mockInference) health(w http.ResponseWriter, _ *http.Request) {
	loaded := time.Since(m.started) >= m.warmUp
	status := "healthy"
	if !loaded {
		status = "loading"
	}
	writeJSON(w, models.HealthStatus{Status: status, ModelLoaded: loaded})
}

func (m *mockInference) predict(w http.ResponseWriter, r *http.Request) {
	_, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "multipart field \"file\" is required", http.StatusBadRequest)
		return
	}
	m.requests.Add(1)

	class := m.classify(header.Filename)
	probs := make(map[string]float64, len(m.classes))
	for _, c := range m.classes {
		probs[c] = 0.15 / float64(len(m.classes)-1)
	}
	probs[class] = 0.85
	writeJSON(w, models.Prediction{PredictedClass: class, Confidence: 0.85, Probabilities: probs})
}

func (m *mockInference) classify(filename string) string {
	name := strings.ToLower(filename)
	for _, c := range m.classes {
		if strings.HasPrefix(name, c) {
			return c
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return m.classes[h.Sum32()%uint32(len(m.classes))]
}

func (m *mockInference) metrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintln(w, "# HELP inference_requests_total Prediction requests served.")
	fmt.Fprintln(w, "# TYPE inference_requests_total counter")
	fmt.Fprintf(w, "inference_requests_total %d\n", m.requests.Load())
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", slog.Any("error", err))
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.Duration("duration", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
