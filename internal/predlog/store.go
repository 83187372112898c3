package predlog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-rollout/internal/config"
	"github.com/miradorstack/mirador-rollout/internal/models"
)

// Store is an append-only prediction log. All returns records in append order.
type Store interface {
	Append(ctx context.Context, rec models.PredictionRecord) (models.PredictionRecord, error)
	All(ctx context.Context) ([]models.PredictionRecord, error)
	Close() error
}

// Open returns the backend selected by cfg.Backend.
func Open(cfg config.PredictionsConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return OpenFileStore(cfg.Path, cfg.SyncWrites, logger)
	case "badger":
		return OpenBadgerStore(BadgerOptions{Path: cfg.Path, SyncWrites: cfg.SyncWrites, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown prediction log backend %q", cfg.Backend)
	}
}

// ensureID assigns a time ordered id to records that do not carry one yet.
func ensureID(rec models.PredictionRecord) (models.PredictionRecord, error) {
	if rec.ID != "" {
		return rec, nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return rec, fmt.Errorf("generate record id: %w", err)
	}
	rec.ID = id.String()
	return rec, nil
}
