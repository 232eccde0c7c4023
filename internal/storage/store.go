package storage

import (
	"context"

	"ventsim/internal/model"
)

// Store defines persistence for simulation runs and service model snapshots.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	// ListRuns returns runs newest first; limit <= 0 returns all.
	ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error)
	SaveModel(ctx context.Context, snapshot model.ModelSnapshot) error
	GetModel(ctx context.Context, id string) (model.ModelSnapshot, bool, error)
	LatestModel(ctx context.Context) (model.ModelSnapshot, bool, error)
	Reset(ctx context.Context) error
}
