package ingest

import (
	"context"

	"github.com/lox/portfoliosync/internal/models"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	entityKey
)

func withRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

func withEntity(ctx context.Context, entity models.EntityType) context.Context {
	return context.WithValue(ctx, entityKey, entity)
}

// RunIDFromContext returns the id of the run a request belongs to.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// EntityFromContext returns the entity being synced when a request was made.
func EntityFromContext(ctx context.Context) models.EntityType {
	e, _ := ctx.Value(entityKey).(models.EntityType)
	return e
}
