package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/metahook/pkg/engine"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ModuleRecord is the persisted form of an installed module.
type ModuleRecord struct {
	ID          engine.ModuleID       `json:"id"`
	Name        string                `json:"name"`
	Version     string                `json:"version"`
	State       engine.LifecycleState `json:"state"`
	Manifest    []byte                `json:"-"`
	InstalledAt time.Time             `json:"installed_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// EventRecord is one persisted lifecycle event.
type EventRecord struct {
	ID        string           `json:"id"`
	Module    engine.ModuleID  `json:"module_id"`
	Type      engine.EventType `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
}

// EventFilter selects lifecycle events.
type EventFilter struct {
	// Module restricts results to one module when non-zero.
	Module engine.ModuleID

	// Limit keeps only the most recent events when positive.
	Limit int
}

// EventAppender appends lifecycle events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event engine.LifecycleEvent) (*EventRecord, error)
}
