package store

import (
	"context"
	"errors"

	"github.com/phpx-sh/phpxd/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists the operational event journal: worker lifecycle, crashes,
// crash-loop alerts, reloads. It is an observability channel, never in the
// request path.
type Store interface {
	RecordEvent(ctx context.Context, e *model.Event) error
	ListEvents(ctx context.Context, limit int) ([]*model.Event, error)
	CountEventsByType(ctx context.Context) (map[string]int, error)
	Close() error
}
