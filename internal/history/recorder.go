package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/sendguard/sendguard/internal/idgen"
)

// Recorder appends entries with generated IDs and timestamps. Recording is
// best-effort: a store failure is logged and never propagated to the
// operation that produced the activity.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a recorder over store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record fills in ID and CreatedAt and appends the entry.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	e.ID = idgen.WithPrefix("act_")
	e.CreatedAt = time.Now()
	if err := r.store.Append(ctx, &e); err != nil {
		r.logger.Warn("activity record failed",
			"kind", e.Kind,
			"principal", e.Principal,
			"error", err,
		)
	}
}
