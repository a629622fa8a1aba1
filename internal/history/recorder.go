package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/softkeel/askrelay/internal/metrics"
)

const defaultWriteTimeout = 5 * time.Second

// Recorder performs best-effort history writes.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration
}

// NewRecorder creates a recorder backed by the given store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		logger:  logger,
		timeout: defaultWriteTimeout,
	}
}

// Record persists one completed response. Failures are logged and swallowed;
// the user-facing request never fails because persistence did.
// The write runs on a fresh context so a client disconnect after stream
// completion does not abort it.
func (r *Recorder) Record(userID *string, model, query, response string) {
	rec := &Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		Model:     model,
		Query:     query,
		Response:  response,
		CreatedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.Insert(ctx, rec); err != nil {
		metrics.HistoryWriteFailures.Inc()
		r.logger.Error("failed to save history record", "model", model, "error", err)
	}
}
