package realtime

import (
	"encoding/json"

	"github.com/matheus3301/leadsync/internal/entitystore"
	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/matheus3301/leadsync/internal/metrics"
	"go.uber.org/zap"
)

// ReconcileOptions tunes Reconcile.
type ReconcileOptions[T any] struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// OnInsert is called after a genuinely new record was inserted.
	OnInsert func(T)
}

// Reconcile returns a handler that merges changes into store:
//
//   - INSERT is skipped when the identity is already present, which is how an
//     optimistic local write absorbs its own feed echo.
//   - UPDATE upserts unconditionally.
//   - DELETE removes by identity; removing an absent record is a no-op.
func Reconcile[T any](store *entitystore.Store[T], opts ReconcileOptions[T]) Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c feed.Change) {
		var row T
		if err := json.Unmarshal(c.Row(), &row); err != nil {
			logger.Warn("drop undecodable feed row", zap.String("table", c.Table), zap.String("kind", string(c.Kind)), zap.Error(err))
			if opts.Metrics != nil {
				opts.Metrics.FeedDecodeErrors.WithLabelValues(c.Table).Inc()
			}
			return
		}
		id := store.ID(row)
		if id == "" {
			logger.Warn("drop feed row without id", zap.String("table", c.Table))
			return
		}

		switch c.Kind {
		case feed.Insert:
			if !store.InsertIfAbsent(row) {
				logger.Debug("feed insert deduped", zap.String("table", c.Table), zap.String("id", id))
				if opts.Metrics != nil {
					opts.Metrics.FeedDeduped.WithLabelValues(c.Table).Inc()
				}
				return
			}
			if opts.OnInsert != nil {
				opts.OnInsert(row)
			}
		case feed.Update:
			store.Upsert(row)
		case feed.Delete:
			store.Remove(id)
		default:
			logger.Warn("unknown feed change kind", zap.String("kind", string(c.Kind)))
		}
	}
}
