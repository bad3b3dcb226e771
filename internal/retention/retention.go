// Package retention expires learners who have been idle longer than the
// storage TTL, together with their stored plans, transcripts and enrollments.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/capycode/internal/shared"
	"github.com/ashureev/capycode/internal/store"
)

// DefaultInterval is how often the worker sweeps.
const DefaultInterval = 5 * time.Minute

const (
	deleteRetries    = 3
	deleteRetryDelay = 100 * time.Millisecond
)

// CleanupCallback is called after a learner is removed by the worker.
type CleanupCallback func(userID string)

// StartWorker runs a background goroutine that periodically removes idle
// learners until ctx is cancelled.
func StartWorker(ctx context.Context, repo store.Repository, ttl, interval time.Duration, onCleanup CleanupCallback) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if _, err := Sweep(ctx, repo, ttl, onCleanup); err != nil {
					slog.Error("Retention sweep failed", "error", err)
				}
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep removes every learner idle for longer than ttl and returns how many
// were removed. onCleanup runs before the learner's data is deleted so open
// sessions can be closed first.
func Sweep(ctx context.Context, repo store.Repository, ttl time.Duration, onCleanup CleanupCallback) (int, error) {
	idle, err := repo.GetIdleUsers(ctx, ttl)
	if err != nil {
		return 0, err
	}
	if len(idle) == 0 {
		return 0, nil
	}

	slog.Info("Retention worker found idle learners", "count", len(idle))

	removed := 0
	for _, user := range idle {
		if onCleanup != nil {
			onCleanup(user.UserID)
		}

		err := shared.RetryOnConflict(ctx, "delete_user", deleteRetries, deleteRetryDelay, func() error {
			return repo.DeleteUser(ctx, user.UserID)
		})
		if err != nil {
			slog.Warn("Retention worker failed to delete learner", "error", err, "user_id", user.UserID)
			continue
		}
		removed++
	}

	slog.Info("Retention sweep completed", "removed", removed)
	return removed, nil
}
