// Package retention expires stored analyses that were never consumed.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/Cybrite/project-amobagan/internal/store"
)

// DefaultInterval is how often the TTL worker sweeps.
const DefaultInterval = 5 * time.Minute

// Sweeper is the part of store.Repository the worker needs.
type Sweeper interface {
	CleanupAnalyses(ctx context.Context, ttl time.Duration) (int64, error)
}

var _ Sweeper = store.Repository(nil)

// RunTTLWorker sweeps unconsumed analyses older than ttl every interval
// until ctx is done. It always returns nil so it can run in an errgroup.
func RunTTLWorker(ctx context.Context, repo Sweeper, ttl, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

	for {
		select {
		case <-ticker.C:
			Sweep(ctx, repo, ttl)
		case <-ctx.Done():
			slog.Info("TTL worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs one cleanup pass and returns the number of analyses removed.
func Sweep(ctx context.Context, repo Sweeper, ttl time.Duration) int64 {
	deleted, err := repo.CleanupAnalyses(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("TTL worker: context canceled during cleanup", "error", err)
			return 0
		}
		slog.Error("TTL worker failed to cleanup analyses", "error", err)
		return 0
	}
	if deleted > 0 {
		slog.Info("TTL worker removed expired analyses", "count", deleted)
	}
	return deleted
}
