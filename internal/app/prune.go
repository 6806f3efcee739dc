package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/showdisk-qualifier/internal/domain"
)

// RetentionPruner periodically removes terminal test records beyond the
// configured retention window.
type RetentionPruner struct {
	store     domain.StateStore
	retention time.Duration
	interval  time.Duration
}

func NewRetentionPruner(store domain.StateStore, retentionDays int, interval time.Duration) *RetentionPruner {
	if store == nil {
		return nil
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionPruner{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
	}
}

// Run blocks until ctx is cancelled, pruning once immediately and then on
// every tick.
func (p *RetentionPruner) Run(ctx context.Context) {
	if p == nil {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pruneOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention pruner stopping")
			return
		case <-ticker.C:
			p.pruneOnce(ctx)
		}
	}
}

func (p *RetentionPruner) pruneOnce(ctx context.Context) {
	n, err := p.store.Prune(ctx, p.retention)
	if err != nil {
		slog.Error("retention prune failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		slog.Info("retention prune", slog.Int64("removed", n))
	}
}
