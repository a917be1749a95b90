package offline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pdfhub-offline/internal/logger"
)

// Janitor deletes entries of the active primary cache whose capture time is
// older than the retention window. The runtime cache is never swept; pinned
// documents stay until they are unpinned or evicted by the disk budget.
type Janitor struct {
	store     *Store
	cacheName func() string
	retention time.Duration
	now       func() time.Time
	log       *zap.SugaredLogger
}

func NewJanitor(store *Store, cacheName func() string, retention time.Duration) *Janitor {
	return &Janitor{
		store:     store,
		cacheName: cacheName,
		retention: retention,
		now:       time.Now,
		log:       logger.With("component", "janitor"),
	}
}

// Sweep removes expired entries and returns how many were deleted. Entries
// without any usable capture time are treated as expired.
func (j *Janitor) Sweep() (int, error) {
	cache := j.cacheName()
	now := j.now()
	removed := 0
	for _, u := range j.store.Keys(cache) {
		ent, ok := j.store.Peek(cache, u)
		if !ok {
			continue
		}
		captured, ok := ent.CapturedAt()
		if ok && now.Sub(captured) <= j.retention {
			continue
		}
		if err := j.store.Delete(cache, u); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		j.log.Infof("swept %d expired entries from %s", removed, cache)
	}
	return removed, nil
}

// Run sweeps on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			if _, err := j.Sweep(); err != nil {
				j.log.Warnf("sweep failed: %v", err)
			}
		}
	}
}
