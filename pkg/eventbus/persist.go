package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

func eventKey(offset int64) string {
	return fmt.Sprintf("%020d", offset)
}

// Load restores the persisted history and continues its offsets.
func (b *Bus) Load(ctx context.Context) (int, error) {
	if b.store == nil {
		return 0, nil
	}

	stored, err := persistence.ListJSON[events.Event](ctx, b.store, persistence.CollectionEvents)
	if err != nil {
		return 0, fmt.Errorf("failed to load events: %w", err)
	}

	if len(stored) == 0 {
		return 0, nil
	}

	sort.Slice(stored, func(i, j int) bool { return stored[i].Offset < stored[j].Offset })

	b.persistMu.Lock()
	defer b.persistMu.Unlock()

	b.floor = stored[0].Offset

	if len(stored) > b.capacity {
		stored = stored[len(stored)-b.capacity:]
	}

	history := make([]events.Event, 0, len(stored))
	for _, event := range stored {
		history = append(history, *event)
	}

	last := history[len(history)-1].Offset

	b.mu.Lock()
	b.history = history
	b.nextOffset = last + 1
	b.mu.Unlock()

	b.flushed = last

	b.logger.InfoContext(ctx, "Event history loaded", "events", len(history), "next_offset", last+1)

	return len(history), nil
}

// Flush persists events published since the last flush and deletes
// persisted events that fell out of the history.
func (b *Bus) Flush(ctx context.Context) error {
	if b.store == nil {
		return nil
	}

	b.persistMu.Lock()
	defer b.persistMu.Unlock()

	b.mu.RLock()
	window := b.window()

	var (
		pending []events.Event
		oldest  int64
	)

	if len(window) > 0 {
		oldest = window[0].Offset
	}

	for _, event := range window {
		if event.Offset > b.flushed {
			pending = append(pending, event)
		}
	}
	b.mu.RUnlock()

	for _, event := range pending {
		err := persistence.PutJSON(ctx, b.store, persistence.CollectionEvents, eventKey(event.Offset), event)
		if err != nil {
			return fmt.Errorf("failed to persist event %d: %w", event.Offset, err)
		}

		b.flushed = event.Offset
	}

	var errs []error

	for offset := b.floor; offset < oldest; offset++ {
		err := b.store.Delete(ctx, persistence.CollectionEvents, eventKey(offset))
		if err != nil && !persistence.IsNotFound(err) {
			errs = append(errs, err)
		}
	}

	if oldest > b.floor {
		b.floor = oldest
	}

	if len(pending) > 0 {
		b.logger.DebugContext(ctx, "Event history flushed", "events", len(pending), "flushed_offset", b.flushed)
	}

	return errors.Join(errs...)
}

// StartFlusher flushes the history every interval until Stop.
func (b *Bus) StartFlusher(ctx context.Context, interval time.Duration) error {
	b.cronMu.Lock()
	defer b.cronMu.Unlock()

	if b.scheduler != nil {
		return nil
	}

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger), cron.Recover(cron.DefaultLogger)))

	_, err := scheduler.AddFunc("@every "+interval.String(), func() {
		if err := b.Flush(ctx); err != nil {
			b.logger.ErrorContext(ctx, "Failed to flush event history", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule event flusher: %w", err)
	}

	scheduler.Start()
	b.scheduler = scheduler

	b.logger.InfoContext(ctx, "Event flusher started", "interval", interval)

	return nil
}

// Stop halts the flusher and writes what is left.
func (b *Bus) Stop(ctx context.Context) error {
	b.cronMu.Lock()
	scheduler := b.scheduler
	b.scheduler = nil
	b.cronMu.Unlock()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}

	return b.Flush(ctx)
}
