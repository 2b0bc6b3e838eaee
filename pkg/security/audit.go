package security

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultAuditSize = 10000
	meterName        = "github.com/dukex/agentflow/pkg/security"
)

// AuditSink persists audit entries outside the in-memory ring.
type AuditSink interface {
	WriteAudit(ctx context.Context, entry models.AuditEntry) error
}

// StoreSink writes entries to the audit collection of a store.
type StoreSink struct {
	Store persistence.Store
}

// AuditPruner is implemented by sinks whose persisted entries follow the
// ring: entries evicted from memory are deleted from the sink too.
type AuditPruner interface {
	DeleteAudit(ctx context.Context, id string) error
	PruneAudit(ctx context.Context, keep int) (int, error)
}

func (s StoreSink) WriteAudit(ctx context.Context, entry models.AuditEntry) error {
	return persistence.PutJSON(ctx, s.Store, persistence.CollectionAudit, entry.ID, entry)
}

func (s StoreSink) DeleteAudit(ctx context.Context, id string) error {
	return s.Store.Delete(ctx, persistence.CollectionAudit, id)
}

// PruneAudit deletes all but the keep newest persisted entries and returns
// how many were removed.
func (s StoreSink) PruneAudit(ctx context.Context, keep int) (int, error) {
	entries, err := persistence.ListJSON[models.AuditEntry](ctx, s.Store, persistence.CollectionAudit)
	if err != nil {
		return 0, err
	}

	if len(entries) <= keep {
		return 0, nil
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })

	stale := entries[:len(entries)-keep]
	for _, entry := range stale {
		if err := s.DeleteAudit(ctx, entry.ID); err != nil {
			return 0, err
		}
	}

	return len(stale), nil
}

// AuditFilter selects entries returned by AuditLog.Entries. Limit keeps the
// most recent matches.
type AuditFilter struct {
	Principal string
	Action    string
	Allowed   *bool
	Since     time.Time
	Limit     int
}

// AuditLog is a bounded, append-only ring of decisions. Oldest entries are
// dropped first.
type AuditLog struct {
	mu      sync.RWMutex
	entries []models.AuditEntry
	next    int
	full    bool

	sink     AuditSink
	logger   *slog.Logger
	failures metric.Int64Counter
	failed   atomic.Int64
}

// NewAuditLog creates a ring holding up to capacity entries.
func NewAuditLog(capacity int, sink AuditSink, logger *slog.Logger) *AuditLog {
	if capacity <= 0 {
		capacity = defaultAuditSize
	}

	counter, err := otel.Meter(meterName).Int64Counter(
		"agentflow.security.audit_write_failures",
		metric.WithDescription("Audit entries that could not be written to the audit sink"),
	)
	if err != nil {
		logger.Warn("Failed to create audit failure counter", "error", err)
	}

	return &AuditLog{
		entries:  make([]models.AuditEntry, capacity),
		sink:     sink,
		logger:   logger,
		failures: counter,
	}
}

// Append records entry. Sink errors are never returned.
func (a *AuditLog) Append(ctx context.Context, entry models.AuditEntry) models.AuditEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	a.mu.Lock()
	var evicted string
	if a.full {
		evicted = a.entries[a.next].ID
	}

	a.entries[a.next] = entry
	a.next = (a.next + 1) % len(a.entries)

	if a.next == 0 {
		a.full = true
	}
	a.mu.Unlock()

	if a.sink != nil {
		if err := a.sink.WriteAudit(ctx, entry); err != nil {
			a.failed.Add(1)

			if a.failures != nil {
				a.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("action", entry.Action)))
			}

			a.logger.WarnContext(ctx, "Failed to write audit entry", "audit_id", entry.ID, "error", err)
		}
	}

	if pruner, ok := a.sink.(AuditPruner); ok && evicted != "" {
		if err := pruner.DeleteAudit(ctx, evicted); err != nil {
			a.logger.WarnContext(ctx, "Failed to prune audit entry", "audit_id", evicted, "error", err)
		}
	}

	return entry
}

// Prune trims the sink to the ring capacity. Sinks that cannot prune are
// left alone.
func (a *AuditLog) Prune(ctx context.Context) (int, error) {
	pruner, ok := a.sink.(AuditPruner)
	if !ok {
		return 0, nil
	}

	return pruner.PruneAudit(ctx, len(a.entries))
}

// WriteFailures returns how many sink writes failed.
func (a *AuditLog) WriteFailures() int64 {
	return a.failed.Load()
}

// Len returns the number of entries held.
func (a *AuditLog) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.full {
		return len(a.entries)
	}

	return a.next
}

// Entries returns matching entries, oldest first.
func (a *AuditLog) Entries(filter AuditFilter) []models.AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var ordered []models.AuditEntry
	if a.full {
		ordered = append(ordered, a.entries[a.next:]...)
	}

	ordered = append(ordered, a.entries[:a.next]...)

	out := make([]models.AuditEntry, 0, len(ordered))

	for _, entry := range ordered {
		if filter.Principal != "" && entry.Principal != filter.Principal {
			continue
		}

		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}

		if filter.Allowed != nil && entry.Allowed != *filter.Allowed {
			continue
		}

		if !filter.Since.IsZero() && entry.Timestamp.Before(filter.Since) {
			continue
		}

		out = append(out, entry)
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}

	return out
}
