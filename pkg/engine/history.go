package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// HistoryLog is the append-only audit trail of target source transitions.
type HistoryLog struct {
	clock clockwork.Clock
}

// NewHistoryLog creates a history log stamping entries with clock.
func NewHistoryLog(clock clockwork.Clock) *HistoryLog {
	return &HistoryLog{clock: clock}
}

// Record validates and appends an entry. It fails only on malformed input or
// a storage error.
func (h *HistoryLog) Record(ctx context.Context, tx RepositoryTx, entry *HistoryEntry) error {
	if err := entry.Type.Validate(); err != nil {
		return NewValidationError(err.Error())
	}
	if entry.TargetSourceID == "" {
		return NewValidationError("history entry requires a target source")
	}
	if entry.Actor.ID == "" {
		return NewValidationError("history entry requires an actor")
	}

	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return NewInternalError("failed to generate history id", err)
		}
		entry.ID = id.String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = h.clock.Now().UTC()
	}

	if err := tx.AppendHistory(ctx, entry); err != nil {
		return NewInternalError("failed to append history", err)
	}
	return nil
}

// record is a shorthand used by the workflows.
func (h *HistoryLog) record(ctx context.Context, tx RepositoryTx, ts *TargetSource, typ HistoryType, actor Actor, details map[string]interface{}) error {
	return h.Record(ctx, tx, &HistoryEntry{
		TargetSourceID: ts.ID,
		Type:           typ,
		Actor:          actor,
		Details:        details,
	})
}

// Query returns a page of entries, newest first.
func (h *HistoryLog) Query(ctx context.Context, r Reader, targetSourceID string, q HistoryQuery) (*HistoryPage, error) {
	if q.Type != "" {
		if err := q.Type.Validate(); err != nil {
			return nil, NewValidationError(err.Error())
		}
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, NewValidationError("limit and offset must not be negative")
	}
	if q.Limit == 0 {
		q.Limit = defaultHistoryLimit
	}
	if q.Limit > maxHistoryLimit {
		q.Limit = maxHistoryLimit
	}
	if q.Before != nil {
		q.Offset = 0
	}

	page, err := r.QueryHistory(ctx, targetSourceID, q)
	if err != nil {
		return nil, NewInternalError(fmt.Sprintf("failed to query history of %s", targetSourceID), err)
	}
	if len(page.Entries) == q.Limit {
		last := page.Entries[len(page.Entries)-1]
		page.NextCursor = &HistoryCursor{Timestamp: last.Timestamp, ID: last.ID}
	}
	return page, nil
}
