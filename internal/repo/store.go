package repo

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/warehouse-outbox/internal/model"
)

var (
	// ErrStorageUnavailable wraps every failure of the underlying storage.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotFound is returned when no entry has the given id.
	ErrNotFound = errors.New("outbox entry not found")
	// ErrInvalidTransition is returned when an entry is not in a state that
	// allows the requested change (e.g. marking a pending entry as sent).
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrChangeFeedUnavailable means the store has no live change feed configured.
	ErrChangeFeedUnavailable = errors.New("change feed unavailable")
)

// Store is the durable outbox collection.
//
// Claim is the only serialization point between concurrent relayers: it moves
// an entry from pending to processing atomically and returns (nil, nil) when
// the entry was not pending anymore.
type Store interface {
	Append(ctx context.Context, ownerID uint64, payload string) (string, error)
	FetchPending(ctx context.Context, limit int) ([]model.OutboxEntry, error)
	Claim(ctx context.Context, id string) (*model.OutboxEntry, error)
	MarkSent(ctx context.Context, id string) error
	RequeueExpired(ctx context.Context, claimedBefore time.Time) (int64, error)
	Get(ctx context.Context, id string) (*model.OutboxEntry, error)
	CountByStatus(ctx context.Context) (map[model.Status]int64, error)
	Watch(ctx context.Context) (<-chan model.OutboxEntry, error)
}
