package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/richardliu001/warehouse-outbox/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GormStore keeps the outbox in a SQL table. Writes are announced on a Redis
// pub/sub channel, which serves as its change feed.
type GormStore struct {
	db      *gorm.DB
	rdb     *redis.Client
	channel string
	log     *zap.SugaredLogger
	now     func() time.Time
}

var _ Store = (*GormStore)(nil)

// NewGormStore constructs the store. rdb may be nil, in which case Watch
// reports ErrChangeFeedUnavailable.
func NewGormStore(db *gorm.DB, rdb *redis.Client, channel string, logger *zap.SugaredLogger) *GormStore {
	return &GormStore{
		db:      db,
		rdb:     rdb,
		channel: channel,
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates or updates the outbox table.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&model.OutboxEntry{}); err != nil {
		return fmt.Errorf("%w: migrate: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Append writes a new pending entry.
func (s *GormStore) Append(ctx context.Context, ownerID uint64, payload string) (string, error) {
	e := model.OutboxEntry{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Payload:   payload,
		Status:    model.StatusPending,
		CreatedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		return "", fmt.Errorf("%w: append: %w", ErrStorageUnavailable, err)
	}
	s.notify(ctx, e)
	return e.ID, nil
}

// FetchPending lists pending entries, oldest first. limit <= 0 means no limit.
func (s *GormStore) FetchPending(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	var entries []model.OutboxEntry
	q := s.db.WithContext(ctx).Where("status = ?", model.StatusPending).Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("%w: fetch pending: %w", ErrStorageUnavailable, err)
	}
	return entries, nil
}

// Claim moves a pending entry to processing with a conditional update.
func (s *GormStore) Claim(ctx context.Context, id string) (*model.OutboxEntry, error) {
	now := s.now()
	res := s.db.WithContext(ctx).
		Model(&model.OutboxEntry{}).
		Where("id = ? AND status = ?", id, model.StatusPending).
		Updates(map[string]interface{}{
			"status":     model.StatusProcessing,
			"claimed_at": now,
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("%w: claim %s: %w", ErrStorageUnavailable, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

// MarkSent moves a processing entry to sent. Calling it again on a sent entry
// is a no-op.
func (s *GormStore) MarkSent(ctx context.Context, id string) error {
	now := s.now()
	res := s.db.WithContext(ctx).
		Model(&model.OutboxEntry{}).
		Where("id = ? AND status = ?", id, model.StatusProcessing).
		Updates(map[string]interface{}{"status": model.StatusSent, "sent_at": &now})
	if res.Error != nil {
		return fmt.Errorf("%w: mark sent %s: %w", ErrStorageUnavailable, id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return checkSent(e)
}

// RequeueExpired returns processing entries claimed before claimedBefore to
// pending and announces them on the change feed.
func (s *GormStore) RequeueExpired(ctx context.Context, claimedBefore time.Time) (int64, error) {
	var expired []model.OutboxEntry
	err := s.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", model.StatusProcessing, claimedBefore.UTC()).
		Find(&expired).Error
	if err != nil {
		return 0, fmt.Errorf("%w: find expired: %w", ErrStorageUnavailable, err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := make([]string, len(expired))
	for i, e := range expired {
		ids[i] = e.ID
	}
	res := s.db.WithContext(ctx).
		Model(&model.OutboxEntry{}).
		Where("id IN ? AND status = ? AND claimed_at < ?", ids, model.StatusProcessing, claimedBefore.UTC()).
		Updates(map[string]interface{}{"status": model.StatusPending, "claimed_at": nil})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: requeue: %w", ErrStorageUnavailable, res.Error)
	}

	for _, e := range expired {
		e.Status = model.StatusPending
		e.ClaimedAt = nil
		s.notify(ctx, e)
	}
	return res.RowsAffected, nil
}

// Get loads one entry.
func (s *GormStore) Get(ctx context.Context, id string) (*model.OutboxEntry, error) {
	var e model.OutboxEntry
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if err == nil {
		return &e, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("%w: get %s: %w", ErrStorageUnavailable, id, err)
}

// CountByStatus groups entries by status.
func (s *GormStore) CountByStatus(ctx context.Context) (map[model.Status]int64, error) {
	var rows []struct {
		Status model.Status
		N      int64
	}
	err := s.db.WithContext(ctx).
		Model(&model.OutboxEntry{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: count: %w", ErrStorageUnavailable, err)
	}
	counts := make(map[model.Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// Watch subscribes to the Redis channel. The returned channel closes when ctx
// ends or the subscription breaks.
func (s *GormStore) Watch(ctx context.Context) (<-chan model.OutboxEntry, error) {
	if s.rdb == nil {
		return nil, ErrChangeFeedUnavailable
	}
	sub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %w", ErrStorageUnavailable, s.channel, err)
	}

	out := make(chan model.OutboxEntry)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e model.OutboxEntry
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					s.log.Warnf("decode change notification: %v", err)
					continue
				}
				if !e.Status.Valid() {
					s.log.Warnf("drop change notification id=%s: unknown status %q", e.ID, e.Status)
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// notify is best effort; the poll loop picks up anything the feed misses.
func (s *GormStore) notify(ctx context.Context, e model.OutboxEntry) {
	if s.rdb == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		s.log.Warnf("encode change notification id=%s: %v", e.ID, err)
		return
	}
	if err := s.rdb.Publish(ctx, s.channel, b).Err(); err != nil {
		s.log.Warnf("publish change notification id=%s: %v", e.ID, err)
	}
}

// checkSent explains why a conditional processing -> sent update matched
// nothing, given the entry's current state.
func checkSent(e *model.OutboxEntry) error {
	if e.Status == model.StatusSent {
		return nil
	}
	if !e.Status.CanTransitionTo(model.StatusSent) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, model.StatusSent)
	}
	// requeued and claimed again between the update and the read
	return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, e.ID)
}
