package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/richardliu001/warehouse-outbox/internal/model"
	"github.com/richardliu001/warehouse-outbox/internal/repo"
	"go.uber.org/zap"
)

// ErrInvalidEntry means the request cannot become an outbox entry.
var ErrInvalidEntry = errors.New("invalid outbox entry")

// OutboxService is the writer side of the outbox.
type OutboxService struct {
	store repo.Store
	log   *zap.SugaredLogger
}

// NewOutboxService returns OutboxService.
func NewOutboxService(s repo.Store, logger *zap.SugaredLogger) *OutboxService {
	return &OutboxService{store: s, log: logger}
}

// Append validates and stores a new pending entry. Storage failures are
// returned to the caller, events are never dropped silently.
func (s *OutboxService) Append(ctx context.Context, ownerID uint64, payload string) (string, error) {
	if strings.TrimSpace(payload) == "" {
		return "", fmt.Errorf("%w: payload is empty", ErrInvalidEntry)
	}
	id, err := s.store.Append(ctx, ownerID, payload)
	if err != nil {
		return "", err
	}
	s.log.Debugf("outbox entry %s created owner=%d", id, ownerID)
	return id, nil
}

// Get returns one entry.
func (s *OutboxService) Get(ctx context.Context, id string) (*model.OutboxEntry, error) {
	return s.store.Get(ctx, id)
}

// Stats counts entries per status, including zero counts.
func (s *OutboxService) Stats(ctx context.Context) (map[model.Status]int64, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range []model.Status{model.StatusPending, model.StatusProcessing, model.StatusSent} {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return counts, nil
}
