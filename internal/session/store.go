package session

import (
	"context"
	"time"

	"github.com/yoockh/callguard/internal/cache"
	"github.com/yoockh/callguard/internal/models"
)

// RecordStore holds reconnection records keyed by the prior connection id.
type RecordStore interface {
	Put(ctx context.Context, rec models.ReconnectionRecord, ttl time.Duration) error
	Get(ctx context.Context, priorConnID string) (models.ReconnectionRecord, bool, error)
	Delete(ctx context.Context, priorConnID string) error
}

// CacheRecordStore keeps records in any cache.Cache (Redis in production,
// memory otherwise).
type CacheRecordStore struct {
	c cache.Cache
}

func NewCacheRecordStore(c cache.Cache) *CacheRecordStore {
	return &CacheRecordStore{c: c}
}

func recordKey(priorConnID string) string { return "reconnect:" + priorConnID }

func (s *CacheRecordStore) Put(ctx context.Context, rec models.ReconnectionRecord, ttl time.Duration) error {
	return s.c.SetJSON(ctx, recordKey(rec.PriorConnectionID), rec, ttl)
}

func (s *CacheRecordStore) Get(ctx context.Context, priorConnID string) (models.ReconnectionRecord, bool, error) {
	var rec models.ReconnectionRecord
	hit, err := s.c.GetJSON(ctx, recordKey(priorConnID), &rec)
	if err != nil || !hit {
		return models.ReconnectionRecord{}, false, err
	}
	return rec, true, nil
}

func (s *CacheRecordStore) Delete(ctx context.Context, priorConnID string) error {
	return s.c.Del(ctx, recordKey(priorConnID))
}
