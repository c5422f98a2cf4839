package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore with one JSON value per book
// plus an index set of book keys.
//
// Key schema:
//
//	snapshot:{market:outcome}  - JSON encoded domain.Snapshot
//	snapshot:index             - set of "market:outcome" strings
type SnapshotStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotStore creates a SnapshotStore. ttl <= 0 keeps snapshots forever.
func NewSnapshotStore(c *Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{rdb: c.Conn(), ttl: ttl}
}

const snapshotIndexKey = "snapshot:index"

func snapshotKey(key domain.BookKey) string { return "snapshot:{" + key.String() + "}" }

// Save replaces the stored snapshot for snap.Book. A snapshot older than the
// stored one (lower watermark) is ignored so a slow writer cannot roll state
// back.
func (s *SnapshotStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	prev, err := s.Load(ctx, snap.Book)
	switch {
	case err == nil && prev.SequenceWatermark > snap.SequenceWatermark:
		return nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: encode snapshot %s: %w", snap.Book, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, snapshotKey(snap.Book), data, s.ttl)
	pipe.SAdd(ctx, snapshotIndexKey, snap.Book.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save snapshot %s: %w", snap.Book, err)
	}
	return nil
}

// Load returns the stored snapshot or domain.ErrNotFound.
func (s *SnapshotStore) Load(ctx context.Context, key domain.BookKey) (*domain.Snapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: load snapshot %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: load snapshot %s: %w", key, err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("redis: decode snapshot %s: %w", key, err)
	}
	return &snap, nil
}

// List returns every indexed book. Keys whose snapshot expired are still
// listed; Load reports them as not found.
func (s *SnapshotStore) List(ctx context.Context) ([]domain.BookKey, error) {
	members, err := s.rdb.SMembers(ctx, snapshotIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list snapshots: %w", err)
	}
	keys := make([]domain.BookKey, 0, len(members))
	for _, m := range members {
		k, err := domain.ParseBookKey(m)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Compile-time interface check.
var _ domain.SnapshotStore = (*SnapshotStore)(nil)
