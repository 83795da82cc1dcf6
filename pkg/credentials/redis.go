package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "bookingbot:credentials:"

// RedisStore shares credentials between worker processes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client. Keys are prefix + tenant id.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, tenantID string) (Credential, error) {
	val, err := s.client.Get(ctx, s.key(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}

	var cred Credential
	if err := json.Unmarshal(val, &cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

func (s *RedisStore) Put(ctx context.Context, tenantID string, cred Credential) error {
	cred.Version = 1
	cred.UpdatedAt = time.Now().UTC()

	val, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(tenantID), val, 0).Err()
}

// Update uses WATCH/MULTI/EXEC so a concurrent refresh by another worker
// surfaces as ErrVersionConflict instead of a lost write.
func (s *RedisStore) Update(ctx context.Context, tenantID string, cred *Credential) error {
	key := s.key(tenantID)

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var stored Credential
		if err := json.Unmarshal(val, &stored); err != nil {
			return err
		}
		if stored.Version != cred.Version {
			return ErrVersionConflict
		}

		next := *cred
		next.Version++
		next.UpdatedAt = time.Now().UTC()
		newVal, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, 0)
			return nil
		})
		if errors.Is(err, redis.TxFailedErr) {
			return ErrVersionConflict
		}
		if err != nil {
			return err
		}

		*cred = next
		return nil
	}, key)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(tenantID string) string {
	return s.prefix + tenantID
}
