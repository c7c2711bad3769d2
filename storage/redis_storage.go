package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/vultisig/custodian/config"
	"github.com/vultisig/custodian/internal/types"
)

const (
	nonceKeyPrefix  = "nonce:"
	fieldLastNonce  = "last_nonce"
	fieldUpdatedAt  = "updated_at"
	defaultCASRetry = 64
	casBackoffMs    = 2
)

var _ NonceLedger = &RedisStorage{}

// RedisStorage is a NonceLedger that serializes allocations per address with
// WATCH/MULTI/EXEC: a write only lands if nobody touched the key since it was read.
type RedisStorage struct {
	client     *redis.Client
	maxRetries int
}

func NewRedisStorage(cfg config.Config) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	status := client.Ping(context.Background())
	if status.Err() != nil {
		return nil, status.Err()
	}
	return NewRedisStorageFromClient(client, cfg.Nonce.MaxRetries), nil
}

func NewRedisStorageFromClient(client *redis.Client, maxRetries int) *RedisStorage {
	if maxRetries <= 0 {
		maxRetries = defaultCASRetry
	}
	return &RedisStorage{
		client:     client,
		maxRetries: maxRetries,
	}
}

func redisNonceKey(address common.Address) string {
	return nonceKeyPrefix + strings.ToLower(address.Hex())
}

func (r *RedisStorage) LockNonce(ctx context.Context, address common.Address, next NextNonceFunc) (uint64, error) {
	key := redisNonceKey(address)
	var allocated uint64

	txf := func(tx *redis.Tx) error {
		var last *uint64
		v, err := tx.HGet(ctx, key, fieldLastNonce).Uint64()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("fail to read nonce, err: %w", err)
		default:
			last = &v
		}

		nonce, err := next(ctx, last)
		if err != nil {
			return err
		}
		if last != nil && nonce <= *last {
			return fmt.Errorf("nonce %d does not advance past %d", nonce, *last)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldLastNonce, nonce, fieldUpdatedAt, time.Now().UTC().Unix())
			return nil
		})
		if err != nil {
			return err
		}
		allocated = nonce
		return nil
	}

	for i := 0; i < r.maxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return allocated, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return 0, err
		}
		// lost the race, back off and re-read the value the winner stored
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Duration(rand.Intn(casBackoffMs*(i+1))) * time.Millisecond):
		}
	}
	return 0, fmt.Errorf("fail to store nonce for %s after %d attempts", address.Hex(), r.maxRetries)
}

func (r *RedisStorage) GetNonce(ctx context.Context, address common.Address) (*types.NonceRecord, error) {
	values, err := r.client.HGetAll(ctx, redisNonceKey(address)).Result()
	if err != nil {
		return nil, fmt.Errorf("fail to get nonce, err: %w", err)
	}
	raw, ok := values[fieldLastNonce]
	if !ok {
		return nil, types.NewNotFound("no nonce record for %s", address.Hex())
	}
	record := &types.NonceRecord{Address: address}
	if _, err := fmt.Sscan(raw, &record.LastAllocatedNonce); err != nil {
		return nil, fmt.Errorf("fail to parse nonce %q, err: %w", raw, err)
	}
	var updated int64
	if _, err := fmt.Sscan(values[fieldUpdatedAt], &updated); err == nil {
		record.UpdatedAt = time.Unix(updated, 0).UTC()
	}
	return record, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
