package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/v2ray-connector/internal/types"
)

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     "",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: "connector:",
	}, nil
}

func (r *RedisStore) setRecord(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Set(ctx, r.prefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

func (r *RedisStore) getRecord(key string, v interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := r.client.Get(ctx, r.prefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("redis get: %w", err)
	}

	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return true, nil
}

func (r *RedisStore) deleteRecord(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisStore) SaveSubscriptionURL(url string) error {
	return r.setRecord(keySubscriptionURL, url)
}

func (r *RedisStore) LoadSubscriptionURL() (string, error) {
	var url string
	if _, err := r.getRecord(keySubscriptionURL, &url); err != nil {
		return "", err
	}
	return url, nil
}

func (r *RedisStore) DeleteSubscriptionURL() error {
	return r.deleteRecord(keySubscriptionURL)
}

func (r *RedisStore) SaveSelection(result *types.ProbeResult) error {
	return r.setRecord(keySelection, result)
}

func (r *RedisStore) LoadSelection() (*types.ProbeResult, error) {
	var result types.ProbeResult
	found, err := r.getRecord(keySelection, &result)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &result, nil
}

func (r *RedisStore) DeleteSelection() error {
	return r.deleteRecord(keySelection)
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
