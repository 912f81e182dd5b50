package qc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisSampleList = "qc:samples"
	redisAuditList  = "qc:audits"
)

// RedisStore is a Store backed by Redis lists, for deployments that want
// samples and audit history to survive process restarts. Payloads are JSON;
// newest entries sit at the head of each list.
type RedisStore struct {
	client    *redis.Client
	sampleCap int64
	auditCap  int64
}

// NewRedisStore connects to Redis at addr and verifies the connection.
func NewRedisStore(addr string, sampleCap, auditCap int64) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		DB:         0,
		PoolSize:   20,
		MaxRetries: 3,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisStore{client: client, sampleCap: sampleCap, auditCap: auditCap}, nil
}

func (r *RedisStore) AppendSample(s Sample) error {
	ctx := context.Background()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	if err := r.client.LPush(ctx, redisSampleList, data).Err(); err != nil {
		return fmt.Errorf("push sample: %w", err)
	}
	return r.client.LTrim(ctx, redisSampleList, 0, r.sampleCap-1).Err()
}

func (r *RedisStore) RecentSamples(window time.Duration) ([]Sample, error) {
	ctx := context.Background()
	raw, err := r.client.LRange(ctx, redisSampleList, 0, r.sampleCap-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	cutoff := time.Now().Add(-window)
	// list is newest-first; collect until we fall out of the window, then
	// reverse to oldest-first
	var newest []Sample
	for _, item := range raw {
		var s Sample
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			continue
		}
		if s.Timestamp.Before(cutoff) {
			break
		}
		newest = append(newest, s)
	}
	out := make([]Sample, len(newest))
	for i, s := range newest {
		out[len(newest)-1-i] = s
	}
	return out, nil
}

func (r *RedisStore) LatestSample() (Sample, bool, error) {
	ctx := context.Background()
	item, err := r.client.LIndex(ctx, redisSampleList, 0).Result()
	if err == redis.Nil {
		return Sample{}, false, nil
	}
	if err != nil {
		return Sample{}, false, fmt.Errorf("read latest sample: %w", err)
	}
	var s Sample
	if err := json.Unmarshal([]byte(item), &s); err != nil {
		return Sample{}, false, fmt.Errorf("decode latest sample: %w", err)
	}
	return s, true, nil
}

func (r *RedisStore) AppendAudit(e AuditEntry) error {
	ctx := context.Background()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if err := r.client.LPush(ctx, redisAuditList, data).Err(); err != nil {
		return fmt.Errorf("push audit entry: %w", err)
	}
	return r.client.LTrim(ctx, redisAuditList, 0, r.auditCap-1).Err()
}

func (r *RedisStore) RecentAudits(limit int) ([]AuditEntry, error) {
	ctx := context.Background()
	raw, err := r.client.LRange(ctx, redisAuditList, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read audits: %w", err)
	}
	out := make([]AuditEntry, 0, len(raw))
	for _, item := range raw {
		var e AuditEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close releases the underlying Redis connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
