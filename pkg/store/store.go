// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	brokererrors "github.com/stakeordie/emp-job-broker/internal/errors"
	"github.com/stakeordie/emp-job-broker/pkg/shared/circuitbreaker"
	"github.com/stakeordie/emp-job-broker/pkg/shared/retry"
)

// Store is the Redis-resident backing layer (C1). Every method distinguishes
// a transient store_unavailable fault (network/redis-server trouble) from a
// logical "no match"/"not found" outcome, so callers never mistake the
// absence of a result for an infrastructure failure (spec §4.1).
type Store struct {
	client  redis.UniversalClient
	logger  logr.Logger
	breaker *circuitbreaker.Manager
	scripts *scriptSet
}

// New builds a Store over an already-connected redis client.
func New(client redis.UniversalClient, logger logr.Logger, breaker *circuitbreaker.Manager) (*Store, error) {
	scripts, err := loadScripts()
	if err != nil {
		return nil, fmt.Errorf("loading store scripts: %w", err)
	}
	return &Store{client: client, logger: logger, breaker: breaker, scripts: scripts}, nil
}

// classify converts a raw redis error into the broker's error taxonomy.
// redis.Nil means "key/field absent" which callers treat as a logical
// not-found, never as store_unavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return err
	}
	return brokererrors.NewStoreUnavailableError(op, err)
}

// guarded executes fn through the circuit breaker and, on a transient
// failure the breaker still let through, retries it with bounded
// exponential backoff before surfacing store_unavailable to the caller
// (spec §7: "retried with bounded exponential backoff inside the broker;
// surfaced as 503 only after retries exhausted"). A breaker already open is
// not retried: it has already decided the dependency is unhealthy, so
// retrying here would only burn the retry budget on a request guaranteed to
// fail fast.
func (s *Store) guarded(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	call := func(ctx context.Context) (any, error) {
		if s.breaker == nil {
			return fn(ctx)
		}
		return s.breaker.Execute(ctx, "redis", fn)
	}

	return retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) (any, error) {
		result, err := call(ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.Nil) || errors.Is(err, gobreaker.ErrOpenState) {
			return result, retry.Permanent(err)
		}
		return result, err
	})
}

// HashPut writes the given fields onto key unconditionally.
func (s *Store) HashPut(ctx context.Context, key string, fields map[string]any) error {
	_, err := s.guarded(ctx, "hash_put", func(ctx context.Context) (any, error) {
		return s.client.HSet(ctx, key, fields).Result()
	})
	if err != nil {
		return classify("hash_put", err)
	}
	return nil
}

// HashGetAll returns every field on key. Returns redis.Nil-wrapping absence
// as an empty map with ok=false, not an error.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, bool, error) {
	result, err := s.guarded(ctx, "hash_get", func(ctx context.Context) (any, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, false, classify("hash_get", err)
	}
	fields := result.(map[string]string)
	if len(fields) == 0 {
		return nil, false, nil
	}
	return fields, true, nil
}

// HashUpdate writes fields onto an existing key (same as HashPut; kept as a
// distinct name to mirror the abstract operation spec §4.1 names).
func (s *Store) HashUpdate(ctx context.Context, key string, fields map[string]any) error {
	return s.HashPut(ctx, key, fields)
}

// SortedSetAdd adds member to key with score.
func (s *Store) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.guarded(ctx, "zadd", func(ctx context.Context) (any, error) {
		return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Result()
	})
	if err != nil {
		return classify("zadd", err)
	}
	return nil
}

// SortedSetRemove removes member from key.
func (s *Store) SortedSetRemove(ctx context.Context, key, member string) error {
	_, err := s.guarded(ctx, "zrem", func(ctx context.Context) (any, error) {
		return s.client.ZRem(ctx, key, member).Result()
	})
	if err != nil {
		return classify("zrem", err)
	}
	return nil
}

// SortedSetRevRange returns up to count members in descending score order,
// used by the Match Kernel's bounded candidate scan.
func (s *Store) SortedSetRevRange(ctx context.Context, key string, count int64) ([]string, error) {
	result, err := s.guarded(ctx, "zrevrange", func(ctx context.Context) (any, error) {
		return s.client.ZRevRangeWithScores(ctx, key, 0, count-1).Result()
	})
	if err != nil {
		return nil, classify("zrevrange", err)
	}
	zs := result.([]redis.Z)
	members := make([]string, len(zs))
	for i, z := range zs {
		members[i] = z.Member.(string)
	}
	return members, nil
}

// SortedSetScan walks the sorted set at key one cursor page at a time,
// returning up to roughly count members and the next cursor (0 when the
// iteration is complete). Unlike SortedSetRevRange it reaches every member
// regardless of rank, which the aging process needs to find jobs buried
// below the Match Kernel's bounded claim window.
func (s *Store) SortedSetScan(ctx context.Context, key string, cursor uint64, count int64) ([]string, uint64, error) {
	type page struct {
		members []string
		next    uint64
	}
	result, err := s.guarded(ctx, "zscan", func(ctx context.Context) (any, error) {
		raw, next, err := s.client.ZScan(ctx, key, cursor, "", count).Result()
		if err != nil {
			return nil, err
		}
		// ZSCAN interleaves member and score; keep the members only.
		members := make([]string, 0, len(raw)/2)
		for i := 0; i < len(raw); i += 2 {
			members = append(members, raw[i])
		}
		return page{members: members, next: next}, nil
	})
	if err != nil {
		return nil, 0, classify("zscan", err)
	}
	p := result.(page)
	return p.members, p.next, nil
}

// SortedSetScore returns the current score of member in key.
func (s *Store) SortedSetScore(ctx context.Context, key, member string) (float64, bool, error) {
	result, err := s.guarded(ctx, "zscore", func(ctx context.Context) (any, error) {
		return s.client.ZScore(ctx, key, member).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, classify("zscore", err)
	}
	return result.(float64), true, nil
}

// SortedSetCard returns the number of members in the sorted set at key.
func (s *Store) SortedSetCard(ctx context.Context, key string) (int64, error) {
	result, err := s.guarded(ctx, "zcard", func(ctx context.Context) (any, error) {
		return s.client.ZCard(ctx, key).Result()
	})
	if err != nil {
		return 0, classify("zcard", err)
	}
	return result.(int64), nil
}

// SetAdd adds member to the set at key.
func (s *Store) SetAdd(ctx context.Context, key, member string) error {
	_, err := s.guarded(ctx, "sadd", func(ctx context.Context) (any, error) {
		return s.client.SAdd(ctx, key, member).Result()
	})
	if err != nil {
		return classify("sadd", err)
	}
	return nil
}

// SetRemove removes member from the set at key.
func (s *Store) SetRemove(ctx context.Context, key, member string) error {
	_, err := s.guarded(ctx, "srem", func(ctx context.Context) (any, error) {
		return s.client.SRem(ctx, key, member).Result()
	})
	if err != nil {
		return classify("srem", err)
	}
	return nil
}

// SetCard returns the cardinality of the set at key.
func (s *Store) SetCard(ctx context.Context, key string) (int64, error) {
	result, err := s.guarded(ctx, "scard", func(ctx context.Context) (any, error) {
		return s.client.SCard(ctx, key).Result()
	})
	if err != nil {
		return 0, classify("scard", err)
	}
	return result.(int64), nil
}

// SetMembers returns every member of the set at key.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	result, err := s.guarded(ctx, "smembers", func(ctx context.Context) (any, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, classify("smembers", err)
	}
	return result.([]string), nil
}

// SetIsMember reports whether member is in the set at key.
func (s *Store) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	result, err := s.guarded(ctx, "sismember", func(ctx context.Context) (any, error) {
		return s.client.SIsMember(ctx, key, member).Result()
	})
	if err != nil {
		return false, classify("sismember", err)
	}
	return result.(bool), nil
}

// StreamAppend appends record onto the named stream and returns the
// store-assigned entry id.
func (s *Store) StreamAppend(ctx context.Context, stream string, fields map[string]any, maxLen int64) (string, error) {
	result, err := s.guarded(ctx, "xadd", func(ctx context.Context) (any, error) {
		return s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: maxLen,
			Approx: true,
			Values: fields,
		}).Result()
	})
	if err != nil {
		return "", classify("xadd", err)
	}
	return result.(string), nil
}

// StreamEnsureGroup creates the consumer group on stream if it does not
// already exist, reading from the start of the log.
func (s *Store) StreamEnsureGroup(ctx context.Context, stream, group string) error {
	_, err := s.guarded(ctx, "xgroup_create", func(ctx context.Context) (any, error) {
		return s.client.XGroupCreateMkStream(ctx, stream, group, "0").Result()
	})
	if err != nil && !isBusyGroupErr(err) {
		return classify("xgroup_create", err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (errors.Is(err, redis.Nil) == false) &&
		(err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// StreamReadGroup reads up to count new entries for consumer in group,
// blocking up to blockMs for new data.
func (s *Store) StreamReadGroup(ctx context.Context, stream, group, consumer string, count int64, blockMs time.Duration) ([]redis.XMessage, error) {
	result, err := s.guarded(ctx, "xreadgroup", func(ctx context.Context) (any, error) {
		res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    count,
			Block:    blockMs,
		}).Result()
		if err != nil {
			return nil, err
		}
		if len(res) == 0 {
			return []redis.XMessage{}, nil
		}
		return res[0].Messages, nil
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, classify("xreadgroup", err)
	}
	return result.([]redis.XMessage), nil
}

// StreamAck acknowledges id in group on stream.
func (s *Store) StreamAck(ctx context.Context, stream, group, id string) error {
	_, err := s.guarded(ctx, "xack", func(ctx context.Context) (any, error) {
		return s.client.XAck(ctx, stream, group, id).Result()
	})
	if err != nil {
		return classify("xack", err)
	}
	return nil
}

// StreamRange returns entries in [from, to] (Redis stream id syntax; "-" and
// "+" denote the full range), used for replay.
func (s *Store) StreamRange(ctx context.Context, stream, from, to string, count int64) ([]redis.XMessage, error) {
	result, err := s.guarded(ctx, "xrange", func(ctx context.Context) (any, error) {
		return s.client.XRangeN(ctx, stream, from, to, count).Result()
	})
	if err != nil {
		return nil, classify("xrange", err)
	}
	return result.([]redis.XMessage), nil
}

// StreamTrimMinID drops stream entries older than minID, enforcing the time
// bound of the retention policy; the count bound is applied at append time
// via MAXLEN.
func (s *Store) StreamTrimMinID(ctx context.Context, stream, minID string) error {
	_, err := s.guarded(ctx, "xtrim", func(ctx context.Context) (any, error) {
		return s.client.XTrimMinIDApprox(ctx, stream, minID, 0).Result()
	})
	if err != nil {
		return classify("xtrim", err)
	}
	return nil
}

// StreamPendingCount returns the number of unacknowledged entries for group
// on stream, used to detect a durable consumer falling behind (spec §4.8
// back-pressure).
func (s *Store) StreamPendingCount(ctx context.Context, stream, group string) (int64, error) {
	result, err := s.guarded(ctx, "xpending", func(ctx context.Context) (any, error) {
		return s.client.XPending(ctx, stream, group).Result()
	})
	if err != nil {
		return 0, classify("xpending", err)
	}
	return result.(*redis.XPending).Count, nil
}

// PubSubPublish publishes payload on channel for best-effort, non-persistent
// fan-out.
func (s *Store) PubSubPublish(ctx context.Context, channel string, payload []byte) error {
	_, err := s.guarded(ctx, "publish", func(ctx context.Context) (any, error) {
		return s.client.Publish(ctx, channel, payload).Result()
	})
	if err != nil {
		return classify("publish", err)
	}
	return nil
}

// PubSubSubscribe subscribes to channel and returns the underlying
// *redis.PubSub for the caller to range over.
func (s *Store) PubSubSubscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, channel)
}

// Delete removes key entirely.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.guarded(ctx, "del", func(ctx context.Context) (any, error) {
		return s.client.Del(ctx, key).Result()
	})
	if err != nil {
		return classify("del", err)
	}
	return nil
}

// Expire sets a TTL on key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.guarded(ctx, "expire", func(ctx context.Context) (any, error) {
		return s.client.Expire(ctx, key, ttl).Result()
	})
	if err != nil {
		return classify("expire", err)
	}
	return nil
}

// SetNX sets key to value with ttl iff it does not already exist, returning
// whether this call created it. Used for idempotency-key claims.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	result, err := s.guarded(ctx, "setnx", func(ctx context.Context) (any, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, classify("setnx", err)
	}
	return result.(bool), nil
}

// Set unconditionally writes value to key with ttl.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.guarded(ctx, "set", func(ctx context.Context) (any, error) {
		return s.client.Set(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return classify("set", err)
	}
	return nil
}

// Get returns the string value at key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	result, err := s.guarded(ctx, "get", func(ctx context.Context) (any, error) {
		return s.client.Get(ctx, key).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, classify("get", err)
	}
	return result.(string), true, nil
}
