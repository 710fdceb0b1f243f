// Package redistk implements the toolkit collections on Redis. Map entries
// live in one hash per record ({ver, data}) with a Lua compare-and-set, so
// a claim either lands atomically or reports a version conflict. Values are
// JSON-encoded.
package redistk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rubyAppSec/quartz/internal/toolkit"
)

// putScript stores a record unconditionally, bumping its version, and
// tracks the key in the map's key index. Returns the new version.
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
local next = 1
if cur then next = tonumber(cur) + 1 end
redis.call('HSET', KEYS[1], 'ver', next, 'data', ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
return next
`)

// casScript stores a record only when the current version matches ARGV[1]
// (0 = key must not exist). Returns the new version, or 0 on conflict.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
local expect = tonumber(ARGV[1])
if expect == 0 then
  if cur then return 0 end
elseif not cur or tonumber(cur) ~= expect then
  return 0
end
redis.call('HSET', KEYS[1], 'ver', expect + 1, 'data', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return expect + 1
`)

// delScript removes a record and its key-index entry. Returns 1 if the
// record existed.
var delScript = redis.NewScript(`
local existed = redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return existed
`)

// Map is a toolkit.Map on Redis hashes.
type Map[T any] struct {
	client *redis.Client
	prefix string
}

// NewMap creates a Map storing records under "<namespace>:<name>:".
func NewMap[T any](client *redis.Client, namespace, name string) *Map[T] {
	return &Map[T]{client: client, prefix: namespace + ":" + name}
}

func (m *Map[T]) entryKey(key string) string { return m.prefix + ":" + key }
func (m *Map[T]) indexKey() string           { return m.prefix + ":keys" }

func (m *Map[T]) Get(ctx context.Context, key string) (T, int64, error) {
	var zero T
	vals, err := m.client.HMGet(ctx, m.entryKey(key), "ver", "data").Result()
	if err != nil {
		return zero, 0, fmt.Errorf("redistk: get %s: %w", key, err)
	}
	if vals[0] == nil || vals[1] == nil {
		return zero, 0, toolkit.ErrNotFound
	}
	var ver int64
	if _, err := fmt.Sscan(vals[0].(string), &ver); err != nil {
		return zero, 0, fmt.Errorf("redistk: bad version for %s: %w", key, err)
	}
	var value T
	if err := json.Unmarshal([]byte(vals[1].(string)), &value); err != nil {
		return zero, 0, fmt.Errorf("redistk: decode %s: %w", key, err)
	}
	return value, ver, nil
}

func (m *Map[T]) Put(ctx context.Context, key string, value T) (int64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("redistk: encode %s: %w", key, err)
	}
	ver, err := putScript.Run(ctx, m.client, []string{m.entryKey(key), m.indexKey()}, data, key).Int64()
	if err != nil {
		return 0, fmt.Errorf("redistk: put %s: %w", key, err)
	}
	return ver, nil
}

func (m *Map[T]) CompareAndSet(ctx context.Context, key string, expect int64, value T) (int64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("redistk: encode %s: %w", key, err)
	}
	ver, err := casScript.Run(ctx, m.client, []string{m.entryKey(key), m.indexKey()}, expect, data, key).Int64()
	if err != nil {
		return 0, fmt.Errorf("redistk: cas %s: %w", key, err)
	}
	if ver == 0 {
		return 0, toolkit.ErrConflict
	}
	return ver, nil
}

func (m *Map[T]) Delete(ctx context.Context, key string) (bool, error) {
	existed, err := delScript.Run(ctx, m.client, []string{m.entryKey(key), m.indexKey()}, key).Int64()
	if err != nil {
		return false, fmt.Errorf("redistk: delete %s: %w", key, err)
	}
	return existed == 1, nil
}

func (m *Map[T]) Keys(ctx context.Context) ([]string, error) {
	keys, err := m.client.SMembers(ctx, m.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redistk: keys: %w", err)
	}
	return keys, nil
}

func (m *Map[T]) Size(ctx context.Context) (int, error) {
	n, err := m.client.SCard(ctx, m.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redistk: size: %w", err)
	}
	return int(n), nil
}

func (m *Map[T]) Clear(ctx context.Context) error {
	keys, err := m.Keys(ctx)
	if err != nil {
		return err
	}
	pipe := m.client.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, m.entryKey(k))
	}
	pipe.Del(ctx, m.indexKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redistk: clear: %w", err)
	}
	return nil
}

// Set is a toolkit.Set on a Redis set.
type Set struct {
	client *redis.Client
	key    string
}

// NewSet creates a Set stored at "<namespace>:<name>".
func NewSet(client *redis.Client, namespace, name string) *Set {
	return &Set{client: client, key: namespace + ":" + name}
}

func (s *Set) Add(ctx context.Context, member string) error {
	return s.client.SAdd(ctx, s.key, member).Err()
}

func (s *Set) Remove(ctx context.Context, member string) (bool, error) {
	n, err := s.client.SRem(ctx, s.key, member).Result()
	return n == 1, err
}

func (s *Set) Contains(ctx context.Context, member string) (bool, error) {
	return s.client.SIsMember(ctx, s.key, member).Result()
}

func (s *Set) Members(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.key).Result()
}

func (s *Set) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// OrderedSet is a toolkit.OrderedSet on a Redis sorted set.
type OrderedSet struct {
	client *redis.Client
	key    string
}

// NewOrderedSet creates an OrderedSet stored at "<namespace>:<name>".
func NewOrderedSet(client *redis.Client, namespace, name string) *OrderedSet {
	return &OrderedSet{client: client, key: namespace + ":" + name}
}

func (o *OrderedSet) Add(ctx context.Context, member string, score int64) error {
	return o.client.ZAdd(ctx, o.key, redis.Z{Member: member, Score: float64(score)}).Err()
}

func (o *OrderedSet) Remove(ctx context.Context, member string) (bool, error) {
	n, err := o.client.ZRem(ctx, o.key, member).Result()
	return n == 1, err
}

func (o *OrderedSet) RangeByScore(ctx context.Context, min, max int64, limit int) ([]toolkit.ScoredMember, error) {
	rng := &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", min),
		Max: fmt.Sprintf("%d", max),
	}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	zs, err := o.client.ZRangeByScoreWithScores(ctx, o.key, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("redistk: range: %w", err)
	}
	result := make([]toolkit.ScoredMember, 0, len(zs))
	for _, z := range zs {
		result = append(result, toolkit.ScoredMember{Member: z.Member.(string), Score: int64(z.Score)})
	}
	return result, nil
}

func (o *OrderedSet) Clear(ctx context.Context) error {
	return o.client.Del(ctx, o.key).Err()
}

var (
	_ toolkit.Set        = (*Set)(nil)
	_ toolkit.OrderedSet = (*OrderedSet)(nil)
)
