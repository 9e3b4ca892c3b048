package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var ErrInvalidResult = errors.New("invalid result")

// SoftLockRegistry 是行软锁的唯一仲裁者。客户端只反映这里给出的结果。
type SoftLockRegistry interface {
	// Acquire 行未被锁或已被 holder 自己持有时成功（并刷新 TTL）；
	// 否则返回 false 以及当前持有者。
	Acquire(ctx context.Context, noteID int64, line int, holder string, ttl time.Duration) (bool, string, error)
	// Release 仅持有者可以释放，返回是否真的删除了锁
	Release(ctx context.Context, noteID int64, line int, holder string) (bool, error)
	// Refresh 仅当锁仍属于 holder 时续期，返回是否续上
	Refresh(ctx context.Context, noteID int64, line int, holder string, ttl time.Duration) (bool, error)
	Holder(ctx context.Context, noteID int64, line int) (string, error)
}

// KEYS[1] = lockKey
// ARGV[1] = holder, ARGV[2] = ttl (ms)
// 返回 {granted, currentHolder}
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return {1, ARGV[1]}
end
if cur == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return {1, cur}
end
return {0, cur}
`)

// 只有持有者能删，避免误删别人刚拿到的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// KEYS[1] = lockKey
// ARGV[1] = holder, ARGV[2] = ttl (ms)
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type redisSoftLocks struct {
	rdb redis.UniversalClient
}

var _ SoftLockRegistry = (*redisSoftLocks)(nil)

func NewRedisSoftLocks(rdb redis.UniversalClient) SoftLockRegistry {
	return &redisSoftLocks{rdb: rdb}
}

func (r *redisSoftLocks) Acquire(ctx context.Context, noteID int64, line int, holder string, ttl time.Duration) (bool, string, error) {
	res, err := acquireScript.Run(ctx, r.rdb, []string{lockKey(noteID, line)}, holder, ttl.Milliseconds()).Result()
	if err != nil {
		return false, "", fmt.Errorf("acquire softlock: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, "", ErrInvalidResult
	}
	granted, err := toInt64(arr[0])
	if err != nil {
		return false, "", ErrInvalidResult
	}
	cur, _ := arr[1].(string)
	return granted == 1, cur, nil
}

func (r *redisSoftLocks) Release(ctx context.Context, noteID int64, line int, holder string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.rdb, []string{lockKey(noteID, line)}, holder).Int64()
	if err != nil {
		return false, fmt.Errorf("release softlock: %w", err)
	}
	return n == 1, nil
}

func (r *redisSoftLocks) Refresh(ctx context.Context, noteID int64, line int, holder string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, r.rdb, []string{lockKey(noteID, line)}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh softlock: %w", err)
	}
	return n == 1, nil
}

func (r *redisSoftLocks) Holder(ctx context.Context, noteID int64, line int) (string, error) {
	v, err := r.rdb.Get(ctx, lockKey(noteID, line)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// 将 any 类型转换为 int64 类型， 无法转换返回错误
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type: %T", v)
	}
}
