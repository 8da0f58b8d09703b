package lock

import (
	"context"
	"fmt"
	"time"

	"creditledger/pkg/crediterr"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 账户级分布式锁
// ============================================================================
//
// 【为什么需要账户锁？】
//
// 场景：同一账户并发收到两笔扣减请求
//
// 如果没有锁：
//   goroutine1: 查询可用=100 -> 扣减100 -> 可用=0    OK
//   goroutine2: 查询可用=100 -> 扣减100 -> 可用=-100 超扣了！
//
// 加锁之后，同一账户的读-改-写-记账序列串行执行，不同账户互不影响。
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：Lua 脚本保证"检查+删除"的原子性。
//
// 获取锁有超时上限：等不到锁返回 OperationLocked，绝不无限阻塞。
// ============================================================================

// Handle 锁句柄，Release 幂等
type Handle interface {
	Release(ctx context.Context) error
}

// AccountLocker 按账户维度的互斥锁
//
// 粒度选择：按 (用户, 积分类型) 加锁，不同账户完全并发，
// 同一账户串行 —— 这正是账本语义要求的串行化单元
type AccountLocker interface {
	// Acquire 阻塞等待直到拿到锁或超时，超时返回 OperationLocked
	Acquire(ctx context.Context, userID, creditTypeID string, timeout time.Duration) (Handle, error)
}

// RedisLocker AccountLocker 的 Redis 实现
type RedisLocker struct {
	client        *redis.Client
	expiration    time.Duration // 锁的自动过期时间，防止持锁进程崩溃后死锁
	retryInterval time.Duration
}

func NewRedisLocker(client *redis.Client, expiration, retryInterval time.Duration) *RedisLocker {
	if expiration <= 0 {
		expiration = 30 * time.Second
	}
	if retryInterval <= 0 {
		retryInterval = 50 * time.Millisecond
	}
	return &RedisLocker{client: client, expiration: expiration, retryInterval: retryInterval}
}

func lockKey(userID, creditTypeID string) string {
	return fmt.Sprintf("credit:lock:account:%s:%s", userID, creditTypeID)
}

func (l *RedisLocker) Acquire(ctx context.Context, userID, creditTypeID string, timeout time.Duration) (Handle, error) {
	key := lockKey(userID, creditTypeID)
	// value 使用随机 token，释放时验证持有者，防止误删别人的锁
	value := uuid.NewString()

	deadline := time.Now().Add(timeout)
	for {
		success, err := l.client.SetNX(ctx, key, value, l.expiration).Result()
		if err != nil {
			return nil, crediterr.DatabaseError(err)
		}
		if success {
			return &redisHandle{client: l.client, key: key, value: value}, nil
		}
		if time.Now().After(deadline) {
			return nil, crediterr.OperationLocked(key)
		}
		select {
		case <-ctx.Done():
			return nil, crediterr.OperationLocked(key).WithCause(ctx.Err())
		case <-time.After(l.retryInterval):
		}
	}
}

type redisHandle struct {
	client *redis.Client
	key    string
	value  string
}

// Release 释放锁
//
// Lua 脚本保证"检查+删除"原子执行：
// 场景：A 获取锁 -> A 处理超时，锁自动过期 -> B 获取锁 -> A 执行完毕调用 Release
// 如果不检查 value，A 会把 B 的锁删掉
func (h *redisHandle) Release(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := h.client.Eval(ctx, script, []string{h.key}, h.value).Result()
	return err
}
