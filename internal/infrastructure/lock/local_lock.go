package lock

import (
	"context"
	"sync"
	"time"

	"creditledger/pkg/crediterr"
)

// LocalLocker AccountLocker 的进程内实现
//
// 单实例部署和测试场景使用，语义与 Redis 实现一致：
// 按账户互斥、等锁有超时上限、释放幂等。
// 锁槽按引用计数回收，没有持有者和等待者的键会从 map 里删掉，
// 长期运行不会随接触过的账户数无限增长
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	// 容量 1 的 channel 做二元信号量
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: map[string]*lockSlot{}}
}

func (l *LocalLocker) acquireSlot(key string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) releaseSlot(key string, s *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *LocalLocker) Acquire(ctx context.Context, userID, creditTypeID string, timeout time.Duration) (Handle, error) {
	key := lockKey(userID, creditTypeID)
	s := l.acquireSlot(key)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return &localHandle{locker: l, key: key, slot: s}, nil
	case <-timer.C:
		l.releaseSlot(key, s)
		return nil, crediterr.OperationLocked(key)
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return nil, crediterr.OperationLocked(key).WithCause(ctx.Err())
	}
}

type localHandle struct {
	once   sync.Once
	locker *LocalLocker
	key    string
	slot   *lockSlot
}

func (h *localHandle) Release(_ context.Context) error {
	h.once.Do(func() {
		<-h.slot.ch
		h.locker.releaseSlot(h.key, h.slot)
	})
	return nil
}
