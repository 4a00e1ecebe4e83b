package mutex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis"
	"github.com/pkg/errors"
)

const (
	broadcastLockExpiration = time.Minute * 30
	broadcastKeyPattern     = "broadcast:%v"
)

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("lock is held")

// Locker is a non-blocking lock. TryLock returns an unlock func on success.
type Locker interface {
	TryLock(ctx context.Context) (func(), error)
}

type Builder struct {
	rs *redsync.Redsync
}

// NewBuilder returns a builder backed by Redis, or a process-local one when
// address is empty.
func NewBuilder(address, password string, db int) *Builder {
	if address == "" {
		return &Builder{}
	}
	client := redis.NewClient(&redis.Options{Addr: address, Password: password, DB: db})
	pool := goredis.NewPool(client)
	rs := redsync.New(pool)
	return &Builder{rs: rs}
}

func (b *Builder) Distributed() bool {
	return b.rs != nil
}

// Broadcast guards broadcast runs for the named bot. The local lock is always
// taken first so one process never races itself on Redis.
func (b *Builder) Broadcast(name string) Locker {
	local := &localLock{}
	if b.rs == nil {
		return local
	}
	key := fmt.Sprintf(broadcastKeyPattern, name)
	m := b.rs.NewMutex(key, redsync.WithExpiry(broadcastLockExpiration), redsync.WithTries(1))
	return &chain{first: local, second: &redisLock{m: m}}
}

type localLock struct {
	mu   sync.Mutex
	held bool
}

func (l *localLock) TryLock(context.Context) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, ErrLocked
	}
	l.held = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.held = false
			l.mu.Unlock()
		})
	}, nil
}

type redisLock struct {
	m *redsync.Mutex
}

func (r *redisLock) TryLock(ctx context.Context) (func(), error) {
	err := r.m.LockContext(ctx)
	if errors.Is(err, redsync.ErrFailed) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to take redis broadcast lock")
	}
	return func() {
		// The lock expires on its own if this fails.
		_, _ = r.m.UnlockContext(context.Background())
	}, nil
}

type chain struct {
	first, second Locker
}

func (c *chain) TryLock(ctx context.Context) (func(), error) {
	unlockFirst, err := c.first.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	unlockSecond, err := c.second.TryLock(ctx)
	if err != nil {
		unlockFirst()
		return nil, err
	}
	return func() {
		unlockSecond()
		unlockFirst()
	}, nil
}
