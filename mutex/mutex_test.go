package mutex

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
)

func TestLocalBroadcastLock(t *testing.T) {
	t.Parallel()
	b := NewBuilder("", "", 0)
	if b.Distributed() {
		t.Fatal("builder without address must be local")
	}
	lock := b.Broadcast("bot")

	unlock, err := lock.TryLock(context.Background())
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := lock.TryLock(context.Background()); !errors.Is(err, ErrLocked) {
		t.Fatalf("second TryLock err = %v, want ErrLocked", err)
	}
	unlock()
	unlock()

	unlock, err = lock.TryLock(context.Background())
	if err != nil {
		t.Fatalf("TryLock after unlock: %v", err)
	}
	unlock()
}

func TestLocalBroadcastLockContended(t *testing.T) {
	t.Parallel()
	lock := NewBuilder("", "", 0).Broadcast("bot")
	var (
		wg       sync.WaitGroup
		acquired atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := lock.TryLock(context.Background()); err == nil {
				acquired.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if acquired.Load() != 1 {
		t.Fatalf("acquired %d times, want 1", acquired.Load())
	}
}

type failingLock struct{}

func (failingLock) TryLock(context.Context) (func(), error) { return nil, ErrLocked }

func TestChainReleasesFirstOnSecondFailure(t *testing.T) {
	t.Parallel()
	first := &localLock{}
	c := &chain{first: first, second: failingLock{}}
	if _, err := c.TryLock(context.Background()); !errors.Is(err, ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}
	unlock, err := first.TryLock(context.Background())
	if err != nil {
		t.Fatalf("first lock leaked: %v", err)
	}
	unlock()
}

func TestRedisBroadcastLockAcrossProcesses(t *testing.T) {
	t.Parallel()
	server := miniredis.RunT(t)
	first := NewBuilder(server.Addr(), "", 0)
	second := NewBuilder(server.Addr(), "", 0)
	if !first.Distributed() {
		t.Fatal("builder with address must be distributed")
	}
	a := first.Broadcast("bot")
	b := second.Broadcast("bot")

	unlock, err := a.TryLock(context.Background())
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if !server.Exists("broadcast:bot") {
		t.Fatal("lock key not written to redis")
	}
	if _, err := b.TryLock(context.Background()); !errors.Is(err, ErrLocked) {
		t.Fatalf("other process TryLock err = %v, want ErrLocked", err)
	}
	if _, err := a.TryLock(context.Background()); !errors.Is(err, ErrLocked) {
		t.Fatalf("same process TryLock err = %v, want ErrLocked", err)
	}
	unlock()

	unlock, err = b.TryLock(context.Background())
	if err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	unlock()
}

func TestRedisBroadcastLockUnreachable(t *testing.T) {
	t.Parallel()
	server := miniredis.RunT(t)
	lock := NewBuilder(server.Addr(), "", 0).Broadcast("bot")
	server.Close()

	if _, err := lock.TryLock(context.Background()); err == nil {
		t.Fatal("TryLock succeeded without redis")
	}
}
