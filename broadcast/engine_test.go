package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"tech-events-bot/config"
	"tech-events-bot/db"
	"tech-events-bot/events"
	"tech-events-bot/mutex"
	"tech-events-bot/templates"
)

var testNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.New(config.DatabaseConfig{Driver: config.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func subscribe(t *testing.T, d *db.DB, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, _, err := d.Subscribe(context.Background(), db.SubscriberInfo{Id: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}
}

type staticEvents struct {
	result events.Result
}

func (s staticEvents) FetchTodayEvents(context.Context, int) events.Result { return s.result }

// recordingSender fails for ids in failFor and records every attempt.
type recordingSender struct {
	mu       sync.Mutex
	failFor  map[string]bool
	attempts map[string]int
	texts    []string
	release  chan struct{}
}

func newRecordingSender(failFor ...string) *recordingSender {
	s := &recordingSender{failFor: map[string]bool{}, attempts: map[string]int{}}
	for _, id := range failFor {
		s.failFor[id] = true
	}
	return s
}

func (s *recordingSender) Send(ctx context.Context, id, text string) error {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[id]++
	s.texts = append(s.texts, text)
	if s.failFor[id] {
		return errors.New("bot was blocked by the user")
	}
	return nil
}

func newTestEngine(store Store, source EventSource, sender Sender, lock mutex.Locker) *Engine {
	e := NewEngine(Config{
		MaxEvents:   10,
		Workers:     3,
		SendTimeout: time.Second,
		Location:    time.UTC,
	}, store, source, sender, lock, zerolog.Nop())
	e.SetClock(func() time.Time { return testNow })
	return e
}

func TestRunPartialFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n, k int
	}{
		{n: 0, k: 0},
		{n: 1, k: 0},
		{n: 5, k: 2},
		{n: 7, k: 7},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("n=%d,k=%d", tt.n, tt.k), func(t *testing.T) {
			t.Parallel()
			d := newTestDB(t)
			subscribe(t, d, tt.n)
			var fail []string
			for i := 0; i < tt.k; i++ {
				fail = append(fail, fmt.Sprint(i))
			}
			sender := newRecordingSender(fail...)
			source := staticEvents{result: events.Result{Events: []events.Event{{Title: "Go meetup", StartTime: testNow}}}}
			e := newTestEngine(d, source, sender, mutex.NewBuilder("", "", 0).Broadcast("test"))

			run, err := e.Run(context.Background(), db.TriggerManual)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if run.Delivered+run.Failed != tt.n {
				t.Fatalf("delivered+failed = %d, want %d", run.Delivered+run.Failed, tt.n)
			}
			if run.Failed != tt.k {
				t.Fatalf("failed = %d, want %d", run.Failed, tt.k)
			}
			if run.Status != db.RunDone || run.EventCount != 1 || run.RunDate != "2026-03-01" {
				t.Fatalf("unexpected run %+v", run)
			}
			for i := 0; i < tt.n; i++ {
				if got := sender.attempts[fmt.Sprint(i)]; got != 1 {
					t.Fatalf("subscriber %d attempted %d times, want 1", i, got)
				}
			}
			stored, err := d.GetRun(context.Background(), run.Id)
			if err != nil {
				t.Fatal(err)
			}
			if stored.Delivered != run.Delivered || stored.Failed != run.Failed || stored.Status != db.RunDone {
				t.Fatalf("stored run %+v differs from returned %+v", stored, run)
			}
		})
	}
}

func TestRunRetriesBeforeCountingFailure(t *testing.T) {
	t.Parallel()
	d := newTestDB(t)
	subscribe(t, d, 2)
	sender := newRecordingSender("1")
	e := NewEngine(Config{MaxEvents: 5, Workers: 1, RetryMax: 2, Location: time.UTC}, d,
		staticEvents{}, sender, mutex.NewBuilder("", "", 0).Broadcast("test"), zerolog.Nop())

	run, err := e.Run(context.Background(), db.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if run.Delivered != 1 || run.Failed != 1 {
		t.Fatalf("unexpected counts %+v", run)
	}
	if sender.attempts["1"] != 3 {
		t.Fatalf("failing subscriber attempted %d times, want 3", sender.attempts["1"])
	}
}

func TestRunEmptyEventsStillSends(t *testing.T) {
	t.Parallel()
	d := newTestDB(t)
	subscribe(t, d, 2)
	sender := newRecordingSender()
	source := staticEvents{result: events.Result{Degraded: true, Reason: "test"}}
	e := newTestEngine(d, source, sender, mutex.NewBuilder("", "", 0).Broadcast("test"))

	run, err := e.Run(context.Background(), db.TriggerScheduler)
	if err != nil {
		t.Fatal(err)
	}
	if run.Delivered != 2 || run.EventCount != 0 || !run.Degraded {
		t.Fatalf("unexpected run %+v", run)
	}
	for _, text := range sender.texts {
		if !strings.Contains(text, templates.NoEvents) {
			t.Fatalf("message lacks no-events line: %q", text)
		}
	}
}

func TestConcurrentManualTriggers(t *testing.T) {
	t.Parallel()
	d := newTestDB(t)
	subscribe(t, d, 1)
	sender := newRecordingSender()
	sender.release = make(chan struct{})
	e := newTestEngine(d, staticEvents{}, sender, mutex.NewBuilder("", "", 0).Broadcast("test"))

	type outcome struct {
		run db.BroadcastRun
		err error
	}
	results := make(chan outcome, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			run, err := e.Run(context.Background(), db.TriggerManual)
			results <- outcome{run: run, err: err}
		}()
	}
	close(start)

	first := <-results
	if !errors.Is(first.err, ErrConcurrentTrigger) {
		t.Fatalf("first finished trigger err = %v, want ErrConcurrentTrigger", first.err)
	}
	close(sender.release)
	second := <-results
	if second.err != nil {
		t.Fatalf("winning run err = %v", second.err)
	}
	if second.run.Delivered != 1 {
		t.Fatalf("winning run delivered %d, want 1", second.run.Delivered)
	}
	runs, err := d.ListRuns(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(runs))
	}
}

func TestScheduledRunOncePerDay(t *testing.T) {
	t.Parallel()
	d := newTestDB(t)
	e := newTestEngine(d, staticEvents{}, newRecordingSender(), mutex.NewBuilder("", "", 0).Broadcast("test"))

	if _, err := e.Run(context.Background(), db.TriggerScheduler); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background(), db.TriggerScheduler); !errors.Is(err, db.ErrAlreadyRan) {
		t.Fatalf("second scheduled run err = %v, want ErrAlreadyRan", err)
	}
}

// brokenStore fails the snapshot read.
type brokenStore struct {
	*db.DB
}

func (brokenStore) ListActive(context.Context) ([]db.Subscriber, error) {
	return nil, &db.StorageError{Op: "list active", Err: errors.New("disk on fire")}
}

func TestRunFailsOnSnapshotError(t *testing.T) {
	t.Parallel()
	d := newTestDB(t)
	e := newTestEngine(brokenStore{d}, staticEvents{}, newRecordingSender(), mutex.NewBuilder("", "", 0).Broadcast("test"))

	run, err := e.Run(context.Background(), db.TriggerManual)
	if !errors.Is(err, db.ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	stored, err := d.GetRun(context.Background(), run.Id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != db.RunFailed || stored.Error == "" {
		t.Fatalf("failed run not recorded: %+v", stored)
	}
	if e.Running() {
		t.Fatal("engine still marked running")
	}
}

// slowSender outlives the send timeout but still counts as reaching the chat.
type slowSender struct {
	mu      sync.Mutex
	arrived int
}

func (s *slowSender) Send(ctx context.Context, id, text string) error {
	<-ctx.Done()
	s.mu.Lock()
	s.arrived++
	s.mu.Unlock()
	return ctx.Err()
}

func TestRunDoesNotRetryAbandonedSend(t *testing.T) {
	t.Parallel()
	d := newTestDB(t)
	subscribe(t, d, 1)
	sender := &slowSender{}
	e := NewEngine(Config{MaxEvents: 5, Workers: 1, RetryMax: 3, SendTimeout: 20 * time.Millisecond, Location: time.UTC},
		d, staticEvents{}, sender, mutex.NewBuilder("", "", 0).Broadcast("test"), zerolog.Nop())

	run, err := e.Run(context.Background(), db.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if run.Failed != 1 {
		t.Fatalf("unexpected counts %+v", run)
	}
	if sender.arrived != 1 {
		t.Fatalf("timed-out send repeated %d times, want 1", sender.arrived)
	}
}

func TestStartRejectsWhileRunning(t *testing.T) {
	t.Parallel()
	d := newTestDB(t)
	subscribe(t, d, 2)
	sender := newRecordingSender()
	sender.release = make(chan struct{})
	e := newTestEngine(d, staticEvents{}, sender, mutex.NewBuilder("", "", 0).Broadcast("test"))

	if err := e.Start(context.Background(), db.TriggerManual); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !e.Running() {
		t.Fatal("engine not running after Start")
	}
	if err := e.Start(context.Background(), db.TriggerManual); !errors.Is(err, ErrConcurrentTrigger) {
		t.Fatalf("second Start err = %v, want ErrConcurrentTrigger", err)
	}
	if _, err := e.Run(context.Background(), db.TriggerManual); !errors.Is(err, ErrConcurrentTrigger) {
		t.Fatalf("Run during Start err = %v, want ErrConcurrentTrigger", err)
	}
	close(sender.release)

	deadline := time.Now().Add(5 * time.Second)
	for e.Running() {
		if time.Now().After(deadline) {
			t.Fatal("background run did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, err := d.LastRun(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if run.Delivered != 2 || run.Status != db.RunDone {
		t.Fatalf("unexpected run %+v", run)
	}
}
