package broadcast

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"tech-events-bot/db"
	"tech-events-bot/events"
	"tech-events-bot/metrics"
	"tech-events-bot/mutex"
	"tech-events-bot/templates"
)

var (
	ErrConcurrentTrigger = errors.New("a broadcast is already running")
	ErrDelivery          = errors.New("delivery failed")
)

// DeliveryError is a failed send to one subscriber. It matches ErrDelivery.
type DeliveryError struct {
	SubscriberId string
	Err          error
}

func (e *DeliveryError) Error() string {
	return "deliver to " + e.SubscriberId + ": " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

type Store interface {
	ListActive(ctx context.Context) ([]db.Subscriber, error)
	BeginRun(ctx context.Context, run db.BroadcastRun) (db.BroadcastRun, error)
	FinishRun(ctx context.Context, run db.BroadcastRun) (db.BroadcastRun, error)
}

type EventSource interface {
	FetchTodayEvents(ctx context.Context, limit int) events.Result
}

// Sender delivers one message to one subscriber.
type Sender interface {
	Send(ctx context.Context, subscriberId string, text string) error
}

type Config struct {
	MaxEvents   int
	Workers     int
	RatePerSec  int
	RetryMax    int
	SendTimeout time.Duration
	Location    *time.Location
}

type Engine struct {
	cfg     Config
	store   Store
	events  EventSource
	sender  Sender
	lock    mutex.Locker
	limiter *rate.Limiter
	log     zerolog.Logger
	now     func() time.Time

	running atomic.Bool
}

func NewEngine(cfg Config, store Store, source EventSource, sender Sender, lock mutex.Locker, log zerolog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		events:  source,
		sender:  sender,
		lock:    lock,
		limiter: limiter,
		log:     log.With().Str("component", "broadcast").Logger(),
		now:     time.Now,
	}
}

func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Running reports whether a run is in flight in this process.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Run executes one broadcast. Only a failed snapshot read is fatal;
// individual delivery failures are counted in the returned run.
func (e *Engine) Run(ctx context.Context, trigger db.Trigger) (db.BroadcastRun, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return db.BroadcastRun{}, err
	}
	defer release()
	return e.run(ctx, trigger)
}

// Start takes the broadcast lock and runs in the background. The lock is
// held before Start returns, so a concurrent trigger is rejected right away.
func (e *Engine) Start(ctx context.Context, trigger db.Trigger) error {
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	go func() {
		defer release()
		if _, err := e.run(ctx, trigger); err != nil {
			e.log.Error().Err(err).Str("trigger", string(trigger)).Msg("background broadcast failed")
		}
	}()
	return nil
}

func (e *Engine) acquire(ctx context.Context) (func(), error) {
	unlock, err := e.lock.TryLock(ctx)
	if errors.Is(err, mutex.ErrLocked) {
		return nil, ErrConcurrentTrigger
	}
	if err != nil {
		return nil, err
	}
	e.running.Store(true)
	return func() {
		e.running.Store(false)
		unlock()
	}, nil
}

func (e *Engine) run(ctx context.Context, trigger db.Trigger) (db.BroadcastRun, error) {
	start := time.Now()
	now := e.now().In(e.cfg.Location)
	run, err := e.store.BeginRun(ctx, db.BroadcastRun{
		Id:          uuid.NewString(),
		RunDate:     now.Format(db.DateLayout),
		TriggeredBy: trigger,
		StartedAt:   now,
	})
	if err != nil {
		return db.BroadcastRun{}, err
	}
	log := e.log.With().Str("run", run.Id).Str("trigger", string(trigger)).Logger()
	log.Info().Str("date", run.RunDate).Msg("broadcast started")

	fetched := e.events.FetchTodayEvents(ctx, e.cfg.MaxEvents)
	run.EventCount = len(fetched.Events)
	run.Degraded = fetched.Degraded
	if fetched.Degraded {
		log.Warn().Str("reason", fetched.Reason).Msg("broadcasting sample events")
	}

	recipients, err := e.store.ListActive(ctx)
	if err != nil {
		run.Status = db.RunFailed
		run.Error = err.Error()
		if _, finishErr := e.finish(run); finishErr != nil {
			log.Error().Err(finishErr).Msg("unable to record failed broadcast")
		}
		metrics.RecordBroadcast(string(trigger), string(db.RunFailed), time.Since(start))
		log.Error().Err(err).Msg("broadcast aborted, subscriber snapshot failed")
		return run, err
	}

	text := templates.Events(fetched.Events, fetched.Degraded, now)
	run.Delivered, run.Failed = e.deliver(ctx, log, recipients, text)

	finished, err := e.finish(run)
	if err != nil {
		log.Error().Err(err).Msg("unable to record finished broadcast")
		run.Status = db.RunDone
		finished = run
	}
	metrics.RecordBroadcast(string(trigger), string(finished.Status), time.Since(start))
	event := log.Info()
	if finished.Failed > 0 {
		event = log.Warn()
	}
	event.
		Int("recipients", len(recipients)).
		Int("delivered", finished.Delivered).
		Int("failed", finished.Failed).
		Int("events", finished.EventCount).
		Dur("dur", time.Since(start)).
		Msg("broadcast finished")
	return finished, nil
}

// finish records the outcome even if the caller's context is already done.
func (e *Engine) finish(run db.BroadcastRun) (db.BroadcastRun, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return e.store.FinishRun(ctx, run)
}

// deliver attempts every recipient exactly once through a bounded pool.
func (e *Engine) deliver(ctx context.Context, log zerolog.Logger, recipients []db.Subscriber, text string) (int, int) {
	var (
		delivered atomic.Int64
		failed    atomic.Int64
		g         errgroup.Group
	)
	g.SetLimit(e.cfg.Workers)
	for _, recipient := range recipients {
		id := recipient.Id
		g.Go(func() error {
			if err := e.sendOne(ctx, log, id, text); err != nil {
				failed.Add(1)
				metrics.IncDelivery("failed")
				log.Warn().Err(err).Str("subscriber", id).Msg("broadcast send failed")
				return nil
			}
			delivered.Add(1)
			metrics.IncDelivery("delivered")
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load()), int(failed.Load())
}

func (e *Engine) sendOne(ctx context.Context, log zerolog.Logger, id, text string) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return &DeliveryError{SubscriberId: id, Err: err}
		}
	}
	var last error
	for i := 0; i <= e.cfg.RetryMax; i++ {
		sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
		err := e.sender.Send(sendCtx, id, text)
		cancel()
		if err == nil {
			return nil
		}
		last = err
		if i == e.cfg.RetryMax || !retryable(err) {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		log.Debug().Err(err).Str("subscriber", id).Int("attempt", i+2).Dur("delay", delay).Msg("broadcast send retry scheduled")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &DeliveryError{SubscriberId: id, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	return &DeliveryError{SubscriberId: id, Err: last}
}

// retryable reports whether a failed send surely did not reach the
// subscriber. An abandoned send may still land, so it is never repeated.
func retryable(err error) bool {
	return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
}
