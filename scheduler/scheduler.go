package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"tech-events-bot/broadcast"
	"tech-events-bot/db"
)

type DayState int

const (
	Pending DayState = iota
	Fired
	Done
)

func (s DayState) String() string {
	switch s {
	case Fired:
		return "fired"
	case Done:
		return "done"
	default:
		return "pending"
	}
}

type Runner interface {
	Run(ctx context.Context, trigger db.Trigger) (db.BroadcastRun, error)
}

type History interface {
	HasScheduledRun(ctx context.Context, date string) (bool, error)
}

type Config struct {
	Hour, Minute int
	Tick         string
	MissedWindow time.Duration
	Location     *time.Location
}

// Scheduler fires the daily broadcast at most once per calendar day.
type Scheduler struct {
	cfg     Config
	runner  Runner
	history History
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	states map[string]DayState
	cron   *cron.Cron
}

func New(cfg Config, runner Runner, history History, log zerolog.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Tick == "" {
		cfg.Tick = "@every 1m"
	}
	if cfg.MissedWindow <= 0 {
		cfg.MissedWindow = time.Hour
	}
	return &Scheduler{
		cfg:     cfg,
		runner:  runner,
		history: history,
		log:     log.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
		states:  make(map[string]DayState),
	}
}

func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start checks once right away and then on every tick until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(s.cfg.Location))
	_, err := c.AddFunc(s.cfg.Tick, func() { s.Check(ctx) })
	if err != nil {
		return errors.Wrapf(err, "invalid scheduler tick %q", s.cfg.Tick)
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	s.log.Info().
		Str("send_time", time.Date(0, 1, 1, s.cfg.Hour, s.cfg.Minute, 0, 0, time.UTC).Format("15:04")).
		Str("tz", s.cfg.Location.String()).
		Str("tick", s.cfg.Tick).
		Msg("scheduler started")
	s.Check(ctx)
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		s.log.Info().Msg("scheduler stopped")
	}()
	return nil
}

// Check advances today's state and fires the broadcast when it is due.
func (s *Scheduler) Check(ctx context.Context) {
	now := s.now().In(s.cfg.Location)
	today := now.Format(db.DateLayout)

	s.mu.Lock()
	if st := s.states[today]; st == Done || st == Fired {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ran, err := s.history.HasScheduledRun(ctx, today)
	if err != nil {
		s.log.Error().Err(err).Str("date", today).Msg("unable to read broadcast history")
		return
	}
	if ran {
		s.set(today, Done)
		return
	}

	sendAt := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.Hour, s.cfg.Minute, 0, 0, s.cfg.Location)
	if now.Before(sendAt) {
		s.set(today, Pending)
		return
	}
	if !now.Before(sendAt.Add(s.cfg.MissedWindow)) {
		s.set(today, Done)
		s.log.Warn().Str("date", today).Time("send_at", sendAt).Msg("daily broadcast window missed")
		return
	}

	s.mu.Lock()
	if s.states[today] == Fired || s.states[today] == Done {
		s.mu.Unlock()
		return
	}
	s.states[today] = Fired
	s.mu.Unlock()

	_, err = s.runner.Run(ctx, db.TriggerScheduler)
	switch {
	case errors.Is(err, broadcast.ErrConcurrentTrigger):
		s.log.Info().Str("date", today).Msg("broadcast in progress, deferring to next tick")
		s.set(today, Pending)
	case errors.Is(err, db.ErrAlreadyRan):
		s.set(today, Done)
	case err != nil:
		s.log.Error().Err(err).Str("date", today).Msg("scheduled broadcast failed")
		s.set(today, Done)
	default:
		s.set(today, Done)
	}
}

// State reports the in-memory state of date (YYYY-MM-DD).
func (s *Scheduler) State(date string) DayState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[date]
}

// Today is State for the current date in the configured location.
func (s *Scheduler) Today() DayState {
	return s.State(s.now().In(s.cfg.Location).Format(db.DateLayout))
}

func (s *Scheduler) set(date string, st DayState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[date] = st
}
