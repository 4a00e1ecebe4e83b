package events

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"tech-events-bot/config"
	"tech-events-bot/metrics"
)

var (
	ErrProvider     = errors.New("event provider error")
	ErrNoCredential = errors.New("no provider credential configured")
)

// ProviderError wraps a failed provider call. It matches ErrProvider.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return e.Provider + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// Provider lists the events starting on the calendar day of `day`.
type Provider interface {
	Name() string
	Events(ctx context.Context, day time.Time, limit int) ([]Event, error)
}

type Service struct {
	provider Provider
	timeout  time.Duration
	loc      *time.Location
	now      func() time.Time
	log      zerolog.Logger
}

const defaultTimeout = 15 * time.Second

// NewService wraps provider with the sample fallback. A nil provider means
// no credential is configured.
func NewService(provider Provider, timeout time.Duration, loc *time.Location, log zerolog.Logger) *Service {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		provider: provider,
		timeout:  timeout,
		loc:      loc,
		now:      time.Now,
		log:      log.With().Str("component", "events").Logger(),
	}
}

// FromConfig picks the configured provider. Missing credentials yield a
// service that always serves the sample set.
func FromConfig(cfg config.EventsConfig, loc *time.Location, log zerolog.Logger) (*Service, error) {
	var (
		provider Provider
		err      error
	)
	switch cfg.Provider {
	case config.ProviderEventbrite:
		if cfg.Token != "" {
			provider = NewEventbrite(cfg.BaseURL, cfg.Token)
		}
	case config.ProviderGCal:
		if cfg.Token != "" && cfg.CalendarID != "" {
			provider, err = NewGoogleCalendar(context.Background(), cfg.Token, cfg.CalendarID)
			if err != nil {
				return nil, err
			}
		}
	case config.ProviderICal:
		if cfg.FeedURL != "" {
			provider = NewICal(cfg.FeedURL)
		}
	default:
		return nil, errors.Errorf("unknown events provider %q", cfg.Provider)
	}
	s := NewService(provider, cfg.Timeout.Std(), loc, log)
	if provider == nil {
		s.log.Warn().Str("provider", cfg.Provider).Msg("no provider credential, using sample events")
	}
	return s, nil
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) Live() bool {
	return s.provider != nil
}

// FetchTodayEvents never fails: on any provider problem it returns the
// sample set and flags the result as degraded.
func (s *Service) FetchTodayEvents(ctx context.Context, limit int) Result {
	now := s.now().In(s.loc)
	if s.provider == nil {
		metrics.IncEventFetch("sample")
		return s.fallback(now, limit, ErrNoCredential)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	events, err := s.provider.Events(ctx, now, limit)
	if err != nil {
		metrics.IncEventFetch("fallback")
		return s.fallback(now, limit, &ProviderError{Provider: s.provider.Name(), Err: err})
	}
	metrics.IncEventFetch("live")
	s.log.Info().Str("provider", s.provider.Name()).Int("events", len(events)).Msg("fetched events")
	return Result{Events: truncate(events, limit)}
}

func (s *Service) fallback(now time.Time, limit int, cause error) Result {
	if errors.Is(cause, ErrProvider) {
		s.log.Error().Err(cause).Msg("event provider failed, using sample events")
	} else {
		s.log.Debug().Err(cause).Msg("using sample events")
	}
	return Result{
		Events:   SampleEvents(now, limit),
		Degraded: true,
		Reason:   cause.Error(),
	}
}
