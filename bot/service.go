package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tech-events-bot/db"
	"tech-events-bot/events"
	"tech-events-bot/metrics"
	"tech-events-bot/templates"
)

type Store interface {
	Subscribe(ctx context.Context, info db.SubscriberInfo) (db.Subscriber, db.Change, error)
	Unsubscribe(ctx context.Context, id string) (bool, error)
	CountActive(ctx context.Context) (int, error)
}

type EventSource interface {
	FetchTodayEvents(ctx context.Context, limit int) events.Result
}

// Processor turns one command from one chat into a store mutation and a reply.
type Processor struct {
	store     Store
	events    EventSource
	maxEvents int
	sendTime  string
	loc       *time.Location
	log       zerolog.Logger
	now       func() time.Time
}

func NewProcessor(store Store, source EventSource, maxEvents int, sendTime string, loc *time.Location, log zerolog.Logger) *Processor {
	if loc == nil {
		loc = time.Local
	}
	return &Processor{
		store:     store,
		events:    source,
		maxEvents: maxEvents,
		sendTime:  sendTime,
		loc:       loc,
		log:       log.With().Str("component", "bot").Logger(),
		now:       time.Now,
	}
}

func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Handle never exposes internal errors to the chat; they are logged and
// answered with a generic reply.
func (p *Processor) Handle(ctx context.Context, cmd Command, from db.SubscriberInfo) string {
	metrics.IncCommand(cmd.String())
	log := p.log.With().Str("chat", from.Id).Stringer("command", cmd).Logger()
	switch cmd {
	case Start:
		_, change, err := p.store.Subscribe(ctx, from)
		if err != nil {
			log.Error().Err(err).Msg("unable to subscribe")
			return templates.UnexpectedError
		}
		if change == db.Unchanged {
			return fmt.Sprintf(templates.AlreadySubscribed, p.sendTime)
		}
		log.Info().Stringer("change", change).Msg("subscribed")
		return fmt.Sprintf(templates.Welcome, templates.Escape(displayName(from)), p.sendTime)
	case Stop:
		changed, err := p.store.Unsubscribe(ctx, from.Id)
		if err != nil {
			log.Error().Err(err).Msg("unable to unsubscribe")
			return templates.UnexpectedError
		}
		if !changed {
			return templates.NotSubscribed
		}
		log.Info().Msg("unsubscribed")
		return templates.Unsubscribed
	case Events:
		result := p.events.FetchTodayEvents(ctx, p.maxEvents)
		return templates.Events(result.Events, result.Degraded, p.now().In(p.loc))
	case Count:
		n, err := p.store.CountActive(ctx)
		if err != nil {
			log.Error().Err(err).Msg("unable to count subscribers")
			return templates.UnexpectedError
		}
		return fmt.Sprintf(templates.Count, n)
	case Help:
		return templates.Help
	default:
		return templates.Unknown
	}
}

func displayName(from db.SubscriberInfo) string {
	if from.Name != "" {
		return from.Name
	}
	if from.Username != "" {
		return from.Username
	}
	return "there"
}
