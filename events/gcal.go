package events

import (
	"context"
	"time"

	"github.com/pkg/errors"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// GoogleCalendar reads a public calendar with an API key.
type GoogleCalendar struct {
	calendarId string
	cal        *calendar.Service
}

func NewGoogleCalendar(ctx context.Context, apiKey, calendarId string, opts ...option.ClientOption) (*GoogleCalendar, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create google calendar client")
	}
	return &GoogleCalendar{calendarId: calendarId, cal: service}, nil
}

func (g *GoogleCalendar) Name() string { return "gcal" }

func (g *GoogleCalendar) Events(ctx context.Context, day time.Time, limit int) ([]Event, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)
	call := g.cal.Events.List(g.calendarId).
		Context(ctx).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339))
	if limit > 0 {
		call = call.MaxResults(int64(limit))
	}
	response, err := call.Do()
	if err != nil {
		return nil, errors.Wrap(err, "error on calling google calendar api")
	}
	events := make([]Event, 0, len(response.Items))
	for _, item := range response.Items {
		if item.Start == nil {
			continue
		}
		startTime, err := parseCalendarTime(item.Start, day.Location())
		if err != nil {
			return nil, errors.Wrapf(err, "unable to parse start of calendar event %v", item.Id)
		}
		events = append(events, Event{
			Id:        "gcal_" + item.Id,
			Title:     item.Summary,
			StartTime: startTime,
			URL:       item.HtmlLink,
			Source:    SourceGCal,
		})
	}
	return events, nil
}

func parseCalendarTime(t *calendar.EventDateTime, loc *time.Location) (time.Time, error) {
	if t.DateTime != "" {
		return time.Parse(time.RFC3339, t.DateTime)
	}
	return time.ParseInLocation("2006-01-02", t.Date, loc)
}
