package events

import (
	"context"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/emersion/go-ical"
	"github.com/pkg/errors"
	"github.com/teambition/rrule-go"
)

// ICal reads an .ics feed. The feed URL is the credential: private feeds
// carry their token in the URL.
type ICal struct {
	feedURL string
	client  *http.Client
}

func NewICal(feedURL string) *ICal {
	return &ICal{feedURL: feedURL, client: &http.Client{}}
}

func (c *ICal) Name() string { return "ical" }

func (c *ICal) Events(ctx context.Context, day time.Time, limit int) ([]Event, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build ical request")
	}
	response, err := c.client.Do(request)
	if err != nil {
		return nil, errors.Wrap(err, "unable to get ical feed")
	}
	defer func() {
		_ = response.Body.Close()
	}()
	code := response.StatusCode
	if code < 200 || code > 299 {
		return nil, errors.Errorf("unexpected status from ical feed %v", code)
	}
	events, err := parseFeed(response.Body, day)
	if err != nil {
		return nil, err
	}
	return truncate(events, limit), nil
}

// parseFeed returns the feed's events starting on day, in start order.
func parseFeed(r io.Reader, day time.Time) ([]Event, error) {
	loc := day.Location()
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, 1)

	decoder := ical.NewDecoder(r)
	events := make([]Event, 0)
	decoded := 0
	for {
		cal, err := decoder.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "unable to decode ical feed")
		}
		decoded++
		for _, comp := range cal.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			startProp := comp.Props.Get(ical.PropDateTimeStart)
			if startProp == nil {
				continue
			}
			start, err := startProp.DateTime(loc)
			if err != nil {
				return nil, errors.Wrap(err, "unable to parse event start")
			}
			event := Event{Source: SourceICal}
			if p := comp.Props.Get(ical.PropUID); p != nil {
				event.Id = "ical_" + p.Value
			}
			if p := comp.Props.Get(ical.PropSummary); p != nil {
				event.Title = p.Value
			}
			if p := comp.Props.Get(ical.PropURL); p != nil {
				event.URL = p.Value
			}
			for _, occurrence := range occurrences(comp, start, from, to) {
				e := event
				e.StartTime = occurrence.In(loc)
				events = append(events, e)
			}
		}
	}
	if decoded == 0 {
		return nil, errors.New("ical feed contains no calendar")
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].StartTime.Before(events[j].StartTime)
	})
	return events, nil
}

func occurrences(comp *ical.Component, start, from, to time.Time) []time.Time {
	ruleProp := comp.Props.Get(ical.PropRecurrenceRule)
	if ruleProp == nil {
		if !start.Before(from) && start.Before(to) {
			return []time.Time{start}
		}
		return nil
	}
	option, err := rrule.StrToROption(ruleProp.Value)
	if err != nil {
		return nil
	}
	option.Dtstart = start
	rule, err := rrule.NewRRule(*option)
	if err != nil {
		return nil
	}
	return rule.Between(from, to.Add(-time.Nanosecond), true)
}
