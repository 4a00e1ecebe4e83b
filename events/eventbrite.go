package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const eventbriteLocalLayout = "2006-01-02T15:04:05"

type Eventbrite struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewEventbrite(baseURL, token string) *Eventbrite {
	return &Eventbrite{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

func (e *Eventbrite) Name() string { return "eventbrite" }

type eventbriteEvent struct {
	Id   string `json:"id"`
	Name struct {
		Text string `json:"text"`
	} `json:"name"`
	Start struct {
		Local string `json:"local"`
	} `json:"start"`
	URL string `json:"url"`
}

// Events is a pointer so a body without the key is told apart from an
// empty day.
type eventbritePayload struct {
	Events *[]eventbriteEvent `json:"events"`
}

func (e *Eventbrite) Events(ctx context.Context, day time.Time, limit int) ([]Event, error) {
	values := url.Values{}
	values.Set("date", day.Format("2006-01-02"))
	values.Set("limit", strconv.Itoa(limit))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%v/events?%v", e.baseURL, values.Encode()), nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build eventbrite request")
	}
	request.Header.Set("Authorization", "Bearer "+e.token)
	request.Header.Set("Accept", "application/json")
	response, err := e.client.Do(request)
	if err != nil {
		return nil, errors.Wrap(err, "unable to get events from eventbrite")
	}
	defer func() {
		_ = response.Body.Close()
	}()
	code := response.StatusCode
	if code < 200 || code > 299 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return nil, errors.Errorf("unexpected status from eventbrite %v; body: %v", code, string(body))
	}
	var payload eventbritePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "unable to decode eventbrite events")
	}
	if payload.Events == nil {
		return nil, errors.New("eventbrite response has no events list")
	}
	events := make([]Event, 0, len(*payload.Events))
	for _, item := range *payload.Events {
		if item.Name.Text == "" {
			return nil, errors.Errorf("eventbrite event %v has no title", item.Id)
		}
		start, err := time.ParseInLocation(eventbriteLocalLayout, item.Start.Local, day.Location())
		if err != nil {
			return nil, errors.Wrapf(err, "unable to parse start of eventbrite event %v", item.Id)
		}
		events = append(events, Event{
			Id:        "eb_" + item.Id,
			Title:     item.Name.Text,
			StartTime: start,
			URL:       item.URL,
			Source:    SourceEventbrite,
		})
	}
	return events, nil
}
