package events

import (
	"strconv"
	"time"
)

const sampleURL = "https://www.eventbrite.com"

var sampleEvents = []struct {
	title  string
	offset int
	hour   int
}{
	{title: "Introduction to AI & Machine Learning", offset: 1, hour: 10},
	{title: "Web Development with React: Free Workshop", offset: 2, hour: 14},
	{title: "Python for Beginners: Live Session", offset: 3, hour: 18},
}

// SampleEvents is the fixed fallback set, dated relative to now.
func SampleEvents(now time.Time, limit int) []Event {
	events := make([]Event, 0, len(sampleEvents))
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for i, s := range sampleEvents {
		events = append(events, Event{
			Id:        "sample_" + strconv.Itoa(i+1),
			Title:     s.title,
			StartTime: day.AddDate(0, 0, s.offset).Add(time.Duration(s.hour) * time.Hour),
			URL:       sampleURL,
			Source:    SourceSample,
		})
	}
	return truncate(events, limit)
}

func truncate(events []Event, limit int) []Event {
	if limit > 0 && len(events) > limit {
		return events[:limit]
	}
	return events
}
