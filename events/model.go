package events

import (
	"time"
)

const (
	SourceEventbrite = "Eventbrite"
	SourceGCal       = "Google Calendar"
	SourceICal       = "iCal"
	SourceSample     = "Sample"
)

type Event struct {
	Id        string
	Title     string
	StartTime time.Time
	URL       string
	Source    string
}

// Result is one fetch. Degraded means Events is the sample set.
type Result struct {
	Events   []Event
	Degraded bool
	Reason   string
}
