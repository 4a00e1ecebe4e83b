package templates

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"tech-events-bot/events"
)

var (
	//go:embed resource/welcome.txt
	Welcome string
	//go:embed resource/alreadySubscribed.txt
	AlreadySubscribed string
	//go:embed resource/unsubscribed.txt
	Unsubscribed string
	//go:embed resource/notSubscribed.txt
	NotSubscribed string
	//go:embed resource/count.txt
	Count string
	//go:embed resource/help.txt
	Help string
	//go:embed resource/unknown.txt
	Unknown string
	//go:embed resource/unexpectedError.txt
	UnexpectedError string
	//go:embed resource/eventsHeader.txt
	EventsHeader string
	//go:embed resource/eventItem.txt
	EventItem string
	//go:embed resource/noEvents.txt
	NoEvents string
	//go:embed resource/sampleNotice.txt
	SampleNotice string
	//go:embed resource/eventsFooter.txt
	EventsFooter string
)

const (
	headerDateLayout = "Monday, 02 Jan 2006"
	eventTimeLayout  = "2006-01-02 15:04"
)

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// Escape makes s safe inside a legacy Markdown message.
func Escape(s string) string {
	return markdownEscaper.Replace(s)
}

// Events renders the daily digest. An empty list still yields a message.
func Events(list []events.Event, degraded bool, now time.Time) string {
	parts := []string{fmt.Sprintf(EventsHeader, now.Format(headerDateLayout))}
	if len(list) == 0 {
		parts = append(parts, NoEvents)
	}
	for i, e := range list {
		parts = append(parts, fmt.Sprintf(
			EventItem,
			i+1,
			Escape(e.Title),
			e.StartTime.In(now.Location()).Format(eventTimeLayout),
			e.URL,
			Escape(e.Source),
		))
	}
	if degraded {
		parts = append(parts, SampleNotice)
	}
	parts = append(parts, EventsFooter)
	return strings.Join(parts, "\n\n")
}
