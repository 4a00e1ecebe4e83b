package db

import (
	"time"

	"github.com/uptrace/bun"
)

type Subscriber struct {
	bun.BaseModel `bun:"table:subscribers"`

	Id           string `bun:",pk"`
	Name         string
	Username     string
	Active       bool      `bun:",notnull"`
	SubscribedAt time.Time `bun:",notnull"`
	UpdatedAt    time.Time `bun:",notnull"`
}

// SubscriberInfo is what a chat tells us about itself on /start.
type SubscriberInfo struct {
	Id       string
	Name     string
	Username string
}

// Change describes what Subscribe did to the stored record.
type Change int

const (
	Unchanged Change = iota
	Created
	Reactivated
)

func (c Change) String() string {
	switch c {
	case Created:
		return "created"
	case Reactivated:
		return "reactivated"
	default:
		return "unchanged"
	}
}

type Trigger string

const (
	TriggerScheduler Trigger = "scheduler"
	TriggerManual    Trigger = "manual"
)

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunFailed  RunStatus = "failed"
)

type BroadcastRun struct {
	bun.BaseModel `bun:"table:broadcast_runs"`

	Id string `bun:",pk" json:"id"`
	// RunDate is the calendar date (YYYY-MM-DD) in the bot's time zone.
	RunDate     string     `bun:",notnull" json:"run_date"`
	TriggeredBy Trigger    `bun:",notnull" json:"triggered_by"`
	Status      RunStatus  `bun:",notnull" json:"status"`
	EventCount  int        `bun:",notnull" json:"event_count"`
	Delivered   int        `bun:",notnull" json:"delivered"`
	Failed      int        `bun:",notnull" json:"failed"`
	Degraded    bool       `bun:",notnull" json:"degraded"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `bun:",notnull" json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// DateLayout is the RunDate format.
const DateLayout = "2006-01-02"
