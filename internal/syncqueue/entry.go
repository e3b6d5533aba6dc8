package syncqueue

import (
	"time"

	"github.com/goodtune/presenced/internal/activity"
	"github.com/google/uuid"
)

// Kind identifies what an entry carries.
type Kind string

const (
	KindDay       Kind = "day"
	KindTimeEntry Kind = "time_entry"
)

// Entry is one queued upload. It owns independent copies of its payload.
type Entry struct {
	ID         string              `json:"id"`
	Kind       Kind                `json:"kind"`
	Day        *activity.DayRecord `json:"day,omitempty"`
	TimeEntry  *activity.TimeEntry `json:"timeEntry,omitempty"`
	EnqueuedAt int64               `json:"enqueuedAt"`
	Attempts   int                 `json:"attempts"`
	LastError  string              `json:"lastError,omitempty"`
}

// NewDayEntry snapshots rec for upload.
func NewDayEntry(rec activity.DayRecord, now time.Time) Entry {
	day := rec.Clone()
	return Entry{
		ID:         uuid.NewString(),
		Kind:       KindDay,
		Day:        &day,
		EnqueuedAt: now.UnixMilli(),
	}
}

// NewTimeEntry wraps a manual time entry for upload.
func NewTimeEntry(te activity.TimeEntry, now time.Time) Entry {
	return Entry{
		ID:         uuid.NewString(),
		Kind:       KindTimeEntry,
		TimeEntry:  &te,
		EnqueuedAt: now.UnixMilli(),
	}
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	out := e
	if e.Day != nil {
		day := e.Day.Clone()
		out.Day = &day
	}
	if e.TimeEntry != nil {
		te := *e.TimeEntry
		out.TimeEntry = &te
	}
	return out
}

// Date returns the calendar date the entry belongs to.
func (e Entry) Date(loc *time.Location) string {
	switch {
	case e.Day != nil:
		return e.Day.Date
	case e.TimeEntry != nil:
		return activity.DateKeyMillis(e.TimeEntry.Timestamp, loc)
	}
	return ""
}
