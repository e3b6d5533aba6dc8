package activity

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-date format used as the day key.
const DateLayout = "2006-01-02"

// EventKind distinguishes the two presence transitions.
type EventKind string

const (
	Login  EventKind = "login"
	Logout EventKind = "logout"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	return k == Login || k == Logout
}

// Event is a single presence transition. Timestamp is in Unix milliseconds.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp int64     `json:"timestamp"`
}

// DayRecord aggregates all presence activity for one local calendar date.
// All durations are in milliseconds.
type DayRecord struct {
	Date          string  `json:"date"`
	FirstLogin    int64   `json:"firstLogin"`
	Events        []Event `json:"events"`
	GrossTime     int64   `json:"grossTime"`
	EffectiveTime int64   `json:"effectiveTime"`
	IdleTime      int64   `json:"idleTime"`

	// LastUpdate is the timestamp up to which time has been classified.
	LastUpdate int64 `json:"lastUpdate"`
	// ActiveThrough is the end of the most recent interval credited as
	// effective time. Back-dated idle windows reclaim credit down to here.
	ActiveThrough int64 `json:"activeThrough"`
}

// Clone returns a deep copy of the record.
func (r DayRecord) Clone() DayRecord {
	out := r
	if r.Events != nil {
		out.Events = make([]Event, len(r.Events))
		copy(out.Events, r.Events)
	}
	return out
}

// LastEvent returns the most recent event, if any.
func (r DayRecord) LastEvent() (Event, bool) {
	if len(r.Events) == 0 {
		return Event{}, false
	}
	return r.Events[len(r.Events)-1], true
}

// OpenLogin reports whether the record ends in a login with no matching logout.
func (r DayRecord) OpenLogin() (Event, bool) {
	ev, ok := r.LastEvent()
	if !ok || ev.Kind != Login {
		return Event{}, false
	}
	return ev, true
}

// Times returns the record's session-time triple.
func (r DayRecord) Times() SessionTimes {
	return SessionTimes{
		GrossTime:     r.GrossTime,
		EffectiveTime: r.EffectiveTime,
		IdleTime:      r.IdleTime,
	}
}

// Validate checks the record's structural invariants.
func (r DayRecord) Validate() error {
	if r.EffectiveTime > r.GrossTime {
		return fmt.Errorf("effective time %d exceeds gross time %d", r.EffectiveTime, r.GrossTime)
	}
	if r.IdleTime != r.GrossTime-r.EffectiveTime {
		return fmt.Errorf("idle time %d != gross %d - effective %d", r.IdleTime, r.GrossTime, r.EffectiveTime)
	}
	open := false
	for i, ev := range r.Events {
		switch ev.Kind {
		case Login:
			if open {
				return fmt.Errorf("event %d: login follows unmatched login", i)
			}
			open = true
		case Logout:
			if !open {
				return fmt.Errorf("event %d: logout without preceding login", i)
			}
			open = false
		default:
			return fmt.Errorf("event %d: unknown kind %q", i, ev.Kind)
		}
	}
	return nil
}

// SessionTimes is the derived triple broadcast to observers, in milliseconds.
type SessionTimes struct {
	GrossTime     int64 `json:"grossTime"`
	EffectiveTime int64 `json:"effectiveTime"`
	IdleTime      int64 `json:"idleTime"`
}

// TimeEntry is a manually logged block of work.
type TimeEntry struct {
	Timestamp int64  `json:"timestamp"`
	Duration  int64  `json:"duration"`
	Note      string `json:"note,omitempty"`
}

// DateKey returns the local calendar date of t in loc.
func DateKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DateLayout)
}

// DateKeyMillis returns the local calendar date of a Unix-millisecond timestamp.
func DateKeyMillis(ms int64, loc *time.Location) string {
	return DateKey(time.UnixMilli(ms), loc)
}

// StartOfDay returns local midnight for the date containing t.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
