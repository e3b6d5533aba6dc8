package collector

import (
	"github.com/goodtune/presenced/internal/activity"
)

// LogPair is one login with its optional logout.
type LogPair struct {
	LogIn  int64  `json:"logIn"`
	LogOut *int64 `json:"logOut,omitempty"`
}

// ActivityLog is the collector's per-day document.
type ActivityLog struct {
	ID            string    `json:"id,omitempty"`
	User          string    `json:"user"`
	Date          string    `json:"date"`
	FirstLogin    int64     `json:"firstLogin"`
	LogActivity   []LogPair `json:"logActivity"`
	GrossTime     int64     `json:"grossTime"`
	EffectiveTime int64     `json:"effectiveTime"`
	IdleTime      int64     `json:"idleTime"`
}

// TimeLog is the collector's manual time-entry document.
type TimeLog struct {
	User      string `json:"user"`
	Type      string `json:"type"`
	Date      string `json:"date"`
	Timestamp int64  `json:"timestamp"`
	Duration  int64  `json:"duration"`
	Note      string `json:"note,omitempty"`
}

type findResponse struct {
	Docs []ActivityLog `json:"docs"`
}

// NewActivityLog converts a day record into the collector's shape,
// pairing each login with the logout that follows it.
func NewActivityLog(user string, rec activity.DayRecord) ActivityLog {
	log := ActivityLog{
		User:          user,
		Date:          rec.Date,
		FirstLogin:    rec.FirstLogin,
		LogActivity:   make([]LogPair, 0, (len(rec.Events)+1)/2),
		GrossTime:     rec.GrossTime,
		EffectiveTime: rec.EffectiveTime,
		IdleTime:      rec.IdleTime,
	}
	for _, ev := range rec.Events {
		switch ev.Kind {
		case activity.Login:
			log.LogActivity = append(log.LogActivity, LogPair{LogIn: ev.Timestamp})
		case activity.Logout:
			n := len(log.LogActivity)
			if n == 0 || log.LogActivity[n-1].LogOut != nil {
				continue
			}
			ts := ev.Timestamp
			log.LogActivity[n-1].LogOut = &ts
		}
	}
	return log
}

// NewTimeLog converts a manual time entry into the collector's shape.
func NewTimeLog(user, date string, te activity.TimeEntry) TimeLog {
	return TimeLog{
		User:      user,
		Type:      "time-entry",
		Date:      date,
		Timestamp: te.Timestamp,
		Duration:  te.Duration,
		Note:      te.Note,
	}
}
