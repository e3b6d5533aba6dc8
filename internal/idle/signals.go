package idle

import (
	"sync"

	godbus "github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// Signal is an OS event that should trigger an immediate sample.
type Signal int

const (
	SignalSleep Signal = iota + 1
	SignalResume
	SignalLock
	SignalUnlock
)

func (s Signal) String() string {
	switch s {
	case SignalSleep:
		return "sleep"
	case SignalResume:
		return "resume"
	case SignalLock:
		return "lock"
	case SignalUnlock:
		return "unlock"
	default:
		return "unknown"
	}
}

const (
	logindManagerIface    = "org.freedesktop.login1.Manager"
	gnomeScreenSaverIface = "org.gnome.ScreenSaver"
)

// SignalMonitor listens for logind sleep and session lock signals and the
// GNOME screensaver's ActiveChanged.
type SignalMonitor struct {
	subs   []subscription
	out    chan Signal
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewSignalMonitor subscribes on the given buses. Either may be nil; a
// subscription failure on one bus is logged and the other still works.
func NewSignalMonitor(session, system *godbus.Conn, logger zerolog.Logger) *SignalMonitor {
	m := &SignalMonitor{
		out:    make(chan Signal, 4),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "signals").Logger(),
	}

	if system != nil {
		err := subscribe(system,
			[]godbus.MatchOption{godbus.WithMatchInterface(logindManagerIface), godbus.WithMatchMember("PrepareForSleep")},
			[]godbus.MatchOption{godbus.WithMatchInterface(logindSessionIface), godbus.WithMatchMember("Lock")},
			[]godbus.MatchOption{godbus.WithMatchInterface(logindSessionIface), godbus.WithMatchMember("Unlock")},
		)
		if err != nil {
			m.logger.Warn().Err(err).Msg("logind signals unavailable")
		} else {
			m.subs = append(m.subs, subscription{conn: system, ch: make(chan *godbus.Signal, 16)})
		}
	}
	if session != nil {
		err := subscribe(session,
			[]godbus.MatchOption{godbus.WithMatchInterface(gnomeScreenSaverIface), godbus.WithMatchMember("ActiveChanged")},
		)
		if err != nil {
			m.logger.Warn().Err(err).Msg("screensaver signals unavailable")
		} else {
			m.subs = append(m.subs, subscription{conn: session, ch: make(chan *godbus.Signal, 16)})
		}
	}

	// Each connection gets its own channel; godbus closes it when the
	// connection closes.
	for _, sub := range m.subs {
		sub.conn.Signal(sub.ch)
		m.wg.Add(1)
		go m.listen(sub.ch)
	}
	return m
}

type subscription struct {
	conn *godbus.Conn
	ch   chan *godbus.Signal
}

func subscribe(conn *godbus.Conn, matches ...[]godbus.MatchOption) error {
	for _, opts := range matches {
		if err := conn.AddMatchSignal(opts...); err != nil {
			return err
		}
	}
	return nil
}

// C returns the channel of classified signals. Signals are dropped when
// the consumer is behind; one pending sample covers them all.
func (m *SignalMonitor) C() <-chan Signal {
	return m.out
}

// Close stops the monitor.
func (m *SignalMonitor) Close() {
	m.once.Do(func() {
		close(m.done)
		for _, sub := range m.subs {
			sub.conn.RemoveSignal(sub.ch)
		}
		m.wg.Wait()
	})
}

func (m *SignalMonitor) listen(ch <-chan *godbus.Signal) {
	defer m.wg.Done()
	for {
		select {
		case sig, ok := <-ch:
			if !ok {
				return
			}
			s, ok := classify(sig)
			if !ok {
				continue
			}
			m.logger.Debug().Stringer("signal", s).Msg("Received session signal")
			select {
			case m.out <- s:
			default:
			}
		case <-m.done:
			return
		}
	}
}

// classify maps a raw D-Bus signal to a Signal.
func classify(sig *godbus.Signal) (Signal, bool) {
	if sig == nil {
		return 0, false
	}
	switch sig.Name {
	case logindManagerIface + ".PrepareForSleep":
		active, ok := firstBool(sig)
		if !ok {
			return 0, false
		}
		if active {
			return SignalSleep, true
		}
		return SignalResume, true
	case logindSessionIface + ".Lock":
		return SignalLock, true
	case logindSessionIface + ".Unlock":
		return SignalUnlock, true
	case gnomeScreenSaverIface + ".ActiveChanged":
		active, ok := firstBool(sig)
		if !ok {
			return 0, false
		}
		if active {
			return SignalLock, true
		}
		return SignalUnlock, true
	}
	return 0, false
}

func firstBool(sig *godbus.Signal) (bool, bool) {
	if len(sig.Body) < 1 {
		return false, false
	}
	v, ok := sig.Body[0].(bool)
	return v, ok
}
