package idle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	godbus "github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// Source names accepted by tracking.idle_source.
const (
	SourceAuto        = "auto"
	SourceMutter      = "mutter"
	SourceScreenSaver = "screensaver"
	SourceLogind      = "logind"
)

const (
	mutterName  = "org.gnome.Mutter.IdleMonitor"
	mutterPath  = "/org/gnome/Mutter/IdleMonitor/Core"
	mutterIface = "org.gnome.Mutter.IdleMonitor"

	screenSaverName  = "org.freedesktop.ScreenSaver"
	screenSaverPath  = "/org/freedesktop/ScreenSaver"
	screenSaverIface = "org.freedesktop.ScreenSaver"

	logindName         = "org.freedesktop.login1"
	logindSessionPath  = "/org/freedesktop/login1/session/auto"
	logindSessionIface = "org.freedesktop.login1.Session"
)

// MutterSource reads GNOME Mutter's core idle monitor on the session bus.
type MutterSource struct {
	obj godbus.BusObject
}

// NewMutterSource creates a Mutter source on a session bus connection.
func NewMutterSource(conn *godbus.Conn) *MutterSource {
	return &MutterSource{obj: conn.Object(mutterName, mutterPath)}
}

// Name implements Source.
func (s *MutterSource) Name() string { return SourceMutter }

// IdleTime implements Source.
func (s *MutterSource) IdleTime(ctx context.Context) (time.Duration, error) {
	var ms uint64
	if err := s.obj.CallWithContext(ctx, mutterIface+".GetIdletime", 0).Store(&ms); err != nil {
		return 0, fmt.Errorf("%w: mutter: %v", ErrSourceUnavailable, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ScreenSaverSource reads the freedesktop ScreenSaver session idle time.
// The interface reports whole seconds.
type ScreenSaverSource struct {
	obj godbus.BusObject
}

// NewScreenSaverSource creates a ScreenSaver source on a session bus connection.
func NewScreenSaverSource(conn *godbus.Conn) *ScreenSaverSource {
	return &ScreenSaverSource{obj: conn.Object(screenSaverName, screenSaverPath)}
}

// Name implements Source.
func (s *ScreenSaverSource) Name() string { return SourceScreenSaver }

// IdleTime implements Source.
func (s *ScreenSaverSource) IdleTime(ctx context.Context) (time.Duration, error) {
	var secs uint32
	if err := s.obj.CallWithContext(ctx, screenSaverIface+".GetSessionIdleTime", 0).Store(&secs); err != nil {
		return 0, fmt.Errorf("%w: screensaver: %v", ErrSourceUnavailable, err)
	}
	return time.Duration(secs) * time.Second, nil
}

// LogindSource derives idle time from the caller's logind session
// IdleHint/IdleSinceHint properties on the system bus.
type LogindSource struct {
	obj   godbus.BusObject
	clock quartz.Clock
}

// NewLogindSource creates a logind source on a system bus connection.
// Idle time is measured against clock so it lines up with sample times.
func NewLogindSource(conn *godbus.Conn, clock quartz.Clock) *LogindSource {
	return newLogindSource(conn.Object(logindName, logindSessionPath), clock)
}

func newLogindSource(obj godbus.BusObject, clock quartz.Clock) *LogindSource {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &LogindSource{obj: obj, clock: clock}
}

// Name implements Source.
func (s *LogindSource) Name() string { return SourceLogind }

// IdleTime implements Source.
func (s *LogindSource) IdleTime(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: logind: %v", ErrSourceUnavailable, err)
	}

	hint, err := s.obj.GetProperty(logindSessionIface + ".IdleHint")
	if err != nil {
		return 0, fmt.Errorf("%w: logind: %v", ErrSourceUnavailable, err)
	}
	idle, ok := hint.Value().(bool)
	if !ok {
		return 0, fmt.Errorf("%w: logind: IdleHint has type %s", ErrSourceUnavailable, hint.Signature())
	}
	if !idle {
		return 0, nil
	}

	since, err := s.obj.GetProperty(logindSessionIface + ".IdleSinceHint")
	if err != nil {
		return 0, fmt.Errorf("%w: logind: %v", ErrSourceUnavailable, err)
	}
	usec, ok := since.Value().(uint64)
	if !ok {
		return 0, fmt.Errorf("%w: logind: IdleSinceHint has type %s", ErrSourceUnavailable, since.Signature())
	}
	return idleSince(s.clock.Now(), usec), nil
}

// idleSince converts a realtime microsecond timestamp into elapsed idle time.
func idleSince(now time.Time, usec uint64) time.Duration {
	if usec == 0 {
		return 0
	}
	return max(now.Sub(time.UnixMicro(int64(usec))), 0)
}

// Detect returns the configured source. For "auto" it probes Mutter,
// ScreenSaver and logind in that order and returns the first that answers.
// Either connection may be nil.
func Detect(ctx context.Context, name string, session, system *godbus.Conn, clock quartz.Clock, logger zerolog.Logger) (Source, error) {
	var candidates []Source
	add := func(conn *godbus.Conn, build func(*godbus.Conn) Source) {
		if conn != nil {
			candidates = append(candidates, build(conn))
		}
	}

	switch strings.ToLower(name) {
	case "", SourceAuto:
		add(session, func(c *godbus.Conn) Source { return NewMutterSource(c) })
		add(session, func(c *godbus.Conn) Source { return NewScreenSaverSource(c) })
		add(system, func(c *godbus.Conn) Source { return NewLogindSource(c, clock) })
	case SourceMutter:
		add(session, func(c *godbus.Conn) Source { return NewMutterSource(c) })
	case SourceScreenSaver:
		add(session, func(c *godbus.Conn) Source { return NewScreenSaverSource(c) })
	case SourceLogind:
		add(system, func(c *godbus.Conn) Source { return NewLogindSource(c, clock) })
	default:
		return nil, fmt.Errorf("unknown idle source %q", name)
	}

	return probe(ctx, candidates, logger)
}

func probe(ctx context.Context, candidates []Source, logger zerolog.Logger) (Source, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no bus connection for requested source", ErrSourceUnavailable)
	}

	var lastErr error
	for _, src := range candidates {
		if _, err := src.IdleTime(ctx); err != nil {
			logger.Debug().Err(err).Str("source", src.Name()).Msg("Idle source probe failed")
			lastErr = err
			continue
		}
		logger.Info().Str("source", src.Name()).Msg("Selected idle source")
		return src, nil
	}
	return nil, lastErr
}
