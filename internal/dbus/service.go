// Package dbus exposes a running agent on the session bus and provides the
// matching client.
package dbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog"

	"github.com/goodtune/presenced/internal/activity"
	"github.com/goodtune/presenced/internal/metrics"
	"github.com/goodtune/presenced/internal/syncqueue"
)

const (
	BusName   = "org.presenced.Agent1"
	ObjPath   = "/org/presenced/Agent1"
	IfaceName = "org.presenced.Agent1"

	// SignalSessionTimeUpdated carries gross, effective and idle ms.
	SignalSessionTimeUpdated = "SessionTimeUpdated"
)

// callTimeout bounds work done on behalf of a bus caller.
const callTimeout = 2 * time.Minute

const introspectXML = `
<node>
  <interface name="` + IfaceName + `">
    <method name="GetToday">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetActivityData">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="SyncNow">
      <arg direction="in" type="s" name="mode"/>
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="LogTime">
      <arg direction="in" type="x" name="timestamp_ms"/>
      <arg direction="in" type="x" name="duration_ms"/>
      <arg direction="in" type="s" name="note"/>
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="SetToken">
      <arg direction="in" type="s" name="token"/>
    </method>
    <method name="ClearToken"/>
    <signal name="` + SignalSessionTimeUpdated + `">
      <arg type="x" name="gross_ms"/>
      <arg type="x" name="effective_ms"/>
      <arg type="x" name="idle_ms"/>
    </signal>
  </interface>
` + introspect.IntrospectDataString + `
</node>`

// Backend is the agent surface the service exposes.
type Backend interface {
	Today(ctx context.Context) activity.SessionTimes
	ActivityData(ctx context.Context) map[string]activity.DayRecord
	SyncNow(ctx context.Context, mode string) (syncqueue.DrainResult, error)
	LogTime(ctx context.Context, te activity.TimeEntry) error
}

// TokenStore persists the collector token.
type TokenStore interface {
	SetToken(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// SyncReply is the JSON returned by SyncNow.
type SyncReply struct {
	Mode      string `json:"mode"`
	Attempted int    `json:"attempted"`
	Uploaded  int    `json:"uploaded"`
	Failed    int    `json:"failed"`
	Remaining int    `json:"remaining"`
}

var errNotReady = errors.New("agent not ready")

// Service exposes the agent over D-Bus. It also implements
// notify.Notifier by emitting SessionTimeUpdated.
type Service struct {
	mu      sync.RWMutex
	backend Backend
	tokens  TokenStore
	conn    *godbus.Conn
	logger  zerolog.Logger
}

// NewService creates a new D-Bus service. The backend is attached with
// Attach once the agent exists.
func NewService(logger zerolog.Logger) *Service {
	return &Service{logger: logger.With().Str("component", "dbus").Logger()}
}

// Attach sets the backend that serves method calls.
func (s *Service) Attach(b Backend) {
	s.mu.Lock()
	s.backend = b
	s.mu.Unlock()
}

// AttachTokens sets the store behind SetToken and ClearToken.
func (s *Service) AttachTokens(t TokenStore) {
	s.mu.Lock()
	s.tokens = t
	s.mu.Unlock()
}

func (s *Service) tokenStore() (TokenStore, *godbus.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens == nil {
		return nil, godbus.MakeFailedError(errNotReady)
	}
	return s.tokens, nil
}

func (s *Service) current() (Backend, *godbus.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backend == nil {
		return nil, godbus.MakeFailedError(errNotReady)
	}
	return s.backend, nil
}

// Export registers the service on conn and claims the bus name.
func (s *Service) Export(conn *godbus.Conn) error {
	if err := conn.Export(s, ObjPath, IfaceName); err != nil {
		return fmt.Errorf("export object: %w", err)
	}
	if err := conn.Export(introspect.Introspectable(introspectXML), ObjPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(BusName, godbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name: %w", err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", BusName)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// GetToday returns today's session times as JSON.
func (s *Service) GetToday() (string, *godbus.Error) {
	b, derr := s.current()
	if derr != nil {
		return "", derr
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return marshal(b.Today(ctx))
}

// GetActivityData returns every stored day record as JSON.
func (s *Service) GetActivityData() (string, *godbus.Error) {
	b, derr := s.current()
	if derr != nil {
		return "", derr
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return marshal(b.ActivityData(ctx))
}

// SyncNow enqueues today's record and drains the queue in mode.
func (s *Service) SyncNow(mode string) (string, *godbus.Error) {
	b, derr := s.current()
	if derr != nil {
		return "", derr
	}
	switch mode {
	case "", syncqueue.ModeStopOnError, syncqueue.ModeBatched:
	default:
		return "", godbus.MakeFailedError(fmt.Errorf("unknown sync mode %q", mode))
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	res, err := b.SyncNow(ctx, mode)
	if err != nil {
		return "", godbus.MakeFailedError(fmt.Errorf("sync failed: %w", err))
	}
	return marshal(SyncReply{
		Mode:      res.Mode,
		Attempted: res.Attempted,
		Uploaded:  res.Uploaded,
		Failed:    res.Failed,
		Remaining: res.Remaining,
	})
}

// LogTime queues a manual time entry.
func (s *Service) LogTime(timestampMs, durationMs int64, note string) (string, *godbus.Error) {
	b, derr := s.current()
	if derr != nil {
		return "", derr
	}
	if timestampMs <= 0 || durationMs < 0 {
		return "", godbus.MakeFailedError(fmt.Errorf("invalid time entry: timestamp=%d duration=%d", timestampMs, durationMs))
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	te := activity.TimeEntry{Timestamp: timestampMs, Duration: durationMs, Note: note}
	if err := b.LogTime(ctx, te); err != nil {
		return "", godbus.MakeFailedError(err)
	}
	return marshal(te)
}

// SetToken stores the collector token.
func (s *Service) SetToken(token string) *godbus.Error {
	t, derr := s.tokenStore()
	if derr != nil {
		return derr
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := t.SetToken(ctx, token); err != nil {
		return godbus.MakeFailedError(err)
	}
	s.logger.Info().Msg("Collector token updated")
	return nil
}

// ClearToken removes the collector token.
func (s *Service) ClearToken() *godbus.Error {
	t, derr := s.tokenStore()
	if derr != nil {
		return derr
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := t.Clear(ctx); err != nil {
		return godbus.MakeFailedError(err)
	}
	s.logger.Info().Msg("Collector token cleared")
	return nil
}

// Publish emits SessionTimeUpdated. It is a no-op until Export succeeds.
func (s *Service) Publish(_ context.Context, times activity.SessionTimes) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	err := conn.Emit(ObjPath, IfaceName+"."+SignalSessionTimeUpdated,
		times.GrossTime, times.EffectiveTime, times.IdleTime)
	if err != nil {
		metrics.NotifyErrors.WithLabelValues("dbus").Inc()
		s.logger.Warn().Err(err).Msg("Failed to emit session time signal")
	}
}

func marshal(v any) (string, *godbus.Error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	return string(data), nil
}
