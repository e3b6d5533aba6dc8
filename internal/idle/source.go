// Package idle reads the desktop session's cumulative input-idle time and
// watches for sleep and lock signals.
package idle

import (
	"context"
	"errors"
	"time"
)

// ErrSourceUnavailable wraps every failure to read an idle source.
var ErrSourceUnavailable = errors.New("idle source unavailable")

// Source reports how long the session has had no user input.
type Source interface {
	Name() string
	IdleTime(ctx context.Context) (time.Duration, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (time.Duration, error)

// Name implements Source.
func (SourceFunc) Name() string { return "func" }

// IdleTime implements Source.
func (f SourceFunc) IdleTime(ctx context.Context) (time.Duration, error) { return f(ctx) }
