package dbus

import (
	"context"
	"encoding/json"
	"fmt"

	godbus "github.com/godbus/dbus/v5"

	"github.com/goodtune/presenced/internal/activity"
)

// Client talks to a running agent.
type Client struct {
	conn *godbus.Conn
	obj  godbus.BusObject
}

// Dial connects to the session bus and checks that an agent owns BusName.
func Dial() (*Client, error) {
	conn, err := godbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	var owned bool
	err = conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, BusName).Store(&owned)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("query bus name: %w", err)
	}
	if !owned {
		conn.Close()
		return nil, fmt.Errorf("no agent running on the session bus")
	}

	return &Client{conn: conn, obj: conn.Object(BusName, ObjPath)}, nil
}

// Close closes the bus connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, out any, args ...any) error {
	var jsonStr string
	if err := c.obj.CallWithContext(ctx, IfaceName+"."+method, 0, args...).Store(&jsonStr); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal([]byte(jsonStr), out)
}

// Today returns today's session times.
func (c *Client) Today(ctx context.Context) (activity.SessionTimes, error) {
	var times activity.SessionTimes
	err := c.call(ctx, "GetToday", &times)
	return times, err
}

// ActivityData returns every stored day record.
func (c *Client) ActivityData(ctx context.Context) (map[string]activity.DayRecord, error) {
	var data map[string]activity.DayRecord
	err := c.call(ctx, "GetActivityData", &data)
	return data, err
}

// SyncNow asks the agent to sync in mode.
func (c *Client) SyncNow(ctx context.Context, mode string) (SyncReply, error) {
	var reply SyncReply
	err := c.call(ctx, "SyncNow", &reply, mode)
	return reply, err
}

// LogTime queues a manual time entry.
func (c *Client) LogTime(ctx context.Context, te activity.TimeEntry) error {
	return c.call(ctx, "LogTime", nil, te.Timestamp, te.Duration, te.Note)
}

// SetToken hands the collector token to the agent.
func (c *Client) SetToken(ctx context.Context, token string) error {
	return c.obj.CallWithContext(ctx, IfaceName+".SetToken", 0, token).Err
}

// ClearToken removes the agent's collector token.
func (c *Client) ClearToken(ctx context.Context) error {
	return c.obj.CallWithContext(ctx, IfaceName+".ClearToken", 0).Err
}
