package events

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Type names a lifecycle event.
type Type string

const (
	SessionStarted  Type = "session.started"
	PhaseChanged    Type = "phase.changed"
	ToolResult      Type = "tool.result"
	SessionFinished Type = "session.finished"
)

// Event is a session lifecycle notification.
type Event struct {
	SessionID  string                 `json:"session_id"`
	Type       Type                   `json:"type"`
	Phase      string                 `json:"phase,omitempty"`
	Iteration  int                    `json:"iteration"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Terminal reports whether no further events follow for the session.
func (e Event) Terminal() bool {
	return e.Type == SessionFinished
}

// Publisher delivers events. Publishing is best effort: callers log
// failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var result *multierror.Error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
