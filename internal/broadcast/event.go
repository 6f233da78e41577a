package broadcast

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies broadcast messages.
type EventType string

const (
	EventWorkOrderCreated        EventType = "workorder:created"
	EventWorkOrderUpdated        EventType = "workorder:updated"
	EventRunStarted              EventType = "run_started"
	EventRunCompleted            EventType = "run_completed"
	EventRunFailed               EventType = "run_failed"
	EventAgentToolCall           EventType = "agent_tool_call"
	EventAgentToolResult         EventType = "agent_tool_result"
	EventAgentOutput             EventType = "agent_output"
	EventFileChanged             EventType = "file_changed"
	EventProgressUpdate          EventType = "progress_update"
	EventSubscriptionConfirmed   EventType = "subscription_confirmed"
	EventUnsubscriptionConfirmed EventType = "unsubscription_confirmed"
	EventPong                    EventType = "pong"
	EventError                   EventType = "error"
)

// Verbosity ranks event chattiness. Lifecycle events are Normal; per-tool
// agent traffic is Verbose.
type Verbosity int

const (
	VerbosityNormal Verbosity = iota
	VerbosityVerbose
)

// verbosityOf maps each event type to its chattiness class.
func verbosityOf(t EventType) Verbosity {
	switch t {
	case EventAgentToolCall, EventAgentToolResult, EventAgentOutput, EventFileChanged:
		return VerbosityVerbose
	default:
		return VerbosityNormal
	}
}

// Event is one typed broadcast message.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	WorkOrderID string         `json:"work_order_id,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(t EventType, workOrderID string, data map[string]any) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		WorkOrderID: workOrderID,
		Timestamp:   time.Now(),
		Data:        data,
	}
}

// Filter narrows which events a subscriber receives. A nil filter accepts
// everything.
type Filter struct {
	Types        []EventType `json:"types,omitempty"`
	MaxVerbosity *Verbosity  `json:"max_verbosity,omitempty"`
}

// Accepts reports whether the filter lets event through. Control messages
// (confirmations, pong, error) always pass.
func (f *Filter) Accepts(event Event) bool {
	switch event.Type {
	case EventSubscriptionConfirmed, EventUnsubscriptionConfirmed, EventPong, EventError:
		return true
	}
	if f == nil {
		return true
	}
	if f.MaxVerbosity != nil && verbosityOf(event.Type) > *f.MaxVerbosity {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == event.Type {
			return true
		}
	}
	return false
}
