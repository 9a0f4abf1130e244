// Package bridge implements the bidirectional message protocol between this
// service and the browser automation agent that performs the actual publish
// actions. The transport is an origin-scoped websocket; delivery is best
// effort, so every inbound event is treated as possibly duplicated, lost, or
// out of order.
package bridge

import (
	"encoding/json"
	"time"

	"linkpilot/internal/models"
)

// Outbound command kinds. The set is closed; the agent ignores unknown tags.
const (
	CmdSchedulePosts   = "SCHEDULE_POSTS"
	CmdPostNow         = "POST_NOW"
	CmdScrapeAnalytics = "SCRAPE_ANALYTICS"
	CmdSetAuth         = "SET_AUTH"
)

// Inbound event kinds.
const (
	EventConnected        = "connected"
	EventDisconnected     = "disconnected"
	EventRequiresRefresh  = "requiresRefresh"
	EventPostScheduled    = "postScheduled"
	EventPostStarting     = "postStarting"
	EventPostFilling      = "postFilling"
	EventPostPublished    = "postPublished"
	EventPostSuccess      = "postSuccess"
	EventPostFailed       = "postFailed"
	EventPostURLFailed    = "postUrlFailed"
	EventPostRetrying     = "postRetrying"
	EventQueueUpdated     = "queueUpdated"
	EventAnalyticsUpdated = "analyticsUpdated"
	EventAnalyticsResult  = "ANALYTICS_RESULT"
)

// PostPayload is one post in a SCHEDULE_POSTS batch or a POST_NOW command.
type PostPayload struct {
	ID            uint       `json:"id"`
	TrackingID    string     `json:"tracking_id,omitempty"`
	Content       string     `json:"content"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	ImageURL      string     `json:"image_url,omitempty"`
}

// command is the outbound wire envelope.
type command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type schedulePayload struct {
	Posts []PostPayload `json:"posts"`
}

type analyticsRequestPayload struct {
	RequestID string `json:"request_id"`
	TargetURL string `json:"target_url,omitempty"`
}

// Event is a decoded inbound notification from the agent. Fields are
// populated per kind; correlation is by PostID first, TrackingID as fallback.
type Event struct {
	Type         string
	PostID       uint
	TrackingID   string
	RequestID    string
	AgentVersion string
	QueueDepth   int
	Error        string
	PostURL      string
	PlatformID   string
	// Counters carries raw engagement numbers exactly as the agent sent
	// them; sanitization happens downstream, never here.
	Counters   map[string]any
	ReceivedAt time.Time
}

// envelope is the inbound wire framing.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type lifecyclePayload struct {
	PostID     uint   `json:"post_id"`
	TrackingID string `json:"tracking_id"`
	Error      string `json:"error"`
	PostURL    string `json:"post_url"`
	PlatformID string `json:"platform_id"`
}

type connectionPayload struct {
	Version string `json:"version"`
}

type queuePayload struct {
	Depth int `json:"depth"`
}

type analyticsPayload struct {
	PostID     uint           `json:"post_id"`
	TrackingID string         `json:"tracking_id"`
	RequestID  string         `json:"request_id"`
	Counters   map[string]any `json:"counters"`
}

// ParseEvent decodes one inbound frame. Unknown tags and malformed payloads
// are not errors: the second return value is false and the frame is dropped.
func ParseEvent(data []byte) (Event, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		return Event{}, false
	}

	ev := Event{Type: env.Type, ReceivedAt: time.Now().UTC()}

	switch env.Type {
	case EventConnected, EventDisconnected, EventRequiresRefresh:
		var p connectionPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return Event{}, false
			}
		}
		ev.AgentVersion = p.Version
		return ev, true

	case EventPostScheduled, EventPostStarting, EventPostFilling,
		EventPostPublished, EventPostSuccess, EventPostFailed,
		EventPostURLFailed, EventPostRetrying:
		var p lifecyclePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, false
		}
		ev.PostID = p.PostID
		ev.TrackingID = p.TrackingID
		ev.Error = p.Error
		ev.PostURL = p.PostURL
		ev.PlatformID = p.PlatformID
		return ev, true

	case EventQueueUpdated:
		var p queuePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, false
		}
		ev.QueueDepth = p.Depth
		return ev, true

	case EventAnalyticsUpdated, EventAnalyticsResult:
		var p analyticsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, false
		}
		ev.PostID = p.PostID
		ev.TrackingID = p.TrackingID
		ev.RequestID = p.RequestID
		ev.Counters = p.Counters
		return ev, true
	}

	// Unknown tag: ignored, not an error.
	return Event{}, false
}

// Terminal reports whether the event names a terminal publish outcome.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventPostPublished, EventPostSuccess, EventPostFailed, EventPostURLFailed:
		return true
	}
	return false
}

// Success reports whether the event is a successful publish outcome.
func (e Event) Success() bool {
	return e.Type == EventPostPublished || e.Type == EventPostSuccess
}

// encodeCommand marshals an outbound command envelope.
func encodeCommand(kind string, payload any) ([]byte, error) {
	return json.Marshal(command{Type: kind, Payload: payload})
}

// sessionPayload is the SET_AUTH body.
type sessionPayload struct {
	Session models.AgentSession `json:"session"`
}
