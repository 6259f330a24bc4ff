// Package events defines the event types and payloads carried on the
// server's internal event bus.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Participant lifecycle
	EventParticipantJoined  EventType = "participant_joined"
	EventParticipantLeft    EventType = "participant_left"
	EventParticipantRenamed EventType = "participant_renamed"

	// Relayed commands
	EventChatMessage       EventType = "chat_message"
	EventParticipantAction EventType = "participant_action"

	// Broadcast loop
	EventTickOverrun EventType = "tick_overrun"

	// Operator commands
	EventKickParticipant EventType = "kick_participant"
	EventAnnounce        EventType = "announce"

	// Notification events
	EventNotifyMQTT EventType = "notify_mqtt"

	// System events
	EventShutdown EventType = "shutdown"
)

// LeaveReason describes why a participant left.
type LeaveReason int

const (
	LeaveClosed LeaveReason = iota
	LeaveError
	LeaveKicked
	LeaveShutdown
	LeaveRejected
)

var leaveReasonStrings = map[LeaveReason]string{
	LeaveClosed:   "closed",
	LeaveError:    "error",
	LeaveKicked:   "kicked",
	LeaveShutdown: "shutdown",
	LeaveRejected: "rejected",
}

// String returns the string representation of LeaveReason.
func (r LeaveReason) String() string {
	if str, ok := leaveReasonStrings[r]; ok {
		return str
	}
	return "closed"
}

// MarshalJSON serializes LeaveReason as a JSON string (e.g. "kicked").
func (r LeaveReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ParticipantJoinedPayload is emitted once a participant is registered.
type ParticipantJoinedPayload struct {
	ID         string
	RemoteAddr string
	JoinedAt   time.Time
	Count      int
}

// ParticipantLeftPayload is emitted once a participant is removed.
type ParticipantLeftPayload struct {
	ID       string
	Reason   LeaveReason
	Error    string
	Duration time.Duration
	Count    int
}

// ParticipantRenamedPayload is emitted when set_name changes a display name.
type ParticipantRenamedPayload struct {
	ID   string
	Name string
}

// ChatMessagePayload is emitted for each relayed chat command.
type ChatMessagePayload struct {
	ID      string
	Message string // raw JSON as sent
}

// ParticipantActionPayload is emitted for each relayed action command.
type ParticipantActionPayload struct {
	ID     string
	Action string // raw JSON as sent
}

// TickOverrunPayload is emitted when one broadcast tick takes longer than
// the tick interval.
type TickOverrunPayload struct {
	Duration     time.Duration
	Interval     time.Duration
	Participants int
}

// KickParticipantPayload asks the session manager to drop a participant.
type KickParticipantPayload struct {
	ID     string
	Reason string
}

// AnnouncePayload asks the session manager to send an announcement.
type AnnouncePayload struct {
	Message string
}

// NotifyMQTTPayload is published to the MQTT broker by the telemetry client.
type NotifyMQTTPayload struct {
	Topic string
	Data  interface{}
}
