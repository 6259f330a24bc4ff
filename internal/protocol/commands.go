package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedCommand is returned when a reliable message is not a JSON object.
var ErrMalformedCommand = errors.New("malformed command")

// Command is an inbound reliable message. Relayed fields are kept as raw
// JSON so they reach other participants exactly as the sender wrote them.
type Command struct {
	Type    string
	ID      json.RawMessage
	Message json.RawMessage
	Action  json.RawMessage
	Params  json.RawMessage
	Name    json.RawMessage
}

// ParseCommand decodes one reliable message. A non-string type yields an
// empty Type rather than an error.
func ParseCommand(raw []byte) (*Command, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedCommand)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	cmd := &Command{
		ID:      fields["id"],
		Message: fields["message"],
		Action:  fields["action"],
		Params:  fields["params"],
		Name:    fields["name"],
	}
	if t, ok := fields["type"]; ok {
		_ = json.Unmarshal(t, &cmd.Type)
	}
	return cmd, nil
}

// NameString returns the name field when it is a JSON string, otherwise "".
func (c *Command) NameString() string {
	var name string
	if len(c.Name) == 0 || json.Unmarshal(c.Name, &name) != nil {
		return ""
	}
	return name
}

// ---- Outbound messages ----

// ChatBroadcast is relayed to every participant for a chat command.
type ChatBroadcast struct {
	Type        string          `json:"type"`
	Participant string          `json:"participant"`
	Message     json.RawMessage `json:"message,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// ActionBroadcast is relayed to every participant for an action command.
type ActionBroadcast struct {
	Type        string          `json:"type"`
	Participant string          `json:"participant"`
	Action      json.RawMessage `json:"action,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// Ack acknowledges a command, echoing its id.
type Ack struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id,omitempty"`
}

// ActionResult answers an action command.
type ActionResult struct {
	Type     string          `json:"type"`
	ActionID json.RawMessage `json:"actionId,omitempty"`
	Success  bool            `json:"success"`
}

// Pong answers a ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// StateEntry is one participant in a state reply.
type StateEntry struct {
	Position   Vec3  `json:"position"`
	Rotation   Vec3  `json:"rotation"`
	Velocity   Vec3  `json:"velocity"`
	LastUpdate int64 `json:"lastUpdate"`
}

// StateReply answers get_state with every participant keyed by id.
type StateReply struct {
	Type         string                `json:"type"`
	Participants map[string]StateEntry `json:"participants"`
}

// PlayerName announces a display name change.
type PlayerName struct {
	Type        string `json:"type"`
	Participant string `json:"participant"`
	Name        string `json:"name"`
}

// ErrorReply reports a rejected message to its sender.
type ErrorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ParticipantNotice carries welcome, player_joined and player_left.
type ParticipantNotice struct {
	Type        string `json:"type"`
	Participant string `json:"participant"`
}

// Announcement is an operator message sent to everyone.
type Announcement struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Encode marshals an outbound message.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// InvalidFormatReply returns the reply sent for malformed commands.
func InvalidFormatReply() []byte {
	data, _ := json.Marshal(ErrorReply{Type: MsgError, Message: ErrInvalidFormatMessage})
	return data
}
