// Package protocol implements the wire formats exchanged with participants:
// the binary datagrams carrying state deltas and snapshots, and the JSON
// commands and notifications carried on reliable streams. All binary
// values use little-endian byte order.
package protocol

// Datagram opcodes sent by participants.
const (
	OpTransform byte = 0x01 // position xyz + rotation xyz
	OpVelocity  byte = 0x02 // velocity xyz
	OpInput     byte = 0x03 // input bitfield

	// Outgoing from server
	OpSnapshot byte = 0xFF // full snapshot of every participant
)

// Minimum datagram lengths including the opcode byte.
const (
	TransformDatagramLen = 1 + 6*4
	VelocityDatagramLen  = 1 + 3*4
	InputDatagramLen     = 1 + 1
)

// Snapshot layout.
const (
	IDFieldLen         = 36
	SnapshotHeaderLen  = 1 + 8 + 2
	SnapshotRecordLen  = IDFieldLen + 9*4
	MaxSnapshotEntries = 0xFFFF
)

// Reliable command types sent by participants.
const (
	CmdChat     = "chat"
	CmdAction   = "action"
	CmdPing     = "ping"
	CmdGetState = "get_state"
	CmdSetName  = "set_name"
)

// Message types sent by the server.
const (
	MsgChat         = "chat"
	MsgAck          = "ack"
	MsgAction       = "action"
	MsgActionResult = "action_result"
	MsgPong         = "pong"
	MsgState        = "state"
	MsgPlayerName   = "player_name"
	MsgError        = "error"
	MsgWelcome      = "welcome"
	MsgPlayerJoined = "player_joined"
	MsgPlayerLeft   = "player_left"
	MsgAnnouncement = "announcement"
)

// ErrInvalidFormatMessage is the text of the error reply to malformed commands.
const ErrInvalidFormatMessage = "invalid message format"
