package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSnapshotMarker is returned when a frame does not start with OpSnapshot.
	ErrSnapshotMarker = errors.New("not a snapshot frame")
	// ErrSnapshotLength is returned when a frame's size disagrees with its count.
	ErrSnapshotLength = errors.New("snapshot length mismatch")
	// ErrTooManyParticipants is returned when the count does not fit in 16 bits.
	ErrTooManyParticipants = errors.New("too many participants for one snapshot")
)

// Vec3 is a three component float32 vector.
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// ParticipantState is the per-participant record carried in a snapshot.
type ParticipantState struct {
	ID       string
	Position Vec3
	Rotation Vec3
	Velocity Vec3
}

// Snapshot is a decoded snapshot frame.
type Snapshot struct {
	Timestamp    uint64 // milliseconds since the Unix epoch
	Participants []ParticipantState
}

// SnapshotSize returns the encoded size of a snapshot with n records.
func SnapshotSize(n int) int {
	return SnapshotHeaderLen + n*SnapshotRecordLen
}

// EncodeSnapshot serializes states into a snapshot frame.
// Format: [0xFF:1][timestamp:8][count:2] then count * [id:36][pos:12][rot:12][vel:12]
// IDs longer than 36 bytes are truncated, shorter ones NUL padded.
func EncodeSnapshot(timestampMs uint64, states []ParticipantState) ([]byte, error) {
	if len(states) > MaxSnapshotEntries {
		return nil, fmt.Errorf("%w: %d", ErrTooManyParticipants, len(states))
	}

	b := NewPacketBuilderSize(SnapshotSize(len(states)))
	b.PutByte(OpSnapshot)
	b.WriteUint64(timestampMs)
	b.WriteUint16(uint16(len(states)))

	for _, s := range states {
		b.WriteFixedString(s.ID, IDFieldLen)
		b.WriteVec3(s.Position)
		b.WriteVec3(s.Rotation)
		b.WriteVec3(s.Velocity)
	}

	return b.Build(), nil
}

// DecodeSnapshot parses a snapshot frame produced by EncodeSnapshot.
// Trailing NUL bytes are trimmed from decoded IDs.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if len(data) < SnapshotHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrSnapshotLength, len(data))
	}
	if data[0] != OpSnapshot {
		return nil, fmt.Errorf("%w: discriminator 0x%02X", ErrSnapshotMarker, data[0])
	}

	r := bytes.NewReader(data[1:])

	snap := &Snapshot{}
	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &snap.Timestamp); err != nil {
		return nil, fmt.Errorf("failed to read snapshot timestamp: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read snapshot count: %w", err)
	}

	if want := SnapshotSize(int(count)); len(data) != want {
		return nil, fmt.Errorf("%w: got %d bytes, want %d for %d participants",
			ErrSnapshotLength, len(data), want, count)
	}

	snap.Participants = make([]ParticipantState, 0, count)
	id := make([]byte, IDFieldLen)
	for i := 0; i < int(count); i++ {
		if _, err := r.Read(id); err != nil {
			return nil, fmt.Errorf("failed to read participant %d id: %w", i, err)
		}
		s := ParticipantState{ID: strings.TrimRight(string(id), "\x00")}
		for _, v := range []*Vec3{&s.Position, &s.Rotation, &s.Velocity} {
			if err := readVec3(r, v); err != nil {
				return nil, fmt.Errorf("failed to read participant %d: %w", i, err)
			}
		}
		snap.Participants = append(snap.Participants, s)
	}

	return snap, nil
}

func readVec3(r *bytes.Reader, v *Vec3) error {
	return binary.Read(r, binary.LittleEndian, v)
}
