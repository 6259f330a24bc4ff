package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrEmptyDatagram is returned for a zero-length datagram.
	ErrEmptyDatagram = errors.New("empty datagram")
	// ErrShortDatagram is returned when a datagram is shorter than its opcode requires.
	ErrShortDatagram = errors.New("datagram too short")
	// ErrUnknownOpcode is returned for an opcode participants may not send.
	ErrUnknownOpcode = errors.New("unknown datagram opcode")
)

// DatagramUpdate is a decoded state delta. Only the fields belonging to Op
// are meaningful.
type DatagramUpdate struct {
	Op       byte
	Position Vec3
	Rotation Vec3
	Velocity Vec3
	Input    uint8
}

// OpName returns a short label for a datagram opcode.
func OpName(op byte) string {
	switch op {
	case OpTransform:
		return "transform"
	case OpVelocity:
		return "velocity"
	case OpInput:
		return "input"
	case OpSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// ParseDatagram decodes one inbound datagram. Bytes beyond the minimum
// length of an opcode are ignored.
func ParseDatagram(data []byte) (*DatagramUpdate, error) {
	if len(data) < 1 {
		return nil, ErrEmptyDatagram
	}

	op := data[0]
	r := bytes.NewReader(data[1:])

	switch op {
	case OpTransform:
		return parseTransform(r, len(data))
	case OpVelocity:
		return parseVelocity(r, len(data))
	case OpInput:
		return parseInput(r, len(data))
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, op)
	}
}

// parseTransform handles opcode 0x01.
// Format: [op:1][pos x,y,z:12][rot x,y,z:12]
func parseTransform(r *bytes.Reader, n int) (*DatagramUpdate, error) {
	if n < TransformDatagramLen {
		return nil, fmt.Errorf("%w: transform needs %d bytes, got %d", ErrShortDatagram, TransformDatagramLen, n)
	}

	u := &DatagramUpdate{Op: OpTransform}
	if err := readVec3(r, &u.Position); err != nil {
		return nil, fmt.Errorf("failed to parse position: %w", err)
	}
	if err := readVec3(r, &u.Rotation); err != nil {
		return nil, fmt.Errorf("failed to parse rotation: %w", err)
	}
	return u, nil
}

// parseVelocity handles opcode 0x02.
// Format: [op:1][vel x,y,z:12]
func parseVelocity(r *bytes.Reader, n int) (*DatagramUpdate, error) {
	if n < VelocityDatagramLen {
		return nil, fmt.Errorf("%w: velocity needs %d bytes, got %d", ErrShortDatagram, VelocityDatagramLen, n)
	}

	u := &DatagramUpdate{Op: OpVelocity}
	if err := readVec3(r, &u.Velocity); err != nil {
		return nil, fmt.Errorf("failed to parse velocity: %w", err)
	}
	return u, nil
}

// parseInput handles opcode 0x03.
// Format: [op:1][input:1]
func parseInput(r *bytes.Reader, n int) (*DatagramUpdate, error) {
	if n < InputDatagramLen {
		return nil, fmt.Errorf("%w: input needs %d bytes, got %d", ErrShortDatagram, InputDatagramLen, n)
	}

	u := &DatagramUpdate{Op: OpInput}
	if err := binary.Read(r, binary.LittleEndian, &u.Input); err != nil {
		return nil, fmt.Errorf("failed to parse input: %w", err)
	}
	return u, nil
}
