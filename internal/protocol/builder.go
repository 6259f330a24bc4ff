package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PacketBuilder constructs binary datagrams sent to participants.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilderSize creates a PacketBuilder with capacity for n bytes.
func NewPacketBuilderSize(n int) *PacketBuilder {
	b := &PacketBuilder{}
	b.buf.Grow(n)
	return b
}

// PutByte writes a single byte.
func (b *PacketBuilder) PutByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteUint64 writes a uint64 in little-endian order.
func (b *PacketBuilder) WriteUint64(v uint64) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteFloat32 writes a float32 in little-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteVec3 writes x, y and z as consecutive float32 values.
func (b *PacketBuilder) WriteVec3(v Vec3) *PacketBuilder {
	return b.WriteFloat32(v.X).WriteFloat32(v.Y).WriteFloat32(v.Z)
}

// WriteFixedString writes s into exactly width bytes, truncating longer
// strings and padding shorter ones with NUL bytes.
func (b *PacketBuilder) WriteFixedString(s string, width int) *PacketBuilder {
	data := []byte(s)
	if len(data) > width {
		data = data[:width]
	}
	b.buf.Write(data)
	for i := len(data); i < width; i++ {
		b.buf.WriteByte(0)
	}
	return b
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// ---- Pre-built packet constructors ----

// BuildTransformDatagram creates an OpTransform datagram.
// Format: [op:1][pos xyz:12][rot xyz:12]
func BuildTransformDatagram(pos, rot Vec3) []byte {
	b := NewPacketBuilderSize(TransformDatagramLen)
	b.PutByte(OpTransform)
	b.WriteVec3(pos)
	b.WriteVec3(rot)
	return b.Build()
}

// BuildVelocityDatagram creates an OpVelocity datagram.
// Format: [op:1][vel xyz:12]
func BuildVelocityDatagram(vel Vec3) []byte {
	b := NewPacketBuilderSize(VelocityDatagramLen)
	b.PutByte(OpVelocity)
	b.WriteVec3(vel)
	return b.Build()
}

// BuildInputDatagram creates an OpInput datagram.
// Format: [op:1][input:1]
func BuildInputDatagram(input uint8) []byte {
	return NewPacketBuilderSize(InputDatagramLen).PutByte(OpInput).PutByte(input).Build()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}
