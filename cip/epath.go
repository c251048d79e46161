package cip

import (
	"encoding/binary"
	"fmt"
)

type LogicalType byte
type LogicalFormat byte
type SegmentType byte

// PortSegment Type Definitions
const (
	CipPortSegment            SegmentType = 0b000
	CipLogicalSegment         SegmentType = 0b001
	CipNetworkSegment         SegmentType = 0b010
	CipSymbolicSegment        SegmentType = 0b011
	CipDataSegmentConstructed SegmentType = 0b101
	CipDataSegmentElementary  SegmentType = 0b110

	CipLogicalTypeClassId         LogicalType = 0x0
	CipLogicalTypeInstanceId      LogicalType = 0b1
	CipLogicalTypeMemberId        LogicalType = 0b10
	CipLogicalTypeConnectionPoint LogicalType = 0b011
	CipLogicalTypeAttributeId     LogicalType = 0b100
	CipLogicalTypeSpecial         LogicalType = 0b101
	CipLogicalTypeServiceId       LogicalType = 0b110

	CipLogicalFormat8bit  LogicalFormat = 0b0
	CipLogicalFormat16bit LogicalFormat = 0b1
	CipLogicalFormat32bit LogicalFormat = 0b10
)

// MessageRouterPath returns a new path to the Message Router (class 2, instance 1).
func MessageRouterPath() Path { return Path{0x20, 0x02, 0x24, 0x01} }

// ConnectionManagerPath returns a new path to the Connection Manager (class 6, instance 1).
func ConnectionManagerPath() Path { return Path{0x20, 0x06, 0x24, 0x01} }

type PathBuilder struct {
	err    error
	epath  Path
	padded bool
}

// EPath returns a fluent, padded path builder.
func EPath() *PathBuilder {
	return &PathBuilder{padded: true}
}

func (b *PathBuilder) add(p Path, err error) *PathBuilder {
	if b.err != nil {
		return b
	}
	if err != nil {
		b.err = err
		return b
	}
	b.epath = append(b.epath, p...)
	return b
}

func (b *PathBuilder) Class(id byte) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeClassId, CipLogicalFormat8bit, []byte{id}, b.padded))
}

func (b *PathBuilder) Instance(id byte) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeInstanceId, CipLogicalFormat8bit, []byte{id}, b.padded))
}

func (b *PathBuilder) Instance16(id uint16) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeInstanceId, CipLogicalFormat16bit, binary.LittleEndian.AppendUint16(nil, id), b.padded))
}

func (b *PathBuilder) Instance32(id uint32) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeInstanceId, CipLogicalFormat32bit, binary.LittleEndian.AppendUint32(nil, id), b.padded))
}

func (b *PathBuilder) Attribute(id byte) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeAttributeId, CipLogicalFormat8bit, []byte{id}, b.padded))
}

func (b *PathBuilder) Symbol(tag string) *PathBuilder {
	// Handle dotted paths by creating separate symbolic segments for each part.
	// The period (.) is the segment separator.
	// The colon (:) is NOT a separator - "Program:MainProgram" stays as one segment.
	// Also handle array indices like "MyArray[5]" by adding member segments.

	parts := splitTagPath(tag)
	for _, part := range parts {
		if part.isIndex {
			// Array index - add as member segment
			b = b.add(memberSegment(part.index))
		} else {
			// Symbolic name
			b = b.add(symbolicSegmentAsciiExt([]byte(part.name)))
		}
	}
	return b
}

// Port appends a port segment routing out of port to the node at link.
// Links wider than one byte (e.g. "192.168.1.10") use the extended link form.
func (b *PathBuilder) Port(port uint16, link []byte) *PathBuilder {
	return b.add(portSegment(port, link))
}

// Slot routes over the backplane (port 1) to slot.
func (b *PathBuilder) Slot(slot byte) *PathBuilder {
	return b.Port(1, []byte{slot})
}

func (b *PathBuilder) Build() (Path, error) {

	if b.err != nil {
		return nil, b.err
	}

	// return a copy to avoid messing up the builder if more paths need to be added.
	out := append(Path{}, b.epath...)

	if b.padded && len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return out, b.err
}

// Path is an encoded EPATH. Padded paths are always an even number of bytes.
type Path []byte

func (p Path) WordLen() byte {
	return byte(len(p) / 2)
}

func (p Path) Len() int { return len(p) }

func (p Path) Append(dst []byte) []byte { return append(dst, p...) }

// portSegment encodes a port segment. Ports >= 15 use the extended port form,
// and links longer than one byte set the link-size bit and are padded.
func portSegment(port uint16, link []byte) (Path, error) {
	if port == 0 {
		return nil, fmt.Errorf("PortSegment: port 0 is reserved")
	}
	if len(link) == 0 {
		return nil, fmt.Errorf("PortSegment: empty link address")
	}
	if len(link) > 255 {
		return nil, fmt.Errorf("PortSegment: link address too long: %d bytes", len(link))
	}

	header := byte(CipPortSegment) << 5
	extended := len(link) > 1
	if extended {
		header |= 0x10
	}

	out := Path{header}
	if port < 0x0F {
		out[0] |= byte(port)
	} else {
		out[0] |= 0x0F
	}
	if extended {
		out = append(out, byte(len(link)))
	}
	if port >= 0x0F {
		out = binary.LittleEndian.AppendUint16(out, port)
	}
	out = append(out, link...)
	if len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return out, nil
}

// Encode a Logical Segment, returns a packed or unpacked Epath.   The padding requirements for a Logical Segment include inter-byte
// padding for some formats, so **padding must be specified at time of creation**.   Padding applies to 16- and 32-bit logical formats
// to achieve word alignment within the LogicalType encoded path.
func logicalSegment(logical_type LogicalType, logical_format LogicalFormat, value []byte, padded bool) (Path, error) {

	segmentType := byte(CipLogicalSegment)

	if logical_type == CipLogicalTypeSpecial {
		out := []byte{0x34}
		out = append(out, value...)
		return Path(out), nil
	}

	if logical_type == CipLogicalTypeServiceId {
		out := []byte{0x38}
		out = append(out, value...)
		return Path(out), nil
	}

	// Validate value size for the format bits (this is the big missing piece).
	switch logical_format {
	case CipLogicalFormat8bit:
		if len(value) != 1 {
			return nil, fmt.Errorf("LogicalSegment: 8-bit format requires 1 byte, got %d", len(value))
		}
	case CipLogicalFormat16bit:
		if len(value) != 2 {
			return nil, fmt.Errorf("LogicalSegment: 16-bit format requires 2 bytes, got %d", len(value))
		}
	case CipLogicalFormat32bit:
		if len(value) != 4 {
			return nil, fmt.Errorf("LogicalSegment: 32-bit format requires 4 bytes, got %d", len(value))
		}
	default:
		return nil, fmt.Errorf("LogicalSegment: unsupported logical format %v", logical_format)
	}

	// The capacity of a padded 16 or 32-bit logical segment should account for the internal pad byte.
	capHint := 1 + len(value)
	if padded && (logical_format == CipLogicalFormat16bit || logical_format == CipLogicalFormat32bit) {
		capHint++
	}
	out := make([]byte, 1, capHint)

	out[0] |= (segmentType & 0b111) << 5
	out[0] |= (byte(logical_type) & 0b111) << 2
	out[0] |= (byte(logical_format) & 0b11)

	// A pad byte 0x00 is required before the value for padded paths if the segment is 16 or 32 bits per ODVA 1.4
	if padded && (logical_format == CipLogicalFormat16bit || logical_format == CipLogicalFormat32bit) {
		out = append(out, 0x00)
	}

	out = append(out, value...)

	return Path(out), nil

}

// tagPart represents a component of a tag path (either a name or an array index)
type tagPart struct {
	name    string
	index   uint32
	isIndex bool
}

// splitTagPath parses a tag path like "Program.Tag[5].Member" into components.
func splitTagPath(tag string) []tagPart {
	var parts []tagPart
	current := ""

	for i := 0; i < len(tag); i++ {
		ch := tag[i]
		switch ch {
		case '.':
			// Dot separator - end current name segment
			if current != "" {
				parts = append(parts, tagPart{name: current})
				current = ""
			}
		case '[':
			// Start of array index
			if current != "" {
				parts = append(parts, tagPart{name: current})
				current = ""
			}
			// Find closing bracket and parse index
			j := i + 1
			for j < len(tag) && tag[j] != ']' {
				j++
			}
			if j > i+1 {
				indexStr := tag[i+1 : j]
				var idx uint32
				for _, c := range indexStr {
					if c >= '0' && c <= '9' {
						idx = idx*10 + uint32(c-'0')
					}
				}
				parts = append(parts, tagPart{index: idx, isIndex: true})
			}
			i = j // Skip past the ']'
		case ']':
			// Already handled in '[' case
		default:
			current += string(ch)
		}
	}

	// Don't forget the last segment
	if current != "" {
		parts = append(parts, tagPart{name: current})
	}

	return parts
}

// memberSegment creates a member/element segment for array indexing
func memberSegment(index uint32) (Path, error) {
	if index <= 0xFF {
		// 8-bit member
		return Path{0x28, byte(index)}, nil
	} else if index <= 0xFFFF {
		// 16-bit member (with pad byte for alignment)
		return Path{0x29, 0x00, byte(index), byte(index >> 8)}, nil
	} else {
		// 32-bit member (with pad byte for alignment)
		return Path{0x2A, 0x00, byte(index), byte(index >> 8), byte(index >> 16), byte(index >> 24)}, nil
	}
}

func symbolicSegmentAsciiExt(symbol []byte) (Path, error) {

	if len(symbol) > 255 {
		return nil, fmt.Errorf("SymbolicSegmentAsciiExt: Symbol is too long, maximum 255 bytes.")
	}
	if len(symbol) == 0 {
		return nil, fmt.Errorf("SymbolicSegmentAsciiExt: Symbol length is zero - cannot encode epath.")
	}
	out := []byte{0x91, byte(len(symbol))}
	out = append(out, symbol...)
	if len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return Path(out), nil
}
