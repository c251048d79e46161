package cip

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Logix-specific services (Allen-Bradley extensions to CIP).
const (
	SvcReadTag  byte = 0x4C
	SvcWriteTag byte = 0x4D
)

// Logix atomic data type codes carried in Read Tag replies.
const (
	TypeBOOL  uint16 = 0x00C1
	TypeSINT  uint16 = 0x00C2
	TypeINT   uint16 = 0x00C3
	TypeDINT  uint16 = 0x00C4
	TypeLINT  uint16 = 0x00C5
	TypeUSINT uint16 = 0x00C6
	TypeUINT  uint16 = 0x00C7
	TypeUDINT uint16 = 0x00C8
	TypeULINT uint16 = 0x00C9
	TypeREAL  uint16 = 0x00CA
	TypeLREAL uint16 = 0x00CB

	// Bit 15 marks a structure; the low bits are the template instance.
	TypeStructureMask uint16 = 0x8000
)

// ReadTag builds a Read Tag request for count elements of tag.
func ReadTag(tag string, count uint16) (MessageRequest, error) {
	if tag == "" {
		return MessageRequest{}, fmt.Errorf("ReadTag: empty tag name")
	}
	path, err := EPath().Symbol(tag).Build()
	if err != nil {
		return MessageRequest{}, fmt.Errorf("ReadTag %q: %w", tag, err)
	}
	return NewRequest(SvcReadTag, path, Uint16(count)), nil
}

// TagValue is the data of a Read Tag reply: [type 2] [element bytes n].
type TagValue struct {
	Type uint16
	Data []byte
}

func (v *TagValue) DecodeCIP(data []byte) error {
	if len(data) < 2 {
		return malformed("tag value is %d bytes, need a 2-byte type", len(data))
	}
	v.Type = binary.LittleEndian.Uint16(data[0:2])
	v.Data = data[2:]
	return nil
}

// TypeName returns a readable name for a Logix type code.
func TypeName(dataType uint16) string {
	if dataType&TypeStructureMask != 0 {
		return fmt.Sprintf("STRUCT(%d)", dataType&0x0FFF)
	}
	switch dataType & 0x0FFF {
	case TypeBOOL:
		return "BOOL"
	case TypeSINT:
		return "SINT"
	case TypeINT:
		return "INT"
	case TypeDINT:
		return "DINT"
	case TypeLINT:
		return "LINT"
	case TypeUSINT:
		return "USINT"
	case TypeUINT:
		return "UINT"
	case TypeUDINT:
		return "UDINT"
	case TypeULINT:
		return "ULINT"
	case TypeREAL:
		return "REAL"
	case TypeLREAL:
		return "LREAL"
	default:
		return fmt.Sprintf("0x%04X", dataType)
	}
}

// Value interprets the first element of an atomic tag value. Structures and
// unknown types return the raw bytes.
func (v TagValue) Value() interface{} {
	le := binary.LittleEndian
	d := v.Data
	if v.Type&TypeStructureMask != 0 {
		return d
	}
	switch v.Type & 0x0FFF {
	case TypeBOOL:
		if len(d) >= 1 {
			return d[0] != 0
		}
	case TypeSINT:
		if len(d) >= 1 {
			return int8(d[0])
		}
	case TypeUSINT:
		if len(d) >= 1 {
			return d[0]
		}
	case TypeINT:
		if len(d) >= 2 {
			return int16(le.Uint16(d))
		}
	case TypeUINT:
		if len(d) >= 2 {
			return le.Uint16(d)
		}
	case TypeDINT:
		if len(d) >= 4 {
			return int32(le.Uint32(d))
		}
	case TypeUDINT:
		if len(d) >= 4 {
			return le.Uint32(d)
		}
	case TypeLINT:
		if len(d) >= 8 {
			return int64(le.Uint64(d))
		}
	case TypeULINT:
		if len(d) >= 8 {
			return le.Uint64(d)
		}
	case TypeREAL:
		if len(d) >= 4 {
			return math.Float32frombits(le.Uint32(d))
		}
	case TypeLREAL:
		if len(d) >= 8 {
			return math.Float64frombits(le.Uint64(d))
		}
	}
	return d
}
