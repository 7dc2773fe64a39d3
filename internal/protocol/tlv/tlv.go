// Package tlv encodes call payloads as a flat list of typed fields. Each
// field is id(2) type(1) followed by a uvarint length and the value.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	TypeU32    uint8 = 1
	TypeString uint8 = 2
	TypeBytes  uint8 = 3
)

// maxFieldHeader is id, type and the longest uvarint a uint32 length needs.
const maxFieldHeader = 3 + 5

var (
	ErrTruncated      = errors.New("tlv: truncated field")
	ErrBadLength      = errors.New("tlv: bad field length")
	ErrDuplicateField = errors.New("tlv: duplicate field")
	ErrMissingField   = errors.New("tlv: missing field")
	ErrTypeMismatch   = errors.New("tlv: type mismatch")
)

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

// Bytes copies v so later writes to the caller's slice do not leak into an
// encoded frame.
func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), v...)}
}

func U32(id uint16, v uint32) Field {
	return Field{ID: id, Type: TypeU32, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func AppendField(dst []byte, f Field) []byte {
	dst = binary.BigEndian.AppendUint16(dst, f.ID)
	dst = append(dst, f.Type)
	dst = binary.AppendUvarint(dst, uint64(len(f.Value)))
	return append(dst, f.Value...)
}

func EncodeFields(fields []Field) []byte {
	size := 0
	for _, f := range fields {
		size += maxFieldHeader + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = AppendField(out, f)
	}
	return out
}

// DecodeFields keeps unknown ids so newer peers can add optional fields, but
// rejects a payload that repeats an id.
func DecodeFields(payload []byte) ([]Field, error) {
	var fields []Field
	seen := make(map[uint16]struct{})
	for len(payload) > 0 {
		if len(payload) < 3 {
			return nil, ErrTruncated
		}
		id := binary.BigEndian.Uint16(payload[0:2])
		typ := payload[2]
		n, w := binary.Uvarint(payload[3:])
		if w <= 0 || n > uint64(^uint32(0)) {
			return nil, fmt.Errorf("%w: field %d", ErrBadLength, id)
		}
		payload = payload[3+w:]
		if uint64(len(payload)) < n {
			return nil, fmt.Errorf("%w: field %d wants %d bytes, %d left", ErrTruncated, id, n, len(payload))
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateField, id)
		}
		seen[id] = struct{}{}
		fields = append(fields, Field{ID: id, Type: typ, Value: append([]byte(nil), payload[:n]...)})
		payload = payload[n:]
	}
	return fields, nil
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func expect(f Field, typ uint8) error {
	if f.Type != typ {
		return fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, f.ID, f.Type, typ)
	}
	return nil
}

// GetString returns a required string field.
func GetString(fields []Field, id uint16) (string, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if err := expect(f, TypeString); err != nil {
		return "", err
	}
	return string(f.Value), nil
}

// GetBytes returns an optional bytes field; absent fields yield nil.
func GetBytes(fields []Field, id uint16) ([]byte, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return nil, nil
	}
	if err := expect(f, TypeBytes); err != nil {
		return nil, err
	}
	return f.Value, nil
}

// GetU32 returns a required u32 field.
func GetU32(fields []Field, id uint16) (uint32, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if err := expect(f, TypeU32); err != nil {
		return 0, err
	}
	if len(f.Value) != 4 {
		return 0, fmt.Errorf("%w: u32 field %d has %d bytes", ErrBadLength, id, len(f.Value))
	}
	return binary.BigEndian.Uint32(f.Value), nil
}
