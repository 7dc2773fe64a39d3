package schema

import (
	"fmt"

	"github.com/danmuck/partyctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message kinds carried in frame.Header.Kind.
const (
	MsgCall   uint8 = 1
	MsgResult uint8 = 2
	MsgError  uint8 = 3
)

// Field IDs from tlv contract.
const (
	FieldTarget uint16 = 1
	FieldMethod uint16 = 2
	FieldArgs   uint16 = 3

	FieldResult uint16 = 100

	FieldErrorCode    uint16 = 200
	FieldErrorMessage uint16 = 201
)

// Error codes carried by MsgError responses.
const (
	CodeApplication    uint32 = 1
	CodeUnknownTarget  uint32 = 2
	CodeUnknownMethod  uint32 = 3
	CodeCodecMismatch  uint32 = 4
	CodeDispatchPanics uint32 = 5
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Kind    uint8
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: kind=%d: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("schema: kind=%d field=%d: %s", e.Kind, e.FieldID, e.Reason)
}

var requirements = map[uint8][]Requirement{
	MsgCall: {
		{FieldTarget, tlv.TypeString},
		{FieldMethod, tlv.TypeString},
		{FieldArgs, tlv.TypeBytes},
	},
	MsgResult: {
		{FieldResult, tlv.TypeBytes},
	},
	MsgError: {
		{FieldErrorCode, tlv.TypeU32},
		{FieldErrorMessage, tlv.TypeString},
	},
}

// Validate enforces required fields and field types for a message kind.
// Unknown fields are ignored so peers can add optional fields.
func Validate(kind uint8, fields []tlv.Field) error {
	reqs, ok := requirements[kind]
	if !ok {
		log.Error().Uint8("kind", kind).Msg("schema.Validate unknown kind")
		return ValidationError{Kind: kind, Reason: "unknown kind"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Uint8("kind", kind).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{Kind: kind, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint8("kind", kind).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{Kind: kind, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
