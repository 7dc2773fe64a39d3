package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/partyctl/internal/protocol/tlv"
	"github.com/danmuck/partyctl/internal/testutil/testlog"
)

func TestValidateCallRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldTarget, "Lobby"),
		tlv.String(FieldMethod, "StartSession"),
		tlv.Bytes(FieldArgs, []byte(`{"party_size":3}`)),
	}
	if err := Validate(MsgCall, fields); err != nil {
		t.Fatalf("validate call: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.Bytes(FieldResult, []byte(`true`)),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgResult, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.String(FieldTarget, "Lobby")}
	err := Validate(MsgCall, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldMethod || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U32(FieldErrorCode, CodeApplication),
		tlv.Bytes(FieldErrorMessage, []byte("boom")),
	}
	err := Validate(MsgError, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldErrorMessage || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownKind(t *testing.T) {
	testlog.Start(t)
	err := Validate(77, nil)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unknown kind" || ve.Kind != 77 {
		t.Fatalf("unexpected error: %v", err)
	}
}
