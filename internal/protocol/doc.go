// Package protocol owns the partyctl wire contract shared by both ends of a
// socket-style channel.
//
// Ownership boundary:
// - frame/header primitives (frame)
// - tlv payload primitives (tlv)
// - call/result message schema (schema)
package protocol

const (
	// Magic is "PART" in ASCII.
	Magic   uint32 = 0x50415254
	Version uint8  = 1
)
