package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/partyctl/internal/protocol"
)

// HeaderSize is the encoded header length:
// magic(4) version(1) kind(1) flags(1) reserved(1) id(8) length(4).
const HeaderSize = 20

const (
	FlagResponse uint8 = 1 << iota
	FlagError

	knownFlags = FlagResponse | FlagError
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrUnknownFlags    = errors.New("frame: unknown flag bits")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Header routes a frame. Magic and version are implied by the package.
type Header struct {
	Kind      uint8
	Flags     uint8
	MessageID uint64
	Length    uint32
}

// IsResponse reports whether the frame answers an earlier call.
func (h Header) IsResponse() bool {
	return h.Flags&FlagResponse != 0
}

// IsError reports whether a response carries an application error.
func (h Header) IsError() bool {
	return h.Flags&FlagError != 0
}

type Frame struct {
	Header  Header
	Payload []byte
}

// Limits bounds the payload a peer may send or receive.
type Limits struct {
	MaxPayload uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayload: 1 << 20}
}

// MaxFrame is the largest encoded frame allowed under l.
func (l Limits) MaxFrame() int64 {
	return HeaderSize + int64(l.MaxPayload)
}

// ReadFrame reads one frame. A clean close before any header byte returns
// io.EOF; the payload is only allocated after the header checks pass.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(buf[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Length > limits.MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.Length, limits.MaxPayload)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes header and payload in one Write so callers only need to
// serialize whole frames.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayload) {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), limits.MaxPayload)
	}
	h := f.Header
	h.Length = uint32(len(f.Payload))
	buf := make([]byte, HeaderSize, HeaderSize+len(f.Payload))
	EncodeHeader(buf, h)
	_, err := w.Write(append(buf, f.Payload...))
	return err
}

// EncodeHeader fills dst, which must be HeaderSize bytes.
func EncodeHeader(dst []byte, h Header) {
	binary.BigEndian.PutUint32(dst[0:4], protocol.Magic)
	dst[4] = protocol.Version
	dst[5] = h.Kind
	dst[6] = h.Flags
	dst[7] = 0
	binary.BigEndian.PutUint64(dst[8:16], h.MessageID)
	binary.BigEndian.PutUint32(dst[16:20], h.Length)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	if magic := binary.BigEndian.Uint32(b[0:4]); magic != protocol.Magic {
		return Header{}, fmt.Errorf("%w: 0x%08x", protocol.ErrInvalidMagic, magic)
	}
	if b[4] != protocol.Version {
		return Header{}, fmt.Errorf("%w: %d", protocol.ErrUnsupportedVersion, b[4])
	}
	if b[6]&^knownFlags != 0 {
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFlags, b[6])
	}
	return Header{
		Kind:      b[5],
		Flags:     b[6],
		MessageID: binary.BigEndian.Uint64(b[8:16]),
		Length:    binary.BigEndian.Uint32(b[16:20]),
	}, nil
}
