package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/partyctl/internal/protocol/frame"
	"github.com/danmuck/partyctl/internal/protocol/schema"
	"github.com/danmuck/partyctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// SocketChannel multiplexes calls in both directions over one byte stream.
// A single read loop routes response frames to pending calls and call frames
// to the export table.
type SocketChannel struct {
	conn   net.Conn
	reader *bufio.Reader
	cfg    Config

	exports *exportTable
	pending *pendingCalls
	nextID  atomic.Uint64

	writeMu sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	closeErr  error
}

var _ Channel = (*SocketChannel)(nil)

// NewSocketChannel wraps conn. Export local objects before calling Start so
// no incoming call can race the export table.
func NewSocketChannel(conn net.Conn, cfg Config) *SocketChannel {
	return &SocketChannel{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		cfg:     cfg.WithDefaults(),
		exports: newExportTable(),
		pending: newPendingCalls(),
		done:    make(chan struct{}),
	}
}

// Start launches the read loop. Safe to call more than once.
func (c *SocketChannel) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

func (c *SocketChannel) Kind() Kind {
	return KindSocket
}

func (c *SocketChannel) RemoteAddr() string {
	if c.conn == nil || c.conn.RemoteAddr() == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *SocketChannel) Done() <-chan struct{} {
	return c.done
}

func (c *SocketChannel) Export(obj any, key string) error {
	return c.exports.add(obj, key)
}

func (c *SocketChannel) Invoke(ctx context.Context, target, method string, args, reply any) error {
	if c.closed.Load() {
		return failure("invoke", target, method, ErrClosed)
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return failure("encode", target, method, fmt.Errorf("%w: %v", ErrCodecMismatch, err))
	}

	id := c.nextID.Add(1)
	call, ok := c.pending.add(id, target, method)
	if !ok {
		return failure("invoke", target, method, ErrClosed)
	}
	defer c.pending.remove(id)

	payload := tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldTarget, target),
		tlv.String(schema.FieldMethod, method),
		tlv.Bytes(schema.FieldArgs, rawArgs),
	})
	if err := c.write(frame.Frame{
		Header:  frame.Header{Kind: schema.MsgCall, MessageID: id},
		Payload: payload,
	}); err != nil {
		return failure("write", target, method, err)
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case f, ok := <-call.reply:
		if !ok {
			return failure("invoke", target, method, ErrClosed)
		}
		return decodeResponse(f, target, method, reply)
	case <-timer.C:
		return failure("invoke", target, method, ErrCallTimeout)
	case <-ctx.Done():
		return failure("invoke", target, method, ctx.Err())
	case <-c.done:
		return failure("invoke", target, method, ErrClosed)
	}
}

// Close tears the connection down once and fails all pending calls.
func (c *SocketChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
		c.pending.closeAll()
		close(c.done)
	})
	return c.closeErr
}

func (c *SocketChannel) write(f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := frame.WriteFrame(c.conn, f, c.cfg.Limits); err != nil {
		if !errors.Is(err, frame.ErrPayloadTooLarge) {
			go c.Close()
		}
		return err
	}
	return nil
}

func (c *SocketChannel) readLoop() {
	defer c.Close()
	for {
		f, err := frame.ReadFrame(c.reader, c.cfg.Limits)
		if err != nil {
			if !c.closed.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Str("remote", c.RemoteAddr()).Err(err).Msg("transport.SocketChannel read failed")
			}
			return
		}
		if f.Header.IsResponse() {
			if !c.pending.resolve(f) {
				log.Debug().
					Str("remote", c.RemoteAddr()).
					Uint64("message_id", f.Header.MessageID).
					Msg("transport.SocketChannel dropped late response")
			}
			continue
		}
		if f.Header.Kind != schema.MsgCall {
			log.Warn().
				Str("remote", c.RemoteAddr()).
				Uint8("kind", f.Header.Kind).
				Msg("transport.SocketChannel unexpected frame")
			continue
		}
		go c.serveCall(f)
	}
}

func (c *SocketChannel) serveCall(f frame.Frame) {
	id := f.Header.MessageID
	fields, err := tlv.DecodeFields(f.Payload)
	if err == nil {
		err = schema.Validate(schema.MsgCall, fields)
	}
	if err != nil {
		c.writeError(id, &RemoteError{Code: schema.CodeCodecMismatch, Message: err.Error()})
		return
	}
	target, _ := tlv.GetString(fields, schema.FieldTarget)
	method, _ := tlv.GetString(fields, schema.FieldMethod)
	rawArgs, _ := tlv.GetBytes(fields, schema.FieldArgs)

	out, err := c.exports.call(target, method, rawArgs)
	if err != nil {
		var remote *RemoteError
		if !errors.As(err, &remote) {
			remote = &RemoteError{Code: schema.CodeApplication, Message: err.Error()}
		}
		c.writeError(id, remote)
		return
	}
	if err := c.write(frame.Frame{
		Header: frame.Header{
			Kind:      schema.MsgResult,
			Flags:     frame.FlagResponse,
			MessageID: id,
		},
		Payload: tlv.EncodeFields([]tlv.Field{tlv.Bytes(schema.FieldResult, out)}),
	}); err != nil {
		log.Warn().
			Str("remote", c.RemoteAddr()).
			Str("target", target).
			Str("method", method).
			Err(err).
			Msg("transport.SocketChannel write result failed")
	}
}

func (c *SocketChannel) writeError(id uint64, remote *RemoteError) {
	err := c.write(frame.Frame{
		Header: frame.Header{
			Kind:      schema.MsgError,
			Flags:     frame.FlagResponse | frame.FlagError,
			MessageID: id,
		},
		Payload: tlv.EncodeFields([]tlv.Field{
			tlv.U32(schema.FieldErrorCode, remote.Code),
			tlv.String(schema.FieldErrorMessage, remote.Message),
		}),
	})
	if err != nil {
		log.Warn().Str("remote", c.RemoteAddr()).Err(err).Msg("transport.SocketChannel write error failed")
	}
}

func decodeResponse(f frame.Frame, target, method string, reply any) error {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return failure("decode", target, method, fmt.Errorf("%w: %v", ErrCodecMismatch, err))
	}
	if f.Header.IsError() {
		if err := schema.Validate(schema.MsgError, fields); err != nil {
			return failure("decode", target, method, fmt.Errorf("%w: %v", ErrCodecMismatch, err))
		}
		code, err := tlv.GetU32(fields, schema.FieldErrorCode)
		if err != nil {
			return failure("decode", target, method, fmt.Errorf("%w: %v", ErrCodecMismatch, err))
		}
		msg, _ := tlv.GetString(fields, schema.FieldErrorMessage)
		return &RemoteError{Code: code, Message: msg}
	}
	if err := schema.Validate(schema.MsgResult, fields); err != nil {
		return failure("decode", target, method, fmt.Errorf("%w: %v", ErrCodecMismatch, err))
	}
	raw, _ := tlv.GetBytes(fields, schema.FieldResult)
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return failure("decode", target, method, fmt.Errorf("%w: %v", ErrCodecMismatch, err))
	}
	return nil
}
