package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/danmuck/partyctl/internal/protocol/schema"
)

var typeOfError = reflect.TypeOf((*error)(nil)).Elem()

type exportedMethod struct {
	fn        reflect.Value
	argType   reflect.Type
	replyType reflect.Type
}

type exportedObject struct {
	rcvr    reflect.Value
	methods map[string]exportedMethod
}

// exportTable is the socket-side directory of exported objects.
type exportTable struct {
	mu    sync.RWMutex
	items map[string]*exportedObject
}

func newExportTable() *exportTable {
	return &exportTable{items: make(map[string]*exportedObject)}
}

// add registers obj under key. Methods must match net/rpc's shape: exported,
// two arguments with a pointer reply, and a single error result.
func (t *exportTable) add(obj any, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrExportKey)
	}
	rcvr := reflect.ValueOf(obj)
	typ := rcvr.Type()
	methods := make(map[string]exportedMethod)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if !m.IsExported() {
			continue
		}
		mt := m.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 {
			continue
		}
		if mt.In(2).Kind() != reflect.Pointer || mt.Out(0) != typeOfError {
			continue
		}
		methods[m.Name] = exportedMethod{
			fn:        m.Func,
			argType:   mt.In(1),
			replyType: mt.In(2),
		}
	}
	if len(methods) == 0 {
		return fmt.Errorf("%w: %s", ErrNoMethods, typ)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.items[key]; exists {
		return fmt.Errorf("%w: %s", ErrExportKey, key)
	}
	t.items[key] = &exportedObject{rcvr: rcvr, methods: methods}
	return nil
}

// call decodes args, runs the method, and encodes the reply. Any failure is a
// *RemoteError so the caller can write it back as an error frame.
func (t *exportTable) call(target, method string, rawArgs []byte) (out []byte, err error) {
	t.mu.RLock()
	obj, ok := t.items[target]
	t.mu.RUnlock()
	if !ok {
		return nil, &RemoteError{Code: schema.CodeUnknownTarget, Message: "unknown target " + target}
	}
	m, ok := obj.methods[method]
	if !ok {
		return nil, &RemoteError{Code: schema.CodeUnknownMethod, Message: "unknown method " + target + "." + method}
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &RemoteError{Code: schema.CodeDispatchPanics, Message: fmt.Sprintf("panic in %s.%s: %v", target, method, r)}
		}
	}()

	argIsValue := m.argType.Kind() != reflect.Pointer
	var argv reflect.Value
	if argIsValue {
		argv = reflect.New(m.argType)
	} else {
		argv = reflect.New(m.argType.Elem())
	}
	if len(rawArgs) > 0 && string(rawArgs) != "null" {
		if err := json.Unmarshal(rawArgs, argv.Interface()); err != nil {
			return nil, &RemoteError{Code: schema.CodeCodecMismatch, Message: err.Error()}
		}
	}
	if argIsValue {
		argv = argv.Elem()
	}
	replyv := reflect.New(m.replyType.Elem())

	results := m.fn.Call([]reflect.Value{obj.rcvr, argv, replyv})
	if errv := results[0].Interface(); errv != nil {
		callErr := errv.(error)
		var remote *RemoteError
		if errors.As(callErr, &remote) {
			return nil, remote
		}
		return nil, &RemoteError{Code: schema.CodeApplication, Message: callErr.Error()}
	}
	encoded, err := json.Marshal(replyv.Interface())
	if err != nil {
		return nil, &RemoteError{Code: schema.CodeCodecMismatch, Message: err.Error()}
	}
	return encoded, nil
}
