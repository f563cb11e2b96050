// message/codec.go
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lightforgemedia/go-ddp/pkg/ejson"
	"github.com/tidwall/gjson"
)

// ErrMalformed is returned by Decode for frames that are not a JSON object
// or that lack a field their tag requires.
var ErrMalformed = errors.New("message: malformed frame")

type decoder func(frame []byte, root gjson.Result) (Message, error)

var decoders = map[Type]decoder{
	TypeConnect:   decodeAs[Connect](),
	TypeConnected: decodeAs[Connected](),
	TypeFailed:    decodeAs[Failed](),
	TypePing:      decodeAs[Ping](),
	TypePong:      decodeAs[Pong](),
	TypeSub:       decodeAs[Sub]("id", "name"),
	TypeUnsub:     decodeAs[Unsub]("id"),
	TypeMethod:    decodeAs[Method]("id", "method"),
	TypeReady:     decodeAs[Ready]("subs"),
	TypeNoSub:     decodeAs[NoSub]("id"),
	TypeAdded:     decodeAs[Added]("collection", "id"),
	TypeChanged:   decodeAs[Changed]("collection", "id"),
	TypeRemoved:   decodeAs[Removed]("collection", "id"),
	TypeResult:    decodeAs[Result]("id"),
	TypeUpdated:   decodeAs[Updated](),
	TypeError:     decodeAs[ServerError](),
}

func decodeAs[T Message](required ...string) decoder {
	return func(frame []byte, root gjson.Result) (Message, error) {
		for _, field := range required {
			if !root.Get(field).Exists() {
				var zero T
				return nil, fmt.Errorf("%w: %s message without %q", ErrMalformed, zero.MsgType(), field)
			}
		}
		var v T
		if err := json.Unmarshal(frame, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return v, nil
	}
}

// Decode parses one frame into its tagged variant. Frames without a string
// "msg" field, or with a tag this package does not know, decode to Unknown
// without error so that callers can skip them.
func Decode(frame []byte) (Message, error) {
	if !gjson.ValidBytes(frame) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	tag := root.Get("msg")
	if tag.Type != gjson.String {
		return Unknown{Raw: clone(frame)}, nil
	}
	dec, ok := decoders[Type(tag.Str)]
	if !ok {
		return Unknown{Tag: Type(tag.Str), Raw: clone(frame)}, nil
	}

	m, err := dec(frame, root)
	if err != nil {
		return nil, err
	}

	// Document fields carry EJSON values.
	switch v := m.(type) {
	case Added:
		v.Fields = ejsonFields(v.Fields)
		m = v
	case Changed:
		v.Fields = ejsonFields(v.Fields)
		m = v
	}
	return m, nil
}

func ejsonFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = ejson.FromJSONValue(v)
	}
	return out
}

// Encode serialises m with its "msg" tag as the first field. Param lists are
// always sent as arrays, never null.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Unknown:
		return clone(v.Raw), nil
	case Sub:
		if v.Params == nil {
			v.Params = []any{}
		}
		m = v
	case Method:
		if v.Params == nil {
			v.Params = []any{}
		}
		m = v
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message: encoding %s: %w", m.MsgType(), err)
	}
	tag, err := json.Marshal(m.MsgType())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(tag)+8)
	out = append(out, `{"msg":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Value decodes the result payload as EJSON. It returns nil when the server
// sent no result.
func (r Result) Value() (any, error) {
	if len(r.Result) == 0 {
		return nil, nil
	}
	return ejson.Unmarshal(r.Result)
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
