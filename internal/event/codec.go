package event

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Version is written into every encoded payload.
const Version = 1

var ErrUnknownPayload = errors.New("unknown payload cannot be encoded")

// DecodeError reports structurally malformed payload bytes.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed payload: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

type wirePayload struct {
	Version uint   `codec:"v"`
	Tag     string `codec:"t"`
	Body    []byte `codec:"b"`
}

var handle = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	return h
}

// Marshal encodes v with the msgpack handle shared by payloads and
// operations.
func Marshal(v interface{}) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, handle).Encode(v); err != nil {
		return nil, err
	}
	return b, nil
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(data []byte, v interface{}) error {
	return codec.NewDecoderBytes(data, handle).Decode(v)
}

func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("failed to encode payload: nil payload")
	}
	if _, ok := p.(Unknown); ok {
		return nil, ErrUnknownPayload
	}

	body, err := Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.Type(), err)
	}

	data, err := Marshal(&wirePayload{
		Version: Version,
		Tag:     string(p.Type()),
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload envelope: %w", err)
	}
	return data, nil
}

// Decode accepts payloads of any protocol version. Unrecognised tags decode
// to Unknown; only malformed bytes produce a DecodeError.
func Decode(data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}

	var w wirePayload
	if err := Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Reason: "invalid envelope", Err: err}
	}
	if w.Tag == "" {
		return nil, &DecodeError{Reason: "missing variant tag"}
	}

	switch Type(w.Tag) {
	case TypeNodeAnnounced:
		return decodeBody[NodeAnnounced](w)
	case TypeNodeUpdated:
		return decodeBody[NodeUpdated](w)
	case TypeNodeStatusPosted:
		return decodeBody[NodeStatusPosted](w)
	case TypeAppRepoAdded:
		return decodeBody[AppRepoAdded](w)
	case TypeAppRegistered:
		return decodeBody[AppRegistered](w)
	}

	_, deprecated := deprecatedTags[w.Tag]
	return Unknown{
		Tag:        w.Tag,
		Version:    w.Version,
		Body:       w.Body,
		Deprecated: deprecated,
	}, nil
}

func decodeBody[T Payload](w wirePayload) (Payload, error) {
	var p T
	if len(w.Body) == 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("empty %s body", w.Tag)}
	}
	if err := Unmarshal(w.Body, &p); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid %s body", w.Tag), Err: err}
	}
	return p, nil
}
