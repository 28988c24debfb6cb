package oplog

import (
	"bytes"
	"fmt"

	"github.com/regionmesh/regiond/internal/event"
	"github.com/regionmesh/regiond/internal/hash"
)

// Operation is one signed entry of an author's log. Hash is the content id
// of the encoded header.
type Operation struct {
	Hash   string
	Header Header
	Body   []byte

	headerBytes []byte
	raw         []byte
}

type wireOperation struct {
	Header []byte `codec:"header"`
	Body   []byte `codec:"body,omitempty"`
}

func newOperation(header Header, body []byte) (*Operation, error) {
	headerBytes, err := header.encode()
	if err != nil {
		return nil, err
	}

	raw, err := event.Marshal(&wireOperation{Header: headerBytes, Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode operation: %w", err)
	}

	return &Operation{
		Hash:        hash.CalculateBytes(headerBytes),
		Header:      header,
		Body:        body,
		headerBytes: headerBytes,
		raw:         raw,
	}, nil
}

// Bytes returns the wire form handed to the transport and stored on disk.
func (o *Operation) Bytes() []byte {
	return o.raw
}

func (o *Operation) Author() string {
	return o.Header.PublicKey
}

// Decode parses wire bytes. It checks structure only; use Log.Verify before
// trusting the result.
func Decode(raw []byte) (*Operation, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty operation")
	}

	var w wireOperation
	if err := event.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("failed to decode operation: %w", err)
	}
	if len(w.Header) == 0 {
		return nil, fmt.Errorf("operation without header")
	}

	var header Header
	if err := event.Unmarshal(w.Header, &header); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}

	body := w.Body
	if len(body) == 0 {
		body = nil
	}

	return &Operation{
		Hash:        hash.CalculateBytes(w.Header),
		Header:      header,
		Body:        body,
		headerBytes: w.Header,
		raw:         raw,
	}, nil
}

// checkIntegrity validates everything that can be checked without the
// local chain: layout, signature, payload hash and size.
func (o *Operation) checkIntegrity() error {
	h := &o.Header
	reject := func(format string, args ...interface{}) error {
		return newVerificationError(o, fmt.Sprintf(format, args...))
	}

	if h.Version != HeaderVersion {
		return reject("unsupported header version %d", h.Version)
	}
	if err := validateLogID(h.LogID()); err != nil {
		return reject("%v", err)
	}

	canonical, err := h.encode()
	if err != nil {
		return reject("header cannot be re-encoded: %v", err)
	}
	if !bytes.Equal(canonical, o.headerBytes) {
		return reject("non-canonical header encoding")
	}

	if h.SeqNum == 0 && h.Backlink != "" {
		return reject("first entry must not have a backlink")
	}
	if h.SeqNum > 0 && !hash.Valid(h.Backlink) {
		return reject("missing or invalid backlink")
	}

	if h.PayloadHash == "" {
		if len(o.Body) != 0 || h.PayloadSize != 0 {
			return reject("body present without payload hash")
		}
	} else {
		if uint64(len(o.Body)) != h.PayloadSize {
			return reject("payload size mismatch: header %d, body %d", h.PayloadSize, len(o.Body))
		}
		if hash.CalculateBytes(o.Body) != h.PayloadHash {
			return reject("payload hash mismatch")
		}
	}

	signed, err := h.signingBytes()
	if err != nil {
		return reject("header cannot be re-encoded: %v", err)
	}
	valid, err := VerifySignature(h.PublicKey, h.Signature, signed)
	if err != nil {
		return reject("invalid signature: %v", err)
	}
	if !valid {
		return reject("signature does not match header")
	}

	return nil
}
