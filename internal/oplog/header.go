package oplog

import (
	"fmt"

	"github.com/regionmesh/regiond/internal/event"
)

// HeaderVersion is the only header layout this node produces and accepts.
const HeaderVersion = 1

// DefaultLogID is the log every region event is appended to.
const DefaultLogID = "region"

const extLogID = "log_id"

type Extension struct {
	Key   string `codec:"k"`
	Value string `codec:"v"`
}

// Header is immutable once signed. SeqNum starts at 0 for an author's first
// entry in a log and Backlink is empty exactly when SeqNum is 0.
type Header struct {
	Version     uint        `codec:"version"`
	PublicKey   string      `codec:"public_key"`
	Signature   string      `codec:"signature,omitempty"`
	PayloadHash string      `codec:"payload_hash,omitempty"`
	PayloadSize uint64      `codec:"payload_size"`
	Timestamp   uint64      `codec:"timestamp"`
	SeqNum      uint64      `codec:"seq_num"`
	Backlink    string      `codec:"backlink,omitempty"`
	Extensions  []Extension `codec:"extensions,omitempty"`
}

func (h *Header) LogID() string {
	for _, ext := range h.Extensions {
		if ext.Key == extLogID {
			return ext.Value
		}
	}
	return ""
}

func (h *Header) setLogID(logID string) {
	for i, ext := range h.Extensions {
		if ext.Key == extLogID {
			h.Extensions[i].Value = logID
			return
		}
	}
	h.Extensions = append(h.Extensions, Extension{Key: extLogID, Value: logID})
}

func (h *Header) encode() ([]byte, error) {
	data, err := event.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	return data, nil
}

// signingBytes is the header encoding with the signature left out.
func (h *Header) signingBytes() ([]byte, error) {
	unsigned := *h
	unsigned.Signature = ""
	return unsigned.encode()
}
