package event

import "time"

// Header carries the operation metadata a handler needs.
type Header struct {
	AuthorNodeID string
	// Timestamp in milliseconds since the Unix epoch.
	Timestamp   uint64
	OperationID string
}

func (h Header) Time() time.Time {
	return time.UnixMilli(int64(h.Timestamp)).UTC()
}

// Envelope is the processing-time view of one operation. It is never
// persisted.
type Envelope struct {
	Header  Header
	Payload Payload
}

// Open decodes body and wraps it with its header.
func Open(header Header, body []byte) (*Envelope, error) {
	payload, err := Decode(body)
	if err != nil {
		return nil, err
	}
	return &Envelope{Header: header, Payload: payload}, nil
}
