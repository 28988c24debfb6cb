package node

import (
	"testing"

	"github.com/regionmesh/regiond/internal/event"
	"github.com/regionmesh/regiond/internal/oplog"
	"github.com/stretchr/testify/require"
)

type rawOperation struct {
	Header []byte `codec:"header"`
	Body   []byte `codec:"body,omitempty"`
}

type rawPayload struct {
	Version uint   `codec:"v"`
	Tag     string `codec:"t"`
	Body    []byte `codec:"b"`
}

func mustEncode(t *testing.T, p event.Payload) []byte {
	t.Helper()
	body, err := event.Encode(p)
	require.NoError(t, err)
	return body
}

func unknownPayload(t *testing.T, tag string) []byte {
	t.Helper()
	inner, err := event.Marshal(map[string]string{"uptime": "42"})
	require.NoError(t, err)
	body, err := event.Marshal(&rawPayload{Version: event.Version, Tag: tag, Body: inner})
	require.NoError(t, err)
	return body
}

// tamperHeader changes the timestamp of a signed header and keeps the
// original signature.
func tamperHeader(t *testing.T, raw []byte) []byte {
	t.Helper()

	var w rawOperation
	require.NoError(t, event.Unmarshal(raw, &w))

	var h oplog.Header
	require.NoError(t, event.Unmarshal(w.Header, &h))
	h.Timestamp++

	header, err := event.Marshal(&h)
	require.NoError(t, err)
	w.Header = header

	out, err := event.Marshal(&w)
	require.NoError(t, err)
	return out
}

func replaceBody(t *testing.T, raw, body []byte) []byte {
	t.Helper()

	var w rawOperation
	require.NoError(t, event.Unmarshal(raw, &w))
	w.Body = body

	out, err := event.Marshal(&w)
	require.NoError(t, err)
	return out
}
