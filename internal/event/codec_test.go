package event

import (
	"errors"
	"reflect"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	payloads := []Payload{
		NodeAnnounced{Name: "alpha"},
		NodeAnnounced{Name: "alpha", PublicIPv4: "10.0.0.1", DomainLocal: "alpha.local", DomainInternet: "alpha.example.org"},
		NodeUpdated{Name: "alpha", PublicIPv4: "1.2.3.4"},
		NodeStatusPosted{Text: "all systems nominal", State: StatusOK},
		NodeStatusPosted{Text: "", State: StatusDown},
		AppRepoAdded{Name: "chat", RepositoryURL: "https://git.example.org/chat.git", Description: "group chat"},
		AppRegistered{AppName: "chat", Version: "1.4.2"},
	}

	for _, p := range payloads {
		t.Run(string(p.Type()), func(t *testing.T) {
			data, err := Encode(p)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if !reflect.DeepEqual(decoded, p) {
				t.Errorf("Round trip mismatch: got %#v, want %#v", decoded, p)
			}
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	p := NodeUpdated{Name: "alpha", PublicIPv4: "1.2.3.4", DomainLocal: "alpha.local"}

	a, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if string(a) != string(b) {
		t.Error("Encoding the same payload twice should produce identical bytes")
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	body, err := Marshal(map[string]string{"forecast": "sunny"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := Marshal(&wirePayload{Version: 7, Tag: "region_weather", Body: body})
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Unknown tag should not fail decoding: %v", err)
	}

	unknown, ok := decoded.(Unknown)
	if !ok {
		t.Fatalf("Expected Unknown, got %T", decoded)
	}
	if unknown.Tag != "region_weather" {
		t.Errorf("Expected tag region_weather, got %s", unknown.Tag)
	}
	if unknown.Version != 7 {
		t.Errorf("Expected version 7, got %d", unknown.Version)
	}
	if unknown.Deprecated {
		t.Error("Unrecognised tag should not be flagged deprecated")
	}
	if string(unknown.Body) != string(body) {
		t.Error("Unknown should carry the raw body")
	}
}

func TestDecodeDeprecatedTag(t *testing.T) {
	data, err := Marshal(&wirePayload{Version: 0, Tag: "node_heartbeat", Body: []byte{0x80}})
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Deprecated tag should not fail decoding: %v", err)
	}

	unknown, ok := decoded.(Unknown)
	if !ok {
		t.Fatalf("Expected Unknown, got %T", decoded)
	}
	if !unknown.Deprecated {
		t.Error("node_heartbeat should be flagged deprecated")
	}
}

func TestDecodeOlderVersion(t *testing.T) {
	// Version 0 announcements only carried a name and a since-removed field.
	body, err := Marshal(map[string]interface{}{"name": "alpha", "region": "eu"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := Marshal(&wirePayload{Version: 0, Tag: string(TypeNodeAnnounced), Body: body})
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if !reflect.DeepEqual(decoded, NodeAnnounced{Name: "alpha"}) {
		t.Errorf("Unexpected payload: %#v", decoded)
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(NodeStatusPosted{Text: "degraded disk", State: StatusDegraded})
	if err != nil {
		t.Fatal(err)
	}

	badBody, err := Marshal(&wirePayload{Version: Version, Tag: string(TypeNodeUpdated), Body: []byte{0x01}})
	if err != nil {
		t.Fatal(err)
	}

	noTag, err := Marshal(&wirePayload{Version: Version, Body: []byte{0x80}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", valid[:len(valid)-3]},
		{"scalar", []byte{0x01}},
		{"invalid body", badBody},
		{"missing tag", noTag},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if err == nil {
				t.Fatal("Expected decode error")
			}
			if !IsDecodeError(err) {
				t.Errorf("Expected DecodeError, got %T: %v", err, err)
			}
		})
	}
}

func TestEncodeUnknownRejected(t *testing.T) {
	_, err := Encode(Unknown{Tag: "region_weather"})
	if !errors.Is(err, ErrUnknownPayload) {
		t.Errorf("Expected ErrUnknownPayload, got %v", err)
	}
}

func TestOpenEnvelope(t *testing.T) {
	body, err := Encode(AppRegistered{AppName: "chat", Version: "2.0.0"})
	if err != nil {
		t.Fatal(err)
	}

	header := Header{AuthorNodeID: "node-1", Timestamp: 1700000000123, OperationID: "op-1"}
	env, err := Open(header, body)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if env.Header != header {
		t.Errorf("Header mismatch: %#v", env.Header)
	}
	if env.Payload != (AppRegistered{AppName: "chat", Version: "2.0.0"}) {
		t.Errorf("Payload mismatch: %#v", env.Payload)
	}
	if env.Header.Time().UnixMilli() != 1700000000123 {
		t.Errorf("Expected millisecond timestamp, got %d", env.Header.Time().UnixMilli())
	}
}
