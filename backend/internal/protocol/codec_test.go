package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
)

func sampleEnvelope(t *testing.T) Envelope {
	t.Helper()
	env, err := New(TypeRequest, "edit", map[string]any{
		"document_id": "doc-1",
		"operation": map[string]any{
			"type":     "insert",
			"position": 2,
			"clips":    []any{map[string]any{"id": "c1", "text": "hello"}},
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.SessionID = "s-1"
	return env
}

func TestCodecs_DecodeToSameEnvelope(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	env := sampleEnvelope(t)

	var decoded []Envelope
	for _, ct := range []string{ContentTypeJSON, ContentTypeCBOR} {
		c := reg.Get(ct)
		if c == nil {
			t.Fatalf("codec %q not registered", ct)
		}
		b, err := c.Marshal(env)
		if err != nil {
			t.Fatalf("%s Marshal() error = %v", ct, err)
		}
		var got Envelope
		if err := c.Unmarshal(b, &got); err != nil {
			t.Fatalf("%s Unmarshal() error = %v", ct, err)
		}
		decoded = append(decoded, got)
	}

	a, b := decoded[0], decoded[1]
	if a.ID != b.ID || a.Type != b.Type || a.Action != b.Action || a.SessionID != b.SessionID || a.Timestamp != b.Timestamp {
		t.Fatalf("header mismatch: json=%+v cbor=%+v", a, b)
	}
	var da, db map[string]any
	if err := json.Unmarshal(a.Data, &da); err != nil {
		t.Fatalf("json data: %v", err)
	}
	if err := json.Unmarshal(b.Data, &db); err != nil {
		t.Fatalf("cbor data: %v", err)
	}
	if !reflect.DeepEqual(da, db) {
		t.Fatalf("data mismatch:\njson=%v\ncbor=%v", da, db)
	}
}

func TestCodecs_EnvelopeSlice(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("CBOR() error = %v", err)
	}
	in := []Envelope{sampleEnvelope(t), {ID: "hb", Type: TypeHeartbeat, Action: ActionHeartbeat, Timestamp: 1}}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out []Envelope
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(out) != 2 || out[1].ID != "hb" || len(out[1].Data) != 0 {
		t.Fatalf("got %+v", out)
	}
}

func TestRegistry_GetIgnoresParams(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if c := reg.Get("application/json; charset=utf-8"); c == nil || c.ContentType() != ContentTypeJSON {
		t.Fatalf("Get() = %v, want json codec", c)
	}
	if c := reg.Get("text/plain"); c != nil {
		t.Fatalf("Get(text/plain) = %v, want nil", c)
	}
	if c := reg.Negotiate(""); c.ContentType() != ContentTypeJSON {
		t.Fatalf("Negotiate(\"\") = %q, want json", c.ContentType())
	}
}

func TestEnvelope_Reply(t *testing.T) {
	req := Envelope{ID: "r1", Type: TypeRequest, Action: ActionRegister, SessionID: "s"}
	resp, err := req.Reply(TypeResponse, Registration{SessionID: "s", Success: true})
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if resp.ID != "r1" || resp.Action != ActionRegistrationResponse || resp.Type != TypeResponse {
		t.Fatalf("Reply() = %+v", resp)
	}
	edit := Envelope{ID: "r2", Type: TypeRequest, Action: "edit"}
	resp, _ = edit.Reply(TypeError, nil)
	if resp.Action != "edit_response" || !resp.Critical() {
		t.Fatalf("Reply() = %+v", resp)
	}
}

func TestEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"request", Envelope{ID: "1", Type: TypeRequest, Action: "edit"}, true},
		{"heartbeat without action", Envelope{ID: "1", Type: TypeHeartbeat}, true},
		{"missing id", Envelope{Type: TypeRequest, Action: "edit"}, false},
		{"bad type", Envelope{ID: "1", Type: "ping", Action: "edit"}, false},
		{"missing action", Envelope{ID: "1", Type: TypeRequest}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
