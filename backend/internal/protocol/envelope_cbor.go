package protocol

import (
	"encoding/json"

	cbor "github.com/fxamacker/cbor/v2"
)

// CBOR 帧里 data 是结构化的值而不是 JSON 字节串，解出来之后与 JSON 帧得到同一个 Envelope
type cborEnvelope struct {
	ID        string      `cbor:"id"`
	Type      MessageType `cbor:"type"`
	Action    string      `cbor:"action"`
	Data      any         `cbor:"data,omitempty"`
	Timestamp float64     `cbor:"timestamp"`
	SessionID string      `cbor:"session_id,omitempty"`
}

var (
	envelopeEncMode = mustEncMode()
	envelopeDecMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cborDecOptions().DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

func (e Envelope) MarshalCBOR() ([]byte, error) {
	w := cborEnvelope{
		ID:        e.ID,
		Type:      e.Type,
		Action:    e.Action,
		Timestamp: e.Timestamp,
		SessionID: e.SessionID,
	}
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &w.Data); err != nil {
			return nil, err
		}
	}
	return envelopeEncMode.Marshal(w)
}

func (e *Envelope) UnmarshalCBOR(data []byte) error {
	var w cborEnvelope
	if err := envelopeDecMode.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope{
		ID:        w.ID,
		Type:      w.Type,
		Action:    w.Action,
		Timestamp: w.Timestamp,
		SessionID: w.SessionID,
	}
	if w.Data != nil {
		raw, err := json.Marshal(w.Data)
		if err != nil {
			return err
		}
		e.Data = raw
	}
	return nil
}
