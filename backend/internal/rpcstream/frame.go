package rpcstream

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"realtimeCollab/backend/internal/protocol"
)

// Encode 信封 → google.protobuf.Struct，字段名与 JSON 帧一致
func Encode(env protocol.Envelope) (*structpb.Struct, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return s, nil
}

// Decode google.protobuf.Struct → 信封
func Decode(s *structpb.Struct) (protocol.Envelope, error) {
	var env protocol.Envelope
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode frame: %w", err)
	}
	return env, nil
}
