package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType 信封类型
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeError        MessageType = "error"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeNotification, TypeHeartbeat, TypeError:
		return true
	}
	return false
}

// 引擎自己认识的 action，其余全部交给路由
const (
	ActionRegister              = "register"
	ActionRegistrationResponse  = "registration_response"
	ActionHeartbeat             = "heartbeat"
	ActionHeartbeatResponse     = "heartbeat_response"
	ActionConnectionEstablished = "connection_established"
	ActionOperationApplied      = "operation_applied"
	ActionDocumentShared        = "document_shared"
)

var ErrEmptyData = errors.New("envelope has no data")

// Envelope 是所有传输共用的线上消息单元。
// 发出之后不再修改；响应复用请求的 id。
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp float64         `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
}

// Now 返回 unix 秒（浮点）
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func NewID() string { return uuid.NewString() }

// New 构造一个新信封，data 会被序列化为 JSON
func New(typ MessageType, action string, data any) (Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:        NewID(),
		Type:      typ,
		Action:    action,
		Data:      raw,
		Timestamp: Now(),
	}, nil
}

// Reply 构造对 e 的响应：id 不变，action 追加 _response
func (e Envelope) Reply(typ MessageType, data any) (Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:        e.ID,
		Type:      typ,
		Action:    ResponseAction(e.Action),
		Data:      raw,
		Timestamp: Now(),
		SessionID: e.SessionID,
	}, nil
}

func ResponseAction(action string) string {
	if action == ActionRegister {
		return ActionRegistrationResponse
	}
	return action + "_response"
}

// Decode 把 data 解析到 v
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return ErrEmptyData
	}
	return json.Unmarshal(e.Data, v)
}

// Critical 心跳、应答和错误属于关键消息，队列溢出时优先保留
func (e Envelope) Critical() bool {
	switch e.Type {
	case TypeHeartbeat, TypeResponse, TypeError:
		return true
	}
	return false
}

// Validate 校验入站信封的基本结构
func (e Envelope) Validate() error {
	if e.ID == "" {
		return errors.New("envelope id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if e.Action == "" && e.Type != TypeHeartbeat {
		return errors.New("envelope action is required")
	}
	return nil
}

// WithSession 返回绑定到 sessionID 的副本
func (e Envelope) WithSession(sessionID string) Envelope {
	e.SessionID = sessionID
	return e
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope data: %w", err)
	}
	return b, nil
}
