package protocol

// 握手请求 data
type RegisterRequest struct {
	Capabilities []string `json:"capabilities"`
	// 断线重连时带上之前的 session_id
	SessionID string `json:"session_id,omitempty"`
}

// 握手应答 data
type Registration struct {
	SessionID           string   `json:"session_id"`
	Success             bool     `json:"success"`
	HeartbeatIntervalMS int64    `json:"heartbeat_interval_ms"`
	Resumed             bool     `json:"resumed,omitempty"`
	Permissions         []string `json:"permissions,omitempty"`
	Error               string   `json:"error,omitempty"`
}

// 连接建立后的欢迎通知
type Welcome struct {
	Transport           string `json:"transport"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
}

type DocumentShared struct {
	DocumentID string `json:"document_id"`
	SharedBy   string `json:"shared_by"`
}
