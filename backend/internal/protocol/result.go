package protocol

import "fmt"

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorKind 错误分类，客户端按 kind 处理
type ErrorKind string

const (
	KindInvalidCommand    ErrorKind = "invalid_command"
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindCommandTimeout    ErrorKind = "command_timeout"
	KindTransformConflict ErrorKind = "transform_conflict_unresolvable"
	KindTransportError    ErrorKind = "transport_error"
	KindInternalError     ErrorKind = "internal_error"
)

// ErrorInfo 失败时的结构化原因
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Reason  string    `json:"reason,omitempty"`
}

// CommandResult 每条路由命令只产生一次，创建后不再修改
type CommandResult struct {
	Status    Status     `json:"status"`
	Data      any        `json:"data,omitempty"`
	Message   string     `json:"message"`
	Timestamp float64    `json:"timestamp"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

func (r CommandResult) OK() bool { return r.Status == StatusSuccess }

func Success(data any, message string) CommandResult {
	return CommandResult{Status: StatusSuccess, Data: data, Message: message, Timestamp: Now()}
}

func Failure(kind ErrorKind, message string) CommandResult {
	return CommandResult{
		Status:    StatusError,
		Message:   message,
		Timestamp: Now(),
		Error:     &ErrorInfo{Kind: kind, Message: message},
	}
}

// Conflict 操作被降级为 no-op 时的结果，data 里仍带着已提交的操作
func Conflict(data any, reason, message string) CommandResult {
	r := Failure(KindTransformConflict, message)
	r.Data = data
	r.Error.Reason = reason
	return r
}

// CommandError 处理器可以直接返回的分类错误
type CommandError struct {
	Kind    ErrorKind
	Message string
	Reason  string
}

func (e *CommandError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func Errorf(kind ErrorKind, format string, args ...any) *CommandError {
	return &CommandError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *CommandError) Result() CommandResult {
	r := Failure(e.Kind, e.Message)
	r.Error.Reason = e.Reason
	return r
}
