package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"realtimeCollab/backend/internal/protocol"
)

// 权限名
const (
	PermView        = "view"
	PermEdit        = "edit"
	PermCollaborate = "collaborate"
)

var ErrInvalidPayload = errors.New("invalid payload")

// Handler 给定会话和已解码的命令，产出 CommandResult 或失败。
// Decode 在权限检查之前执行，失败时处理器不会被调用。
type Handler interface {
	Decode(data json.RawMessage) (any, error)
	Handle(ctx context.Context, sessionID string, cmd any) (protocol.CommandResult, error)
}

// validatable 命令可以额外实现的跨字段校验
type validatable interface {
	Validate() error
}

type typed[T any] struct {
	v  *validator.Validate
	fn func(ctx context.Context, sessionID string, cmd T) (protocol.CommandResult, error)
}

// Typed 把一个强类型函数包装成 Handler：JSON 解码 + validator 标签 + 可选的 Validate()
func Typed[T any](v *validator.Validate, fn func(ctx context.Context, sessionID string, cmd T) (protocol.CommandResult, error)) Handler {
	return typed[T]{v: v, fn: fn}
}

func (h typed[T]) Decode(data json.RawMessage) (any, error) {
	var cmd T
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if h.v != nil {
		if err := h.v.Struct(&cmd); err != nil {
			var invalid *validator.InvalidValidationError
			if !errors.As(err, &invalid) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
		}
	}
	if c, ok := any(&cmd).(validatable); ok {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return cmd, nil
}

func (h typed[T]) Handle(ctx context.Context, sessionID string, cmd any) (protocol.CommandResult, error) {
	c, ok := cmd.(T)
	if !ok {
		return protocol.CommandResult{}, fmt.Errorf("%w: unexpected command type %T", ErrInvalidPayload, cmd)
	}
	return h.fn(ctx, sessionID, c)
}

// NewValidator 全局共用的校验器
func NewValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}
