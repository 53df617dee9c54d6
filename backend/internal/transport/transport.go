// Package transport 定义引擎和各协议适配器之间的约定。
// 适配器只负责把 Envelope 在自己的协议上收发，并把连接/断开/收到消息通知给 Sink。
package transport

import (
	"context"
	"errors"

	"realtimeCollab/backend/internal/protocol"
)

type Kind int

const (
	KindSocket Kind = iota + 1
	KindRPCStream
	KindLongPoll
)

func (k Kind) String() string {
	switch k {
	case KindSocket:
		return "socket"
	case KindRPCStream:
		return "rpc_stream"
	case KindLongPoll:
		return "long_poll"
	default:
		return "unknown"
	}
}

var (
	// ErrUnavailable 链路暂时不能投递（长轮询两次 poll 之间、发送缓冲已满），消息应进入 pending 队列
	ErrUnavailable = errors.New("transport: link temporarily unavailable")
	ErrClosed      = errors.New("transport: link closed")
)

// ConnInfo 适配器从原始连接里取出的信息，凭证原样交给权限来源
type ConnInfo struct {
	Credential string
	RemoteAddr string
}

// Link 一条活着的传输连接。Send 不能阻塞。
type Link interface {
	ID() string
	Kind() Kind
	Info() ConnInfo
	Send(env protocol.Envelope) error
	Close() error
}

// Sink 由引擎实现
type Sink interface {
	Connect(ctx context.Context, link Link) (string, error)
	Receive(ctx context.Context, link Link, env protocol.Envelope) error
	// Ready 链路重新可写（例如长轮询请求挂起），引擎据此冲刷 pending 队列
	Ready(link Link)
	// Requeue 链路收下但没能交给客户端的消息，按原顺序放回会话 pending 队列的队首
	Requeue(link Link, envs []protocol.Envelope)
	Disconnect(link Link, cause error)
}

type Adapter interface {
	Kind() Kind
	// Serve 阻塞直到 ctx 结束
	Serve(ctx context.Context, sink Sink) error
}
