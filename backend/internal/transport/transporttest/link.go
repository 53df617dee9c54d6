// Package transporttest 提供测试用的内存链路
package transporttest

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"realtimeCollab/backend/internal/protocol"
	"realtimeCollab/backend/internal/transport"
)

var ErrBroken = errors.New("transporttest: broken pipe")

// Link 记录所有发出的信封。可以切换成暂不可用或故障状态。
type Link struct {
	id   string
	kind transport.Kind
	info transport.ConnInfo

	mu          sync.Mutex
	sent        []protocol.Envelope
	unavailable bool
	broken      bool
	closed      bool
}

func NewLink(kind transport.Kind, credential string) *Link {
	return &Link{id: uuid.NewString(), kind: kind, info: transport.ConnInfo{Credential: credential, RemoteAddr: "test"}}
}

func (l *Link) ID() string               { return l.id }
func (l *Link) Kind() transport.Kind     { return l.kind }
func (l *Link) Info() transport.ConnInfo { return l.info }

func (l *Link) Send(env protocol.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed:
		return transport.ErrClosed
	case l.broken:
		return ErrBroken
	case l.unavailable:
		return transport.ErrUnavailable
	}
	l.sent = append(l.sent, env)
	return nil
}

func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *Link) SetUnavailable(v bool) {
	l.mu.Lock()
	l.unavailable = v
	l.mu.Unlock()
}

func (l *Link) SetBroken(v bool) {
	l.mu.Lock()
	l.broken = v
	l.mu.Unlock()
}

func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Sent 返回已发送信封的副本
func (l *Link) Sent() []protocol.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Envelope(nil), l.sent...)
}

// Actions 按发送顺序返回 action
func (l *Link) Actions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.sent))
	for i, e := range l.sent {
		out[i] = e.Action
	}
	return out
}

// Last 最后一条满足 action 的信封
func (l *Link) Last(action string) (protocol.Envelope, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.sent) - 1; i >= 0; i-- {
		if l.sent[i].Action == action {
			return l.sent[i], true
		}
	}
	return protocol.Envelope{}, false
}

func (l *Link) Reset() {
	l.mu.Lock()
	l.sent = nil
	l.mu.Unlock()
}
