package longpoll

import (
	"context"
	"errors"
	"sync"
	"time"

	"realtimeCollab/backend/internal/protocol"
	"realtimeCollab/backend/internal/transport"
)

var (
	ErrPollInFlight = errors.New("longpoll: another poll is already waiting")
	ErrLinkClosed   = errors.New("longpoll: link closed")
)

// pollLink 只有在一次 poll 挂起期间可写；两次 poll 之间 Send 返回 ErrUnavailable，
// 消息留在会话的 pending 队列里，下次 poll 时由引擎冲刷过来。
type pollLink struct {
	id       string
	info     transport.ConnInfo
	maxBatch int
	onClose  func(id string)

	mu      sync.Mutex
	waiting bool
	batch   []protocol.Envelope
	closed  bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newPollLink(id string, info transport.ConnInfo, maxBatch int, onClose func(string)) *pollLink {
	return &pollLink{
		id:       id,
		info:     info,
		maxBatch: maxBatch,
		onClose:  onClose,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (l *pollLink) ID() string               { return l.id }
func (l *pollLink) Kind() transport.Kind     { return transport.KindLongPoll }
func (l *pollLink) Info() transport.ConnInfo { return l.info }

func (l *pollLink) Send(env protocol.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed:
		return transport.ErrClosed
	case !l.waiting, len(l.batch) >= l.maxBatch:
		return transport.ErrUnavailable
	}
	l.batch = append(l.batch, env)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

func (l *pollLink) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
		if l.onClose != nil {
			l.onClose(l.id)
		}
	})
	return nil
}

// poll 挂起直到有消息、超时或链路关闭。ready 在挂起之后调用，让引擎冲刷积压。
func (l *pollLink) poll(ctx context.Context, wait time.Duration, ready func()) ([]protocol.Envelope, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLinkClosed
	}
	if l.waiting {
		l.mu.Unlock()
		return nil, ErrPollInFlight
	}
	l.waiting = true
	l.batch = nil
	// 丢掉上一轮残留的唤醒信号
	select {
	case <-l.wake:
	default:
	}
	l.mu.Unlock()

	ready()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	l.mu.Lock()
	pending := len(l.batch)
	l.mu.Unlock()
	if pending == 0 {
		select {
		case <-l.wake:
		case <-timer.C:
		case <-ctx.Done():
		case <-l.done:
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.batch
	l.batch = nil
	l.waiting = false
	if len(out) == 0 && l.closed {
		return nil, ErrLinkClosed
	}
	return out, nil
}
