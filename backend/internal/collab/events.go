package collab

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"realtimeCollab/backend/internal/ot"
)

const EventOpCommitted = "OP_COMMITTED"

// CommitEvent 一次提交产生的增量，外部存储通过订阅它来落盘
type CommitEvent struct {
	EventType   string         `json:"eventType"` // 固定 "OP_COMMITTED"
	DocumentID  string         `json:"documentId"`
	BaseVersion int            `json:"baseVersion"`
	Version     int            `json:"version"`
	SessionID   string         `json:"sessionId"`
	Operations  []ot.Operation `json:"operations"`
	CommittedAt time.Time      `json:"committedAt"`
}

type subscriber struct {
	name    string
	ch      chan CommitEvent
	dropped atomic.Uint64
}

// CommitFeed 把提交事件推到每个订阅者自己的有界 channel。
// Publish 从不阻塞房间：订阅者跟不上时丢弃该事件并计数。
type CommitFeed struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
	logger *zap.Logger
}

func NewCommitFeed(logger *zap.Logger) *CommitFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommitFeed{logger: logger}
}

func (f *CommitFeed) Subscribe(name string, buffer int) <-chan CommitEvent {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &subscriber{name: name, ch: make(chan CommitEvent, buffer)}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(s.ch)
		return s.ch
	}
	f.subs = append(f.subs, s)
	return s.ch
}

func (f *CommitFeed) Publish(evt CommitEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, s := range f.subs {
		select {
		case s.ch <- evt:
		default:
			n := s.dropped.Add(1)
			f.logger.Warn("commit subscriber is full, event dropped",
				zap.String("subscriber", s.name),
				zap.String("document_id", evt.DocumentID),
				zap.Int("version", evt.Version),
				zap.Uint64("dropped", n))
		}
	}
}

// Dropped 每个订阅者累计丢弃的事件数
func (f *CommitFeed) Dropped() map[string]uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]uint64, len(f.subs))
	for _, s := range f.subs {
		out[s.name] += s.dropped.Load()
	}
	return out
}

// Close 关闭所有订阅 channel，之后的 Publish 直接忽略
func (f *CommitFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, s := range f.subs {
		close(s.ch)
	}
}
