package session

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"realtimeCollab/backend/internal/transport"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrClosed   = errors.New("session: closed")
	ErrCapacity = errors.New("session: registry is full")
)

const shardCount = 32

type Options struct {
	MaxSessions   int
	QueueCapacity int
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*Session
}

// Registry 按 session_id 分片的会话表。分片锁只保护 map 本身，
// 会话内部状态由各自的 mutex 保护，不存在横跨所有会话的锁。
type Registry struct {
	shards [shardCount]*shard
	size   atomic.Int64
	opts   Options
}

func NewRegistry(opts Options) *Registry {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 10000
	}
	r := &Registry{opts: opts}
	for i := range r.shards {
		r.shards[i] = &shard{m: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Create 为新连接建一个 CONNECTING 会话
func (r *Registry) Create(link transport.Link, now time.Time) (*Session, error) {
	if int(r.size.Load()) >= r.opts.MaxSessions && !r.evictClosed() {
		return nil, ErrCapacity
	}
	s := newSession(uuid.NewString(), link, r.opts.QueueCapacity, now)
	sh := r.shardFor(s.id)
	sh.mu.Lock()
	sh.m[s.id] = s
	sh.mu.Unlock()
	r.size.Add(1)
	return s, nil
}

// evictClosed 删掉最早关闭的一个 CLOSED 会话
func (r *Registry) evictClosed() bool {
	var victim *Session
	var oldest time.Time
	r.Range(func(s *Session) bool {
		s.mu.Lock()
		closed, at := s.state == StateClosed, s.closedAt
		s.mu.Unlock()
		if closed && (victim == nil || at.Before(oldest)) {
			victim, oldest = s, at
		}
		return true
	})
	if victim == nil {
		return false
	}
	return r.Remove(victim.id)
}

func (r *Registry) Get(id string) (*Session, error) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	s := sh.m[id]
	sh.mu.RUnlock()
	if s == nil {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *Registry) Touch(id string, now time.Time) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.Touch(now)
	return nil
}

func (r *Registry) PermissionsOf(id string) (Permissions, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if s.State() == StateClosed {
		return nil, ErrClosed
	}
	return s.Permissions(), nil
}

func (r *Registry) UserOf(id string) (string, error) {
	s, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return s.UserID(), nil
}

func (r *Registry) Remove(id string) bool {
	sh := r.shardFor(id)
	sh.mu.Lock()
	_, ok := sh.m[id]
	delete(sh.m, id)
	sh.mu.Unlock()
	if ok {
		r.size.Add(-1)
	}
	return ok
}

// Range 先按分片拷出快照再回调，回调里可以安全地 Remove
func (r *Registry) Range(fn func(*Session) bool) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		list := make([]*Session, 0, len(sh.m))
		for _, s := range sh.m {
			list = append(list, s)
		}
		sh.mu.RUnlock()
		for _, s := range list {
			if !fn(s) {
				return
			}
		}
	}
}

func (r *Registry) Len() int { return int(r.size.Load()) }

type Stats struct {
	Sessions        int            `json:"sessions"`
	ByState         map[string]int `json:"by_state"`
	Pending         int            `json:"pending"`
	Dropped         uint64         `json:"dropped"`
	DroppedCritical uint64         `json:"dropped_critical"`
}

func (r *Registry) Stats() Stats {
	st := Stats{ByState: make(map[string]int)}
	r.Range(func(s *Session) bool {
		info := s.Info()
		st.Sessions++
		st.ByState[info.State]++
		st.Pending += info.Pending
		st.Dropped += info.Dropped
		st.DroppedCritical += info.DroppedCritical
		return true
	})
	return st
}
