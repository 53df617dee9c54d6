package session

import (
	"errors"
	"sync"
	"time"

	"realtimeCollab/backend/internal/protocol"
	"realtimeCollab/backend/internal/transport"
)

// Policy 心跳与回收的时间参数
type Policy struct {
	HandshakeTimeout time.Duration
	// 一个心跳窗口；连续错过两个进入 IDLE，第三个进入 CLOSED
	HeartbeatTimeout time.Duration
	// RECONNECTING/CLOSED 之后保留的时长
	Grace time.Duration
}

type Transition int

const (
	TransitionNone Transition = iota
	TransitionIdle
	TransitionClosed
	// 可以从注册表中删除
	TransitionCollect
)

// Delivery 一次投递的结果
type Delivery struct {
	Queued bool
	// 队列溢出被挤掉的消息
	Evicted *protocol.Envelope
	// 发送失败被摘下的链路，调用方负责关闭
	Broken transport.Link
}

// Session 一个逻辑客户端。所有字段都在 mu 下修改，同一会话的投递因此串行。
type Session struct {
	id string

	mu             sync.Mutex
	kind           transport.Kind
	grant          Grant
	capabilities   []string
	state          State
	link           transport.Link
	queue          *pendingQueue
	createdAt      time.Time
	lastSeen       time.Time
	disconnectedAt time.Time
	closedAt       time.Time
}

func newSession(id string, link transport.Link, queueCap int, now time.Time) *Session {
	s := &Session{
		id:        id,
		state:     StateConnecting,
		link:      link,
		queue:     newPendingQueue(queueCap),
		createdAt: now,
		lastSeen:  now,
	}
	if link != nil {
		s.kind = link.Kind()
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Kind() transport.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grant.UserID
}

func (s *Session) Permissions() Permissions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grant.Permissions.Clone()
}

func (s *Session) Capabilities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.capabilities...)
}

// LinkID 当前绑定链路的 id，没有链路时为空
func (s *Session) LinkID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return ""
	}
	return s.link.ID()
}

// Bind 完成握手或断线重连：绑定新链路，先发 greeting，再按原顺序冲刷积压。
// replaced 是被替换掉的旧链路。
func (s *Session) Bind(link transport.Link, grant Grant, caps []string, now time.Time, greeting protocol.Envelope) (replaced transport.Link, d Delivery, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, d, ErrClosed
	}
	if s.link != nil && s.link.ID() != link.ID() {
		replaced = s.link
	}
	s.link = link
	s.kind = link.Kind()
	s.grant = Grant{UserID: grant.UserID, Permissions: grant.Permissions.Clone()}
	s.capabilities = append([]string(nil), caps...)
	s.state = StateActive
	s.lastSeen = now
	s.disconnectedAt = time.Time{}

	if err := link.Send(greeting); err != nil {
		d.Queued = true
		d.Evicted = s.queue.pushFront(greeting)
		if !errors.Is(err, transport.ErrUnavailable) {
			d.Broken = s.detachLocked(now)
		}
		return replaced, d, nil
	}
	d.Broken = s.flushLocked(now)
	return replaced, d, nil
}

// Deliver 能发就直接发，否则进入 pending 队列。已有积压时新消息排在后面，保证顺序。
func (s *Session) Deliver(env protocol.Envelope, now time.Time) (Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d Delivery
	if s.state == StateClosed {
		return d, ErrClosed
	}
	if s.link == nil || s.state == StateReconnecting || s.queue.len() > 0 {
		d.Queued = true
		d.Evicted = s.queue.push(env)
		if s.link != nil && s.state != StateReconnecting {
			d.Broken = s.flushLocked(now)
		}
		return d, nil
	}

	err := s.link.Send(env)
	if err == nil {
		return d, nil
	}
	d.Queued = true
	d.Evicted = s.queue.push(env)
	if !errors.Is(err, transport.ErrUnavailable) {
		d.Broken = s.detachLocked(now)
	}
	return d, nil
}

// Requeue 把没送到的消息按原顺序放回队首，排在现有积压之前
func (s *Session) Requeue(envs []protocol.Envelope) (Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d Delivery
	if s.state == StateClosed {
		return d, ErrClosed
	}
	for k := len(envs) - 1; k >= 0; k-- {
		if ev := s.queue.pushFront(envs[k]); ev != nil {
			d.Evicted = ev
		}
	}
	d.Queued = len(envs) > 0
	return d, nil
}

// Flush 链路重新可写时冲刷积压
func (s *Session) Flush(now time.Time) Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateReconnecting {
		return Delivery{}
	}
	return Delivery{Broken: s.flushLocked(now)}
}

func (s *Session) flushLocked(now time.Time) transport.Link {
	if s.link == nil {
		return nil
	}
	for {
		env, ok := s.queue.peek()
		if !ok {
			return nil
		}
		err := s.link.Send(env)
		if err == nil {
			s.queue.pop()
			continue
		}
		if errors.Is(err, transport.ErrUnavailable) {
			return nil
		}
		return s.detachLocked(now)
	}
}

func (s *Session) detachLocked(now time.Time) transport.Link {
	l := s.link
	s.link = nil
	if s.state != StateConnecting && s.state != StateClosed {
		s.state = StateReconnecting
		s.disconnectedAt = now
	}
	return l
}

// Detach 传输层报告断开。只有 link 仍是当前链路时才生效（重连可能已换了新链路）。
func (s *Session) Detach(link transport.Link, now time.Time) (prev State, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil || s.link.ID() != link.ID() {
		return s.state, false
	}
	prev = s.state
	s.detachLocked(now)
	return prev, true
}

// Touch 刷新存活时间，IDLE 的会话回到 ACTIVE
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.lastSeen = now
	if s.state == StateIdle {
		s.state = StateActive
	}
}

// Expire 按 policy 推进一次状态，返回需要调用方执行的动作和要关闭的链路
func (s *Session) Expire(now time.Time, p Policy) (Transition, transport.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnecting:
		if p.HandshakeTimeout > 0 && now.Sub(s.createdAt) >= p.HandshakeTimeout {
			return TransitionCollect, s.closeLocked(now)
		}
	case StateActive:
		if p.HeartbeatTimeout > 0 && now.Sub(s.lastSeen) >= 2*p.HeartbeatTimeout {
			s.state = StateIdle
			return TransitionIdle, nil
		}
	case StateIdle:
		if p.HeartbeatTimeout > 0 && now.Sub(s.lastSeen) >= 3*p.HeartbeatTimeout {
			return TransitionClosed, s.closeLocked(now)
		}
	case StateReconnecting:
		if now.Sub(s.disconnectedAt) >= p.Grace {
			return TransitionClosed, s.closeLocked(now)
		}
	case StateClosed:
		if now.Sub(s.closedAt) >= p.Grace {
			return TransitionCollect, nil
		}
	}
	return TransitionNone, nil
}

// Close 立即关闭会话，返回需要关闭的链路
func (s *Session) Close(now time.Time) transport.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	return s.closeLocked(now)
}

func (s *Session) closeLocked(now time.Time) transport.Link {
	l := s.link
	s.link = nil
	s.state = StateClosed
	s.closedAt = now
	return l
}

// Info 只读快照
type Info struct {
	ID              string    `json:"id"`
	Transport       string    `json:"transport"`
	UserID          string    `json:"user_id,omitempty"`
	State           string    `json:"state"`
	Permissions     []string  `json:"permissions"`
	Pending         int       `json:"pending"`
	Dropped         uint64    `json:"dropped"`
	DroppedCritical uint64    `json:"dropped_critical"`
	LastSeen        time.Time `json:"last_seen"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:              s.id,
		Transport:       s.kind.String(),
		UserID:          s.grant.UserID,
		State:           s.state.String(),
		Permissions:     s.grant.Permissions.List(),
		Pending:         s.queue.len(),
		Dropped:         s.queue.dropped,
		DroppedCritical: s.queue.droppedCritical,
		LastSeen:        s.lastSeen,
	}
}
