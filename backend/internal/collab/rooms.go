package collab

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"realtimeCollab/backend/internal/ot"
	"realtimeCollab/backend/internal/protocol"
)

// Notifier 把通知推给一组会话，通常就是双工引擎
type Notifier interface {
	Broadcast(sessionIDs []string, env protocol.Envelope) error
}

type Options struct {
	HistoryDepth int
	InboxSize    int
	Feed         *CommitFeed
	Notifier     Notifier
	Logger       *zap.Logger
	// Clock 生成服务端时间戳，测试里可以固定
	Clock func() float64
}

// Commit 一次命令提交的结果
type Commit struct {
	DocumentID string         `json:"document_id"`
	Version    int            `json:"new_version"`
	Operations []ot.Operation `json:"operations"`
}

// Snapshot 文档当前状态，join 和 sync 返回它
type Snapshot struct {
	DocumentID string         `json:"document_id"`
	Version    int            `json:"version"`
	Clips      []ot.Clip      `json:"clips"`
	Members    []string       `json:"members,omitempty"`
	Operations []ot.Operation `json:"operations,omitempty"`
}

// OperationApplied operation_applied 通知的 data
type OperationApplied struct {
	DocumentID string       `json:"document_id"`
	Operation  ot.Operation `json:"operation"`
	NewVersion int          `json:"new_version"`
}

// Rooms 按 document_id 持有所有房间，每个房间一个单写协程
type Rooms struct {
	mu        sync.RWMutex
	rooms     map[string]*room
	bySession map[string]map[string]struct{}
	closed    bool

	opts   Options
	logger *zap.Logger
}

func NewRooms(opts Options) *Rooms {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.Clock == nil {
		opts.Clock = protocol.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Rooms{
		rooms:     make(map[string]*room),
		bySession: make(map[string]map[string]struct{}),
		opts:      opts,
		logger:    opts.Logger.Named("rooms"),
	}
}

// 获取或创建指定文档的房间
func (m *Rooms) getOrCreate(docID string) (*room, error) {
	m.mu.RLock()
	r := m.rooms[docID]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrRoomClosed
	}
	if r != nil {
		return r, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrRoomClosed
	}
	if r = m.rooms[docID]; r == nil {
		r = newRoom(docID, m.opts.InboxSize, m.opts.HistoryDepth)
		m.rooms[docID] = r
	}
	return r, nil
}

func (m *Rooms) run(ctx context.Context, docID string, fn func(*roomState) error) error {
	if docID == "" {
		return ErrNoDocument
	}
	r, err := m.getOrCreate(docID)
	if err != nil {
		return err
	}
	return r.do(ctx, fn)
}

func (m *Rooms) track(sessionID, docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.bySession[sessionID]
	if docs == nil {
		docs = make(map[string]struct{})
		m.bySession[sessionID] = docs
	}
	docs[docID] = struct{}{}
}

func (m *Rooms) untrack(sessionID, docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if docs := m.bySession[sessionID]; docs != nil {
		delete(docs, docID)
		if len(docs) == 0 {
			delete(m.bySession, sessionID)
		}
	}
}

// Submit 把一组操作交给文档的单写者：resolve、merge、记历史、广播、发提交事件
func (m *Rooms) Submit(ctx context.Context, docID, sessionID string, ops []ot.Operation) (Commit, error) {
	for i := range ops {
		if err := ops[i].Validate(); err != nil {
			return Commit{}, err
		}
		m.stamp(&ops[i], sessionID)
	}
	var out Commit
	err := m.run(ctx, docID, func(s *roomState) error {
		c, err := m.commit(s, docID, sessionID, ops)
		if err != nil {
			return err
		}
		s.history.Record(c.Operations)
		out = c
		return nil
	})
	return out, err
}

// Undo 弹出最近一次编辑，构造逆操作，走同一条 OT 路径提交
func (m *Rooms) Undo(ctx context.Context, docID, sessionID string) (Commit, error) {
	var out Commit
	err := m.run(ctx, docID, func(s *roomState) error {
		entry, ok := s.history.popUndo()
		if !ok {
			return ErrHistoryEmpty
		}
		c, err := m.commit(s, docID, sessionID, inverse(entry, sessionID, m.opts.Clock()))
		if err != nil {
			s.history.pushUndo(entry)
			return err
		}
		s.history.pushRedo(c.Operations)
		out = c
		return nil
	})
	return out, err
}

// Redo 撤销最近一次 undo
func (m *Rooms) Redo(ctx context.Context, docID, sessionID string) (Commit, error) {
	var out Commit
	err := m.run(ctx, docID, func(s *roomState) error {
		entry, ok := s.history.popRedo()
		if !ok {
			return ErrHistoryEmpty
		}
		c, err := m.commit(s, docID, sessionID, inverse(entry, sessionID, m.opts.Clock()))
		if err != nil {
			s.history.pushRedo(entry)
			return err
		}
		s.history.pushUndo(c.Operations)
		out = c
		return nil
	})
	return out, err
}

func (m *Rooms) stamp(op *ot.Operation, sessionID string) {
	if op.ID == "" {
		op.ID = protocol.NewID()
	}
	if op.Timestamp == 0 {
		op.Timestamp = m.opts.Clock()
	}
	if op.OriginSession == "" {
		op.OriginSession = sessionID
	}
}

// commit 只能在房间协程里调用
func (m *Rooms) commit(s *roomState, docID, sessionID string, ops []ot.Operation) (Commit, error) {
	resolved, err := ot.Resolve(s.doc, ops)
	if err != nil {
		return Commit{}, err
	}
	base := s.doc.Version
	committed := s.doc.Merge(resolved)

	if _, ok := s.members[sessionID]; !ok && sessionID != "" {
		s.members[sessionID] = struct{}{}
		m.track(sessionID, docID)
	}
	m.notify(s, docID, sessionID, committed)

	if m.opts.Feed != nil && len(committed) > 0 {
		m.opts.Feed.Publish(CommitEvent{
			EventType:   EventOpCommitted,
			DocumentID:  docID,
			BaseVersion: base,
			Version:     s.doc.Version,
			SessionID:   sessionID,
			Operations:  committed,
			CommittedAt: time.Now(),
		})
	}
	return Commit{DocumentID: docID, Version: s.doc.Version, Operations: committed}, nil
}

// notify 把已变换的操作按提交顺序推给同一文档的其他会话
func (m *Rooms) notify(s *roomState, docID, origin string, committed []ot.Operation) {
	if m.opts.Notifier == nil {
		return
	}
	others := make([]string, 0, len(s.members))
	for _, id := range s.memberList() {
		if id != origin {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return
	}
	for _, op := range committed {
		env, err := protocol.New(protocol.TypeNotification, protocol.ActionOperationApplied, OperationApplied{
			DocumentID: docID,
			Operation:  op,
			NewVersion: op.Version,
		})
		if err != nil {
			m.logger.Error("encode operation_applied failed", zap.String("document_id", docID), zap.Error(err))
			continue
		}
		if err := m.opts.Notifier.Broadcast(others, env); err != nil {
			m.logger.Debug("operation_applied not delivered to every member",
				zap.String("document_id", docID), zap.Int("version", op.Version), zap.Error(err))
		}
	}
}

// Join 加入文档，返回快照和成员
func (m *Rooms) Join(ctx context.Context, docID, sessionID string) (Snapshot, error) {
	var out Snapshot
	err := m.run(ctx, docID, func(s *roomState) error {
		if _, ok := s.members[sessionID]; !ok {
			s.members[sessionID] = struct{}{}
			m.track(sessionID, docID)
		}
		out = Snapshot{DocumentID: docID, Version: s.doc.Version, Clips: s.doc.Snapshot(), Members: s.memberList()}
		return nil
	})
	return out, err
}

func (m *Rooms) Leave(ctx context.Context, docID, sessionID string) error {
	return m.run(ctx, docID, func(s *roomState) error {
		delete(s.members, sessionID)
		m.untrack(sessionID, docID)
		return nil
	})
}

// Sync 返回当前状态和 from 之后提交的操作，用于重连后追平
func (m *Rooms) Sync(ctx context.Context, docID string, from int) (Snapshot, error) {
	var out Snapshot
	err := m.run(ctx, docID, func(s *roomState) error {
		out = Snapshot{
			DocumentID: docID,
			Version:    s.doc.Version,
			Clips:      s.doc.Snapshot(),
			Operations: s.doc.Since(from),
		}
		return nil
	})
	return out, err
}

func (m *Rooms) Members(ctx context.Context, docID string) ([]string, error) {
	var out []string
	err := m.run(ctx, docID, func(s *roomState) error {
		out = s.memberList()
		return nil
	})
	return out, err
}

// HistoryDepths 当前 undo/redo 栈深度
func (m *Rooms) HistoryDepths(ctx context.Context, docID string) (undo, redo int, err error) {
	err = m.run(ctx, docID, func(s *roomState) error {
		undo, redo = s.history.Depths()
		return nil
	})
	return undo, redo, err
}

// DocumentsOf 会话加入过的文档
func (m *Rooms) DocumentsOf(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.bySession[sessionID]))
	for id := range m.bySession[sessionID] {
		out = append(out, id)
	}
	return out
}

// SessionClosed 会话彻底关闭后把它从所有房间里移除，不阻塞调用方
func (m *Rooms) SessionClosed(sessionID string) {
	m.mu.Lock()
	docs := m.bySession[sessionID]
	delete(m.bySession, sessionID)
	targets := make([]*room, 0, len(docs))
	for id := range docs {
		if r := m.rooms[id]; r != nil {
			targets = append(targets, r)
		}
	}
	m.mu.Unlock()

	for _, r := range targets {
		go func(r *room) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.do(ctx, func(s *roomState) error {
				delete(s.members, sessionID)
				return nil
			}); err != nil {
				m.logger.Debug("drop closed session from room failed",
					zap.String("document_id", r.id), zap.String("session_id", sessionID), zap.Error(err))
			}
		}(r)
	}
}

// Len 当前房间数
func (m *Rooms) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Close 停掉所有房间协程
func (m *Rooms) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, r := range m.rooms {
		r.close()
	}
}
