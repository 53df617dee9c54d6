// Package duplex 双工引擎：持有会话注册表和所有传输适配器，
// 负责握手、心跳、断线重连和出站投递，入站请求原样交给路由。
package duplex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"realtimeCollab/backend/internal/protocol"
	"realtimeCollab/backend/internal/session"
	"realtimeCollab/backend/internal/transport"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultGrace             = 60 * time.Second
)

var (
	ErrUnknownLink   = errors.New("duplex: link is not connected")
	ErrAdapterExists = errors.New("duplex: adapter already registered for transport")
	ErrKindMismatch  = errors.New("duplex: adapter serves a different transport")
)

// PermissionSource 外部鉴权方：把连接带来的凭证换成身份和权限集合
type PermissionSource interface {
	Resolve(ctx context.Context, credential string) (session.Grant, error)
}

// ReceiveFunc 处理一条已握手会话的入站信封，通常是 Router.HandleEnvelope
type ReceiveFunc func(ctx context.Context, sessionID string, env protocol.Envelope)

// SessionObserver 会话进入 CLOSED 时收到通知
type SessionObserver interface {
	SessionClosed(sessionID string)
}

type Options struct {
	HeartbeatInterval time.Duration
	Policy            session.Policy
	SweepInterval     time.Duration
	Permissions       PermissionSource
	Logger            *zap.Logger
	Now               func() time.Time
	// OnHeartbeat 每收到一次心跳调用一次，不能阻塞
	OnHeartbeat func(sessionID string)
}

// Engine 实现 transport.Sink
type Engine struct {
	reg  *session.Registry
	opts Options

	mu        sync.RWMutex
	adapters  map[transport.Kind]transport.Adapter
	onReceive ReceiveFunc
	observers []SessionObserver

	// link id → session id
	links sync.Map

	logger *zap.Logger
}

func New(reg *session.Registry, opts Options) *Engine {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Policy.HeartbeatTimeout <= 0 {
		opts.Policy.HeartbeatTimeout = 2 * opts.HeartbeatInterval
	}
	if opts.Policy.HandshakeTimeout <= 0 {
		opts.Policy.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Policy.Grace <= 0 {
		opts.Policy.Grace = DefaultGrace
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		reg:      reg,
		opts:     opts,
		adapters: make(map[transport.Kind]transport.Adapter),
		logger:   opts.Logger.Named("duplex"),
	}
}

func (e *Engine) RegisterAdapter(kind transport.Kind, a transport.Adapter) error {
	if a.Kind() != kind {
		return fmt.Errorf("%w: %s vs %s", ErrKindMismatch, kind, a.Kind())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.adapters[kind]; ok {
		return fmt.Errorf("%w: %s", ErrAdapterExists, kind)
	}
	e.adapters[kind] = a
	return nil
}

func (e *Engine) OnReceive(fn ReceiveFunc) {
	e.mu.Lock()
	e.onReceive = fn
	e.mu.Unlock()
}

func (e *Engine) Observe(o SessionObserver) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

// Run 启动所有适配器和回收协程，阻塞到 ctx 结束或任一适配器出错
func (e *Engine) Run(ctx context.Context) error {
	e.mu.RLock()
	adapters := make([]transport.Adapter, 0, len(e.adapters))
	for _, a := range e.adapters {
		adapters = append(adapters, a)
	}
	e.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range adapters {
		a := a
		g.Go(func() error {
			e.logger.Info("adapter serving", zap.Stringer("transport", a.Kind()))
			if err := a.Serve(gctx, e); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s adapter: %w", a.Kind(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(e.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				e.Sweep()
			}
		}
	})
	return g.Wait()
}

// Connect 新链路进来：建 CONNECTING 会话，发欢迎通知，等待 register
func (e *Engine) Connect(_ context.Context, link transport.Link) (string, error) {
	now := e.opts.Now()
	s, err := e.reg.Create(link, now)
	if err != nil {
		e.logger.Warn("refuse connection", zap.Stringer("transport", link.Kind()), zap.Error(err))
		return "", err
	}
	e.links.Store(link.ID(), s.ID())

	welcome, err := protocol.New(protocol.TypeNotification, protocol.ActionConnectionEstablished, protocol.Welcome{
		Transport:           link.Kind().String(),
		HeartbeatIntervalMS: e.opts.HeartbeatInterval.Milliseconds(),
	})
	if err == nil {
		d, _ := s.Deliver(welcome, now)
		e.settle(s, d)
	}
	e.logger.Debug("connection accepted",
		zap.String("session_id", s.ID()),
		zap.Stringer("transport", link.Kind()),
		zap.String("remote_addr", link.Info().RemoteAddr))
	return s.ID(), nil
}

// SessionOf 链路当前绑定的会话
func (e *Engine) SessionOf(link transport.Link) (string, bool) {
	v, ok := e.links.Load(link.ID())
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Receive 引擎只识别握手和心跳，其余请求交给 onReceive
func (e *Engine) Receive(ctx context.Context, link transport.Link, env protocol.Envelope) error {
	sid, ok := e.SessionOf(link)
	if !ok {
		return ErrUnknownLink
	}
	s, err := e.reg.Get(sid)
	if err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		e.replyFailure(link, s, env, protocol.KindInvalidCommand, err.Error())
		return nil
	}

	now := e.opts.Now()
	switch {
	case env.Type == protocol.TypeHeartbeat:
		s.Touch(now)
		e.heartbeat(s, env)
		return nil
	case env.Action == protocol.ActionRegister:
		return e.handshake(ctx, link, s, env)
	}

	if st := s.State(); st == session.StateConnecting || st == session.StateClosed {
		e.replyFailure(link, s, env, protocol.KindPermissionDenied, "register before sending commands")
		return nil
	}
	s.Touch(now)

	e.mu.RLock()
	fn := e.onReceive
	e.mu.RUnlock()
	if fn == nil {
		e.logger.Warn("no receiver installed, drop envelope", zap.String("action", env.Action))
		return nil
	}
	fn(ctx, sid, env.WithSession(sid))
	return nil
}

func (e *Engine) heartbeat(s *session.Session, env protocol.Envelope) {
	id := env.ID
	if id == "" {
		id = protocol.NewID()
	}
	_ = e.deliver(s, protocol.Envelope{
		ID:        id,
		Type:      protocol.TypeHeartbeat,
		Action:    protocol.ActionHeartbeatResponse,
		Timestamp: protocol.Now(),
		SessionID: s.ID(),
	})
	if e.opts.OnHeartbeat != nil && s.State() != session.StateConnecting {
		e.opts.OnHeartbeat(s.ID())
	}
}

// handshake 校验凭证，必要时把链路改绑到之前的会话，然后回 registration_response 并冲刷积压
func (e *Engine) handshake(ctx context.Context, link transport.Link, s *session.Session, env protocol.Envelope) error {
	var req protocol.RegisterRequest
	if err := env.Decode(&req); err != nil && !errors.Is(err, protocol.ErrEmptyData) {
		e.replyFailure(link, s, env, protocol.KindInvalidCommand, "malformed register payload")
		return nil
	}

	grant := session.Grant{Permissions: session.NewPermissions()}
	if e.opts.Permissions != nil {
		g, err := e.opts.Permissions.Resolve(ctx, link.Info().Credential)
		if err != nil {
			e.logger.Info("handshake rejected", zap.String("session_id", s.ID()), zap.Error(err))
			reply, rerr := env.Reply(protocol.TypeResponse, protocol.Registration{Success: false, Error: "credential rejected"})
			if rerr == nil {
				_ = link.Send(reply)
			}
			return nil
		}
		grant = g
	}

	target, resumed := s, false
	if req.SessionID != "" && req.SessionID != s.ID() {
		if prior, err := e.reg.Get(req.SessionID); err == nil && prior.State() != session.StateClosed && prior.UserID() == grant.UserID {
			target, resumed = prior, true
		} else {
			e.logger.Debug("prior session not resumable, start fresh",
				zap.String("prior_session_id", req.SessionID), zap.Error(err))
		}
	}

	reply, err := env.Reply(protocol.TypeResponse, protocol.Registration{
		SessionID:           target.ID(),
		Success:             true,
		HeartbeatIntervalMS: e.opts.HeartbeatInterval.Milliseconds(),
		Resumed:             resumed,
		Permissions:         grant.Permissions.List(),
	})
	if err != nil {
		return err
	}

	replaced, d, err := target.Bind(link, grant, req.Capabilities, e.opts.Now(), reply.WithSession(target.ID()))
	if err != nil {
		e.replyFailure(link, s, env, protocol.KindInvalidCommand, "session is closed")
		return nil
	}
	if resumed {
		e.links.Store(link.ID(), target.ID())
		e.reg.Remove(s.ID())
	}
	if replaced != nil {
		e.links.CompareAndDelete(replaced.ID(), target.ID())
		_ = replaced.Close()
	}
	e.settle(target, d)

	e.logger.Info("session registered",
		zap.String("session_id", target.ID()),
		zap.String("user_id", grant.UserID),
		zap.Stringer("transport", link.Kind()),
		zap.Bool("resumed", resumed))
	return nil
}

// Ready 链路重新可写，冲刷积压
func (e *Engine) Ready(link transport.Link) {
	sid, ok := e.SessionOf(link)
	if !ok {
		return
	}
	s, err := e.reg.Get(sid)
	if err != nil {
		return
	}
	e.settle(s, s.Flush(e.opts.Now()))
}

// Requeue 适配器没能交给客户端的消息放回 pending 队列，等下次 Ready 再发
func (e *Engine) Requeue(link transport.Link, envs []protocol.Envelope) {
	if len(envs) == 0 {
		return
	}
	sid, ok := e.SessionOf(link)
	if !ok {
		return
	}
	s, err := e.reg.Get(sid)
	if err != nil {
		return
	}
	d, err := s.Requeue(envs)
	if err != nil {
		e.logger.Info("requeue on closed session, envelopes dropped",
			zap.String("session_id", sid), zap.Int("count", len(envs)))
		return
	}
	e.settle(s, d)
}

// Disconnect 传输层断开。已握手的会话进入 RECONNECTING 等待重连，未握手的直接删除。
func (e *Engine) Disconnect(link transport.Link, cause error) {
	sid, ok := e.SessionOf(link)
	if !ok {
		return
	}
	e.links.CompareAndDelete(link.ID(), sid)
	s, err := e.reg.Get(sid)
	if err != nil {
		return
	}
	prev, detached := s.Detach(link, e.opts.Now())
	if !detached {
		return
	}
	if prev == session.StateConnecting {
		e.reg.Remove(sid)
		return
	}
	e.logger.Info("transport lost, session reconnecting",
		zap.String("session_id", sid),
		zap.Stringer("transport", link.Kind()),
		zap.NamedError("cause", cause))
}

// Send 投递给单个会话；链路不可用时进入 pending 队列，只有会话不存在或已关闭才返回错误
func (e *Engine) Send(sessionID string, env protocol.Envelope) error {
	s, err := e.reg.Get(sessionID)
	if err != nil {
		return err
	}
	return e.deliver(s, env.WithSession(sessionID))
}

// Broadcast 逐个投递，返回所有失败
func (e *Engine) Broadcast(sessionIDs []string, env protocol.Envelope) error {
	var errs []error
	for _, id := range sessionIDs {
		if err := e.Send(id, env); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) deliver(s *session.Session, env protocol.Envelope) error {
	d, err := s.Deliver(env, e.opts.Now())
	if err != nil {
		return err
	}
	e.settle(s, d)
	return nil
}

// settle 处理投递的副作用：记录被挤掉的消息，关闭坏掉的链路
func (e *Engine) settle(s *session.Session, d session.Delivery) {
	if d.Evicted != nil {
		info := s.Info()
		fields := []zap.Field{
			zap.String("session_id", s.ID()),
			zap.String("envelope_id", d.Evicted.ID),
			zap.String("action", d.Evicted.Action),
			zap.Uint64("dropped", info.Dropped),
			zap.Uint64("dropped_critical", info.DroppedCritical),
		}
		if d.Evicted.Critical() {
			e.logger.Warn("pending queue full, dropped critical envelope", fields...)
		} else {
			e.logger.Info("pending queue full, dropped envelope", fields...)
		}
	}
	if d.Broken != nil {
		e.links.CompareAndDelete(d.Broken.ID(), s.ID())
		_ = d.Broken.Close()
		e.logger.Info("send failed, session reconnecting",
			zap.String("session_id", s.ID()), zap.Stringer("transport", d.Broken.Kind()))
	}
}

func (e *Engine) replyFailure(link transport.Link, s *session.Session, env protocol.Envelope, kind protocol.ErrorKind, msg string) {
	if env.ID == "" {
		env.ID = protocol.NewID()
	}
	reply, err := env.Reply(protocol.TypeError, protocol.Failure(kind, msg))
	if err != nil {
		return
	}
	if s.State() == session.StateConnecting {
		// 握手前没有队列语义，直接写链路
		_ = link.Send(reply)
		return
	}
	_ = e.deliver(s, reply.WithSession(s.ID()))
}

// Sweep 推进所有会话的心跳和宽限期状态，Run 会定期调用
func (e *Engine) Sweep() {
	now := e.opts.Now()
	var closed []string
	e.reg.Range(func(s *session.Session) bool {
		tr, link := s.Expire(now, e.opts.Policy)
		if link != nil {
			e.links.CompareAndDelete(link.ID(), s.ID())
			_ = link.Close()
		}
		switch tr {
		case session.TransitionIdle:
			e.logger.Info("session idle, missed heartbeats", zap.String("session_id", s.ID()))
		case session.TransitionClosed:
			e.logger.Info("session closed", zap.String("session_id", s.ID()))
			closed = append(closed, s.ID())
		case session.TransitionCollect:
			e.reg.Remove(s.ID())
		}
		return true
	})
	if len(closed) == 0 {
		return
	}
	e.mu.RLock()
	observers := append([]SessionObserver(nil), e.observers...)
	e.mu.RUnlock()
	for _, id := range closed {
		for _, o := range observers {
			o.SessionClosed(id)
		}
	}
}

// Close 关闭所有链路，关停时调用
func (e *Engine) Close() {
	now := e.opts.Now()
	e.reg.Range(func(s *session.Session) bool {
		if link := s.Close(now); link != nil {
			_ = link.Close()
		}
		return true
	})
}

func (e *Engine) PermissionsOf(sessionID string) (session.Permissions, error) {
	return e.reg.PermissionsOf(sessionID)
}

func (e *Engine) UserOf(sessionID string) (string, error) { return e.reg.UserOf(sessionID) }

func (e *Engine) Stats() session.Stats { return e.reg.Stats() }

func (e *Engine) Session(sessionID string) (session.Info, error) {
	s, err := e.reg.Get(sessionID)
	if err != nil {
		return session.Info{}, err
	}
	return s.Info(), nil
}
