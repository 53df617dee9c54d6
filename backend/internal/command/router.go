package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"realtimeCollab/backend/internal/collab"
	"realtimeCollab/backend/internal/ot"
	"realtimeCollab/backend/internal/protocol"
	"realtimeCollab/backend/internal/session"
)

const DefaultCommandTimeout = 5 * time.Second

// PermissionLookup 查询会话在握手时拿到的权限
type PermissionLookup interface {
	PermissionsOf(sessionID string) (session.Permissions, error)
}

// Sender 把信封发给单个会话，通常就是双工引擎
type Sender interface {
	Send(sessionID string, env protocol.Envelope) error
}

type Options struct {
	Timeout   time.Duration
	Semaphore *collab.SemaphoreControl
	Logger    *zap.Logger
}

type route struct {
	handler  Handler
	required []string
}

// Router action → handler 的注册表，负责校验、鉴权、超时和错误归类
type Router struct {
	mu     sync.RWMutex
	routes map[string]route

	perms   PermissionLookup
	replier Sender
	sem     *collab.SemaphoreControl
	timeout time.Duration
	logger  *zap.Logger
}

func NewRouter(perms PermissionLookup, replier Sender, opts Options) *Router {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCommandTimeout
	}
	if opts.Semaphore == nil {
		opts.Semaphore = collab.NewSemaphoreControl(collab.DefaultSemaphore)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Router{
		routes:  make(map[string]route),
		perms:   perms,
		replier: replier,
		sem:     opts.Semaphore,
		timeout: opts.Timeout,
		logger:  opts.Logger.Named("router"),
	}
}

// Register 注册处理器；同名 action 后注册的覆盖先注册的
func (r *Router) Register(action string, h Handler, required ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[action] = route{handler: h, required: append([]string(nil), required...)}
}

// CommandInfo commands 命令返回的一项
type CommandInfo struct {
	Action   string   `json:"action"`
	Required []string `json:"required_permissions"`
	Allowed  bool     `json:"allowed"`
}

// Catalog 列出所有 action 以及 perms 是否足够调用
func (r *Router) Catalog(perms session.Permissions) []CommandInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CommandInfo, 0, len(r.routes))
	for action, rt := range r.routes {
		out = append(out, CommandInfo{
			Action:   action,
			Required: append([]string{}, rt.required...),
			Allowed:  len(perms.Missing(rt.required)) == 0,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// Route 依次做：查找 → 解码校验 → 权限 → 带超时调用。每条命令只产生一个结果。
func (r *Router) Route(ctx context.Context, sessionID string, env protocol.Envelope) protocol.CommandResult {
	r.mu.RLock()
	rt, ok := r.routes[env.Action]
	r.mu.RUnlock()
	if !ok {
		return protocol.Failure(protocol.KindInvalidCommand, fmt.Sprintf("unknown action %q", env.Action))
	}

	cmd, err := rt.handler.Decode(env.Data)
	if err != nil {
		return protocol.Failure(protocol.KindInvalidCommand, err.Error())
	}

	if len(rt.required) > 0 {
		perms, err := r.perms.PermissionsOf(sessionID)
		if err != nil {
			return protocol.Failure(protocol.KindPermissionDenied, "session is not registered")
		}
		if missing := perms.Missing(rt.required); len(missing) > 0 {
			return protocol.Failure(protocol.KindPermissionDenied, "missing permission: "+strings.Join(missing, ", "))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.sem.Acquire(ctx); err != nil {
		return protocol.Failure(protocol.KindCommandTimeout, "server is busy, command timed out")
	}

	type outcome struct {
		res protocol.CommandResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() { _ = r.sem.Release() }()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("handler panicked",
					zap.String("action", env.Action),
					zap.String("session_id", sessionID),
					zap.Any("panic", p),
					zap.ByteString("stack", debug.Stack()))
				done <- outcome{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		res, err := rt.handler.Handle(ctx, sessionID, cmd)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return r.classify(env, sessionID, o.err)
		}
		if o.res.Status == "" {
			o.res.Status = protocol.StatusSuccess
		}
		if o.res.Timestamp == 0 {
			o.res.Timestamp = protocol.Now()
		}
		return o.res
	case <-ctx.Done():
		r.logger.Warn("command timed out",
			zap.String("action", env.Action),
			zap.String("session_id", sessionID),
			zap.Duration("timeout", r.timeout))
		return protocol.Failure(protocol.KindCommandTimeout, fmt.Sprintf("command exceeded %s", r.timeout))
	}
}

// classify 把处理器返回的错误映射到错误分类；未知错误只记日志，对外给通用提示
func (r *Router) classify(env protocol.Envelope, sessionID string, err error) protocol.CommandResult {
	var ce *protocol.CommandError
	switch {
	case errors.As(err, &ce):
		return ce.Result()
	case errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ot.ErrInvalidOperation),
		errors.Is(err, ot.ErrVersionAhead),
		errors.Is(err, collab.ErrNoDocument):
		return protocol.Failure(protocol.KindInvalidCommand, err.Error())
	case errors.Is(err, collab.ErrHistoryEmpty):
		res := protocol.Failure(protocol.KindInvalidCommand, "nothing to undo or redo")
		res.Error.Reason = "history_empty"
		return res
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.Failure(protocol.KindCommandTimeout, fmt.Sprintf("command exceeded %s", r.timeout))
	}
	r.logger.Error("command failed",
		zap.String("action", env.Action),
		zap.String("envelope_id", env.ID),
		zap.String("session_id", sessionID),
		zap.Error(err))
	return protocol.Failure(protocol.KindInternalError, "internal error")
}

// HandleEnvelope 处理一条入站请求并把结果回给发起的会话。非 request 类型的信封忽略。
func (r *Router) HandleEnvelope(ctx context.Context, sessionID string, env protocol.Envelope) {
	if env.Type != protocol.TypeRequest {
		r.logger.Debug("ignore non-request envelope",
			zap.String("session_id", sessionID), zap.String("type", string(env.Type)), zap.String("action", env.Action))
		return
	}
	res := r.Route(ctx, sessionID, env)
	typ := protocol.TypeResponse
	if !res.OK() {
		typ = protocol.TypeError
	}
	reply, err := env.Reply(typ, res)
	if err != nil {
		r.logger.Error("encode command result failed", zap.String("action", env.Action), zap.Error(err))
		return
	}
	if err := r.replier.Send(sessionID, reply.WithSession(sessionID)); err != nil {
		r.logger.Debug("reply not delivered", zap.String("session_id", sessionID), zap.Error(err))
	}
}
