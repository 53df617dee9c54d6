package command

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"realtimeCollab/backend/internal/cache"
	"realtimeCollab/backend/internal/collab"
	"realtimeCollab/backend/internal/ot"
	"realtimeCollab/backend/internal/protocol"
	"realtimeCollab/backend/internal/session"
)

// 内置命令的 action
const (
	ActionEdit     = "edit"
	ActionCollab   = "collab"
	ActionHistory  = "history"
	ActionCommands = "commands"
	ActionSync     = "sync"
)

// ShareRecorder 记录共享授权，由外部存储实现
type ShareRecorder interface {
	Grant(ctx context.Context, docID, grantee, grantedBy string) error
}

// SessionDirectory 按会话查询身份和权限
type SessionDirectory interface {
	PermissionLookup
	UserOf(sessionID string) (string, error)
}

// Deps 内置处理器依赖的协作者；Presence 和 Shares 可以为空
type Deps struct {
	Rooms       *collab.Rooms
	Sessions    SessionDirectory
	Sender      Sender
	Presence    cache.Presence
	PresenceTTL time.Duration
	Shares      ShareRecorder
	Validator   *validator.Validate
	Logger      *zap.Logger
}

type builtins struct {
	Deps
	router *Router
}

// RegisterBuiltins 注册 edit / collab / history / commands / sync
func RegisterBuiltins(r *Router, d Deps) {
	if d.Validator == nil {
		d.Validator = NewValidator()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	b := &builtins{Deps: d, router: r}
	r.Register(ActionEdit, Typed(d.Validator, b.edit), PermEdit)
	r.Register(ActionCollab, Typed(d.Validator, b.collab), PermCollaborate)
	r.Register(ActionHistory, Typed(d.Validator, b.history), PermEdit)
	r.Register(ActionCommands, Typed(d.Validator, b.commands))
	r.Register(ActionSync, Typed(d.Validator, b.sync), PermView)
}

// EditCommand 单条 operation 或一批 operations
type EditCommand struct {
	DocumentID string         `json:"document_id" validate:"required"`
	Operation  *ot.Operation  `json:"operation,omitempty"`
	Operations []ot.Operation `json:"operations,omitempty" validate:"omitempty,dive"`
}

func (c *EditCommand) Validate() error {
	if c.Operation == nil && len(c.Operations) == 0 {
		return errors.New("operation is required")
	}
	for _, op := range c.ops() {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *EditCommand) ops() []ot.Operation {
	if c.Operation != nil {
		return append([]ot.Operation{*c.Operation}, c.Operations...)
	}
	return c.Operations
}

func (b *builtins) edit(ctx context.Context, sessionID string, cmd EditCommand) (protocol.CommandResult, error) {
	commit, err := b.Rooms.Submit(ctx, cmd.DocumentID, sessionID, cmd.ops())
	if err != nil {
		return protocol.CommandResult{}, err
	}
	// 全部降级且目标已不存在才算冲突；重复删除、重复合并和被覆盖的字段按成功处理
	effective, reason := 0, ""
	for _, op := range commit.Operations {
		if !op.NoOp {
			effective++
			continue
		}
		if reason == "" && lostTarget(op.Reason) {
			reason = op.Reason
		}
	}
	if effective == 0 && reason != "" {
		return protocol.Conflict(commit, reason, "operation target no longer exists"), nil
	}
	return protocol.Success(commit, "operation applied"), nil
}

func lostTarget(reason string) bool {
	return reason == ot.ReasonTargetMissing || reason == ot.ReasonTargetMerged
}

// CollabCommand share / join / leave
type CollabCommand struct {
	Command    string   `json:"command" validate:"required,oneof=share join leave"`
	DocumentID string   `json:"document_id" validate:"required"`
	Targets    []string `json:"targets,omitempty" validate:"omitempty,dive,required"`
}

func (c *CollabCommand) Validate() error {
	if c.Command == "share" && len(c.Targets) == 0 {
		return errors.New("share needs at least one target session")
	}
	return nil
}

// ShareResult share 的结果：notified 已送达或已排队，unreachable 找不到会话
type ShareResult struct {
	DocumentID  string   `json:"document_id"`
	Notified    []string `json:"notified"`
	Unreachable []string `json:"unreachable,omitempty"`
}

func (b *builtins) collab(ctx context.Context, sessionID string, cmd CollabCommand) (protocol.CommandResult, error) {
	switch cmd.Command {
	case "join":
		snap, err := b.Rooms.Join(ctx, cmd.DocumentID, sessionID)
		if err != nil {
			return protocol.CommandResult{}, err
		}
		if b.Presence != nil {
			user, _ := b.Sessions.UserOf(sessionID)
			if err := b.Presence.AddMember(ctx, cmd.DocumentID, sessionID, user, b.PresenceTTL); err != nil {
				b.Logger.Warn("presence add failed", zap.String("document_id", cmd.DocumentID), zap.Error(err))
			}
		}
		return protocol.Success(snap, "joined document"), nil

	case "leave":
		if err := b.Rooms.Leave(ctx, cmd.DocumentID, sessionID); err != nil {
			return protocol.CommandResult{}, err
		}
		if b.Presence != nil {
			if err := b.Presence.RemoveMember(ctx, cmd.DocumentID, sessionID); err != nil {
				b.Logger.Warn("presence remove failed", zap.String("document_id", cmd.DocumentID), zap.Error(err))
			}
		}
		return protocol.Success(map[string]string{"document_id": cmd.DocumentID}, "left document"), nil
	}

	// share
	sharedBy, _ := b.Sessions.UserOf(sessionID)
	if sharedBy == "" {
		sharedBy = sessionID
	}
	env, err := protocol.New(protocol.TypeNotification, protocol.ActionDocumentShared, protocol.DocumentShared{
		DocumentID: cmd.DocumentID,
		SharedBy:   sharedBy,
	})
	if err != nil {
		return protocol.CommandResult{}, err
	}
	out := ShareResult{DocumentID: cmd.DocumentID, Notified: []string{}}
	var grantees []string
	for _, target := range cmd.Targets {
		if err := b.Sender.Send(target, env.WithSession(target)); err != nil {
			out.Unreachable = append(out.Unreachable, target)
			continue
		}
		out.Notified = append(out.Notified, target)
		grantee, _ := b.Sessions.UserOf(target)
		if grantee == "" {
			grantee = target
		}
		grantees = append(grantees, grantee)
	}
	b.recordGrants(cmd.DocumentID, grantees, sharedBy)
	return protocol.Success(out, "document shared"), nil
}

// recordGrants 落库不占用命令的时间预算，失败只记日志
func (b *builtins) recordGrants(docID string, grantees []string, grantedBy string) {
	if b.Shares == nil || len(grantees) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, g := range grantees {
			if err := b.Shares.Grant(ctx, docID, g, grantedBy); err != nil {
				b.Logger.Warn("record share grant failed",
					zap.String("document_id", docID), zap.String("grantee", g), zap.Error(err))
			}
		}
	}()
}

// HistoryCommand undo / redo
type HistoryCommand struct {
	Command    string `json:"command" validate:"required,oneof=undo redo"`
	DocumentID string `json:"document_id" validate:"required"`
}

func (b *builtins) history(ctx context.Context, sessionID string, cmd HistoryCommand) (protocol.CommandResult, error) {
	var (
		commit collab.Commit
		err    error
	)
	if cmd.Command == "undo" {
		commit, err = b.Rooms.Undo(ctx, cmd.DocumentID, sessionID)
	} else {
		commit, err = b.Rooms.Redo(ctx, cmd.DocumentID, sessionID)
	}
	if err != nil {
		return protocol.CommandResult{}, err
	}
	return protocol.Success(commit, cmd.Command+" applied"), nil
}

type CommandsCommand struct{}

func (b *builtins) commands(_ context.Context, sessionID string, _ CommandsCommand) (protocol.CommandResult, error) {
	// 会话已不在注册表时按无权限列出
	perms, err := b.Sessions.PermissionsOf(sessionID)
	if err != nil && !errors.Is(err, session.ErrNotFound) && !errors.Is(err, session.ErrClosed) {
		return protocol.CommandResult{}, err
	}
	return protocol.Success(map[string]any{
		"commands":    b.router.Catalog(perms),
		"permissions": perms.List(),
	}, "available commands"), nil
}

// SyncCommand 拉取 from_version 之后的操作
type SyncCommand struct {
	DocumentID  string `json:"document_id" validate:"required"`
	FromVersion int    `json:"from_version" validate:"min=0"`
}

func (b *builtins) sync(ctx context.Context, _ string, cmd SyncCommand) (protocol.CommandResult, error) {
	snap, err := b.Rooms.Sync(ctx, cmd.DocumentID, cmd.FromVersion)
	if err != nil {
		return protocol.CommandResult{}, err
	}
	return protocol.Success(snap, "document synced"), nil
}
