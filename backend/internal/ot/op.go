package ot

import (
	"errors"
	"fmt"
)

type OpType string

const (
	OpInsert       OpType = "insert"
	OpDelete       OpType = "delete"
	OpUpdate       OpType = "update"
	OpMove         OpType = "move"
	OpSplit        OpType = "split"
	OpMerge        OpType = "merge"
	OpApplyEffect  OpType = "apply_effect"
	OpAdjustTiming OpType = "adjust_timing"
)

// no-op 的原因，会原样出现在通知和 CommandResult 里
const (
	ReasonTargetMissing  = "target_missing"
	ReasonAlreadyDeleted = "already_deleted"
	ReasonTargetMerged   = "target_merged"
	ReasonAlreadyMerged  = "already_merged"
	ReasonSuperseded     = "superseded"
)

// Clip 文档里的一个片段
type Clip struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Start   float64  `json:"start"`
	End     float64  `json:"end"`
	Effects []string `json:"effects,omitempty"`
}

func (c Clip) clone() Clip {
	c.Effects = append([]string(nil), c.Effects...)
	return c
}

// Range 删除区间 [Position, Position+Count)
type Range struct {
	Position int `json:"position"`
	Count    int `json:"count"`
}

// Placed 被删除的片段及其在操作前的下标
type Placed struct {
	Index int  `json:"index"`
	Clip  Clip `json:"clip"`
}

// Operation 一次原子编辑。提交后的操作额外带着 Version、NoOp/Reason 以及撤销需要的元数据。
type Operation struct {
	ID            string  `json:"id"`
	Type          OpType  `json:"type" validate:"required,oneof=insert delete update move split merge apply_effect adjust_timing"`
	Timestamp     float64 `json:"timestamp"`
	OriginSession string  `json:"origin_session_id,omitempty"`
	OriginVersion int     `json:"origin_version" validate:"min=0"`

	// insert 的位置 / move 的目标位置 / 区间 delete 的起点
	Position int    `json:"position,omitempty" validate:"min=0"`
	Count    int    `json:"count,omitempty" validate:"min=0"`
	Clips    []Clip `json:"clips,omitempty"`

	Target  string   `json:"target,omitempty"`
	Targets []string `json:"targets,omitempty"`
	Other   string   `json:"other,omitempty"`
	NewID   string   `json:"new_id,omitempty"`
	Offset  int      `json:"offset,omitempty" validate:"min=0"`
	At      float64  `json:"at,omitempty"`

	Text    *string   `json:"text,omitempty"`
	Effects *[]string `json:"effects,omitempty"`
	Effect  string    `json:"effect,omitempty"`
	Start   *float64  `json:"start,omitempty"`
	End     *float64  `json:"end,omitempty"`

	// 以下由 resolve/merge 填写
	Ranges   []Range           `json:"ranges,omitempty"`
	Version  int               `json:"version,omitempty"`
	NoOp     bool              `json:"noop,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Removed  []Placed          `json:"removed,omitempty"`
	Before   *Clip             `json:"before,omitempty"`
	Prior    []Clip            `json:"prior,omitempty"`
	From     int               `json:"from,omitempty"`
	Detached bool              `json:"detached,omitempty"`
	Rejoin   map[string]string `json:"rejoin,omitempty"`
}

var ErrInvalidOperation = errors.New("invalid operation")

// Validate 按类型检查必填字段
func (op Operation) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
	}
	if op.OriginVersion < 0 {
		return bad("origin_version must be >= 0")
	}
	switch op.Type {
	case OpInsert:
		if len(op.Clips) == 0 {
			return bad("insert needs clips")
		}
	case OpDelete:
		if op.Target == "" && len(op.Targets) == 0 && op.Count <= 0 {
			return bad("delete needs target(s) or a count")
		}
	case OpUpdate:
		if op.Target == "" {
			return bad("update needs a target")
		}
		if op.Text == nil && op.Effects == nil && op.Start == nil && op.End == nil {
			return bad("update changes nothing")
		}
	case OpMove:
		if op.Target == "" {
			return bad("move needs a target")
		}
	case OpSplit:
		if op.Target == "" {
			return bad("split needs a target")
		}
	case OpMerge:
		if op.Target == "" || op.Other == "" || op.Target == op.Other {
			return bad("merge needs two different clips")
		}
	case OpApplyEffect:
		if op.Target == "" || op.Effect == "" {
			return bad("apply_effect needs a target and an effect")
		}
	case OpAdjustTiming:
		if op.Target == "" || (op.Start == nil && op.End == nil) {
			return bad("adjust_timing needs a target and start or end")
		}
		if op.Start != nil && op.End != nil && *op.Start > *op.End {
			return bad("start after end")
		}
	default:
		return bad("unknown type %q", op.Type)
	}
	return nil
}

// Clone 深拷贝，resolve 不会改到调用方的数据
func (op Operation) Clone() Operation {
	c := op
	if op.Clips != nil {
		c.Clips = make([]Clip, len(op.Clips))
		for i, cl := range op.Clips {
			c.Clips[i] = cl.clone()
		}
	}
	c.Targets = append([]string(nil), op.Targets...)
	c.Ranges = append([]Range(nil), op.Ranges...)
	c.Removed = append([]Placed(nil), op.Removed...)
	if op.Prior != nil {
		c.Prior = make([]Clip, len(op.Prior))
		for i, cl := range op.Prior {
			c.Prior[i] = cl.clone()
		}
	}
	if op.Rejoin != nil {
		c.Rejoin = make(map[string]string, len(op.Rejoin))
		for k, v := range op.Rejoin {
			c.Rejoin[k] = v
		}
	}
	if op.Text != nil {
		v := *op.Text
		c.Text = &v
	}
	if op.Effects != nil {
		v := append([]string{}, (*op.Effects)...)
		c.Effects = &v
	}
	if op.Start != nil {
		v := *op.Start
		c.Start = &v
	}
	if op.End != nil {
		v := *op.End
		c.End = &v
	}
	if op.Before != nil {
		b := op.Before.clone()
		c.Before = &b
	}
	return c
}

// idForm 删除是否按 id 指定
func (op *Operation) idForm() bool {
	return op.Type == OpDelete && (op.Target != "" || len(op.Targets) > 0)
}

// before 全序比较 (timestamp, id)
func (op *Operation) before(other *Operation) bool {
	if op.Timestamp != other.Timestamp {
		return op.Timestamp < other.Timestamp
	}
	return op.ID < other.ID
}

// targetList Target 在前，保持 Targets 的顺序并去重
func (op *Operation) targetList() []string {
	out := make([]string, 0, len(op.Targets)+1)
	seen := make(map[string]bool, len(op.Targets)+1)
	for _, id := range append([]string{op.Target}, op.Targets...) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (op *Operation) demote(reason string) {
	op.NoOp = true
	op.Reason = reason
}
