package ot

import "github.com/google/uuid"

// Invert 构造撤销 c 的操作。所有逆操作都以 c.Version 为 origin_version，
// 作为一批交给 Resolve，时间戳单调递增。no-op 没有逆操作。
func Invert(c Operation, sessionID string, now float64) []Operation {
	if c.NoOp {
		return nil
	}
	base := func(typ OpType, i int) Operation {
		return Operation{
			ID:            uuid.NewString(),
			Type:          typ,
			Timestamp:     now + float64(i)*1e-6,
			OriginSession: sessionID,
			OriginVersion: c.Version,
		}
	}

	switch c.Type {
	case OpInsert:
		op := base(OpDelete, 0)
		op.Position = c.Position
		op.Count = len(c.Clips)
		return []Operation{op}
	case OpDelete:
		return reinsert(c.Removed, base)
	case OpUpdate, OpApplyEffect, OpAdjustTiming:
		if c.Before == nil {
			return nil
		}
		ops := []Operation{restore(*c.Before, base(OpUpdate, 0))}
		for k, p := range c.Prior {
			ops = append(ops, restore(p, base(OpUpdate, k+1)))
		}
		return ops
	case OpMove:
		op := base(OpMove, 0)
		op.Target = c.Target
		op.Position = c.From
		return []Operation{op}
	case OpSplit:
		del := base(OpDelete, 0)
		del.Targets = []string{c.NewID}
		if c.Before == nil {
			return []Operation{del}
		}
		return []Operation{del, restore(*c.Before, base(OpUpdate, 1))}
	case OpMerge:
		ops := reinsert(c.Removed, base)
		if c.Before != nil {
			ops = append(ops, restore(*c.Before, base(OpUpdate, len(ops))))
		}
		return ops
	}
	return nil
}

// reinsert 按删除后的坐标把片段插回去，连续的片段合成一条 insert
func reinsert(removed []Placed, base func(OpType, int) Operation) []Operation {
	var out []Operation
	for k, r := range removed {
		pos := r.Index - k
		if n := len(out); n > 0 && out[n-1].Position == pos {
			out[n-1].Clips = append(out[n-1].Clips, r.Clip.clone())
			continue
		}
		op := base(OpInsert, len(out))
		op.Position = pos
		op.Clips = []Clip{r.Clip.clone()}
		out = append(out, op)
	}
	return out
}

// restore 用完整字段把片段改回 before
func restore(before Clip, op Operation) Operation {
	text := before.Text
	effects := append([]string{}, before.Effects...)
	start, end := before.Start, before.End
	op.Target = before.ID
	op.Text = &text
	op.Effects = &effects
	op.Start = &start
	op.End = &end
	return op
}
