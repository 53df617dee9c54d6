package ot

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrVersionAhead = errors.New("origin_version is not a version of this document")

// Resolve 把每条入站操作对 ops[origin_version:] 逐条做变换，得到可以按到达顺序直接应用的操作。
// 同一批里后面的操作也会看到前面的操作。目标已被删除的操作降级为 no-op 并带上原因。
func Resolve(d *Document, incoming []Operation) ([]Operation, error) {
	if len(incoming) == 1 {
		t, err := resolveOne(d, incoming[0])
		if err != nil {
			return nil, err
		}
		return []Operation{t}, nil
	}
	work := d.Clone()
	out := make([]Operation, 0, len(incoming))
	for _, op := range incoming {
		t, err := resolveOne(work, op)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		work.Merge([]Operation{t})
	}
	return out, nil
}

// Merge 追加已变换的操作，每条操作版本号加一，Clips 增量更新。返回提交后的操作。
func (d *Document) Merge(ops []Operation) []Operation {
	committed := make([]Operation, 0, len(ops))
	for _, op := range ops {
		c := op.Clone()
		if !c.NoOp {
			d.apply(&c)
		}
		d.Version++
		c.Version = d.Version
		d.Ops = append(d.Ops, c)
		committed = append(committed, c.Clone())
	}
	return committed
}

func resolveOne(d *Document, op Operation) (Operation, error) {
	if op.OriginVersion < 0 || op.OriginVersion > d.Version {
		return Operation{}, fmt.Errorf("%w: origin %d, document at %d", ErrVersionAhead, op.OriginVersion, d.Version)
	}
	t := op.Clone()
	// 提交元数据只能由服务端写
	t.Version, t.NoOp, t.Reason = 0, false, ""
	t.Removed, t.Before, t.Prior, t.From, t.Ranges = nil, nil, nil, 0, nil
	t.Detached, t.Rejoin = false, nil
	switch t.Type {
	case OpDelete:
	case OpMerge:
		t.Targets, t.Text = nil, nil
	default:
		t.Targets = nil
	}

	if op.OriginVersion == d.Version {
		if t.Type == OpDelete && !t.idForm() {
			t.Ranges = []Range{{Position: t.Position, Count: t.Count}}
		}
		return t, nil
	}

	// cur 依次走过 origin_version 之后的每个版本，变换时总能看到 c 之前的文档
	cur := d.at(op.OriginVersion)
	rb := newRebase(&t, cur)
	for i := op.OriginVersion; i < len(d.Ops) && !t.NoOp; i++ {
		c := &d.Ops[i]
		if c.NoOp {
			continue
		}
		rb.step(c, cur)
		next := c.Clone()
		cur.apply(&next)
	}
	if !t.NoOp {
		rb.finish(d)
	}
	return t, nil
}

// rebase 把一条过期操作搬到最新版本上。位置类操作按 c 的增删逐段平移；
// 其余操作按 id 跟踪，并在拆分、合并时改写 id。
type rebase struct {
	t      *Operation
	ranged bool
	merged map[string]bool
}

func newRebase(t *Operation, origin *Document) *rebase {
	rb := &rebase{t: t, merged: make(map[string]bool)}
	switch t.Type {
	case OpDelete:
		if t.idForm() {
			break
		}
		// 区间删除钉在 origin_version 时区间里的片段上，移动走的片段照样删除
		start := clamp(t.Position, 0, len(origin.Clips))
		end := clamp(t.Position+t.Count, start, len(origin.Clips))
		for _, c := range origin.Clips[start:end] {
			t.Targets = append(t.Targets, c.ID)
		}
		rb.ranged = true
	case OpMerge:
		if origin.index(t.Target) < 0 || origin.index(t.Other) < 0 {
			t.demote(ReasonTargetMissing)
		}
	case OpSplit:
		// 切点按 origin_version 时的片段定下来
		if i := origin.index(t.Target); i >= 0 {
			c := origin.Clips[i]
			n := len([]rune(c.Text))
			if t.Offset == 0 {
				t.Offset = n / 2
			} else {
				t.Offset = clamp(t.Offset, 0, n)
			}
			if t.At <= c.Start || t.At >= c.End {
				t.At = c.Start + (c.End-c.Start)/2
			}
		}
	}
	return rb
}

func (rb *rebase) step(c *Operation, cur *Document) {
	if c.Type == OpMerge {
		for _, r := range c.Removed {
			rb.merged[r.Clip.ID] = true
		}
	}
	switch rb.t.Type {
	case OpInsert:
		rb.t.Position = shiftInsert(rb.t.Position, rb.t, c)
	case OpMove:
		rb.stepMove(c, cur)
	case OpDelete:
		rb.stepDelete(c)
	case OpSplit:
		rb.stepSplit(c)
	case OpMerge:
		rb.stepMerge(c, cur)
	case OpUpdate, OpApplyEffect, OpAdjustTiming:
		rb.stepFields(c)
	}
}

// edit 已提交操作对位置的影响：在 pos 处插入或删除 n 个片段
type edit struct {
	pos    int
	n      int
	insert bool
}

func edits(c *Operation) []edit {
	switch c.Type {
	case OpInsert:
		return []edit{{pos: c.Position, n: len(c.Clips), insert: true}}
	case OpDelete, OpMerge:
		return deletions(c.Removed)
	case OpMove:
		return []edit{{pos: c.From, n: 1}, {pos: c.Position, n: 1, insert: true}}
	case OpSplit:
		return []edit{{pos: c.Position, n: 1, insert: true}}
	}
	return nil
}

// deletions 把升序的删除下标转成降序、合并连续下标的删除序列
func deletions(removed []Placed) []edit {
	var out []edit
	for k := len(removed) - 1; k >= 0; {
		j := k
		for j > 0 && removed[j-1].Index == removed[j].Index-1 {
			j--
		}
		out = append(out, edit{pos: removed[j].Index, n: k - j + 1})
		k = j - 1
	}
	return out
}

func shiftDeleted(p int, e edit) int {
	switch {
	case p <= e.pos:
		return p
	case p >= e.pos+e.n:
		return p - e.n
	}
	return e.pos
}

// shiftInsert 插入点经过 c 之后的位置。同一位置上 (timestamp, id) 小的在前，拆分出来的后半段总是紧跟前半段。
func shiftInsert(p int, t, c *Operation) int {
	for _, e := range edits(c) {
		if !e.insert {
			p = shiftDeleted(p, e)
			continue
		}
		if e.pos < p || (e.pos == p && (c.Type == OpSplit || c.before(t))) {
			p += e.n
		}
	}
	return p
}

// removedBy c 是否删掉或合并掉了 id，以及对应的原因
func removedBy(c *Operation, id string) (string, bool) {
	if c.Type != OpDelete && c.Type != OpMerge {
		return "", false
	}
	for _, r := range c.Removed {
		if r.Clip.ID == id {
			if c.Type == OpMerge {
				return ReasonTargetMerged, true
			}
			return ReasonTargetMissing, true
		}
	}
	return "", false
}

// stepMove move 的 Position 是去掉目标之后的坐标，c 的每段增删先换算到这个坐标系再平移
func (rb *rebase) stepMove(c *Operation, cur *Document) {
	t := rb.t
	if reason, ok := removedBy(c, t.Target); ok {
		t.demote(reason)
		return
	}
	iT := cur.index(t.Target)
	if iT < 0 {
		return
	}
	if c.Type == OpMove && c.Target == t.Target {
		// 同一片段的两次移动，(timestamp, id) 大的生效
		if t.before(c) {
			t.demote(ReasonSuperseded)
		}
		return
	}
	ownSplit := c.Type == OpSplit && c.Target == t.Target
	for _, e := range edits(c) {
		q := e.pos
		if q > iT {
			q--
		}
		if !e.insert {
			t.Position = shiftDeleted(t.Position, edit{pos: q, n: e.n})
			if iT >= e.pos+e.n {
				iT -= e.n
			}
			continue
		}
		first := c.before(t)
		if c.Type == OpSplit {
			first = !ownSplit
		}
		if q < t.Position || (q == t.Position && first) {
			t.Position += e.n
		}
		if e.pos <= iT {
			iT += e.n
		}
	}
}

func (rb *rebase) stepDelete(c *Operation) {
	t := rb.t
	ids := t.targetList()
	has := func(id string) bool {
		for _, x := range ids {
			if x == id {
				return true
			}
		}
		return false
	}
	switch c.Type {
	case OpSplit:
		// 目标被拆分后，拆出来的后半段一起删
		if has(c.Target) {
			t.Targets = append(t.Targets, c.NewID)
		}
	case OpMerge:
		// 合并的任何一方要删，合并后的片段整个删
		if has(c.Target) {
			return
		}
		for _, r := range c.Removed {
			if has(r.Clip.ID) {
				t.Targets = append(t.Targets, c.Target)
				return
			}
		}
	}
}

func (rb *rebase) stepSplit(c *Operation) {
	t := rb.t
	if t.Detached {
		t.Position = shiftInsert(t.Position, t, c)
	}
	if reason, ok := removedBy(c, t.Target); ok {
		t.demote(reason)
		return
	}
	if c.Target != t.Target {
		return
	}
	switch c.Type {
	case OpMerge:
		// 合并优先，合并后的片段不再按旧切点拆
		t.demote(ReasonTargetMerged)
	case OpSplit:
		switch {
		case t.Offset == c.Offset:
			t.demote(ReasonSuperseded)
		case t.Offset > c.Offset:
			t.Target = c.NewID
			t.Offset -= c.Offset
		}
	case OpMove:
		// 后半段留在目标原来的位置；两者落在同一处时目标在前
		pos := c.From
		if c.Position <= c.From {
			pos++
		}
		t.Detached, t.Position = true, pos
	}
}

func (rb *rebase) stepMerge(c *Operation, cur *Document) {
	t := rb.t
	switch c.Type {
	case OpSplit:
		// 参与合并的片段被拆开了，合并时把后半段拼回去
		if c.Target == t.Target || c.Target == t.Other || t.Rejoin[c.Target] != "" {
			if t.Rejoin == nil {
				t.Rejoin = make(map[string]string)
			}
			t.Rejoin[c.NewID] = c.Target
		}
	case OpMerge:
		shared := false
		for _, r := range c.Removed {
			id := r.Clip.ID
			if t.Target == id {
				t.Target, shared = c.Target, true
			}
			if t.Other == id {
				t.Other, shared = c.Target, true
			}
			delete(t.Rejoin, id)
			for tail, head := range t.Rejoin {
				if head == id {
					t.Rejoin[tail] = c.Target
				}
			}
		}
		if t.Target == t.Other {
			t.demote(ReasonAlreadyMerged)
			return
		}
		if shared || t.Target == c.Target || t.Other == c.Target {
			rb.composeText(c, cur)
		}
	}
}

// composeText 两次合并共用一个片段时，文本按所有原始片段的开始时间重新拼，与提交顺序无关
func (rb *rebase) composeText(c *Operation, cur *Document) {
	t := rb.t
	if c.Before == nil {
		return
	}
	committed := []Clip{c.Before.clone()}
	for _, r := range c.Removed {
		committed = append(committed, r.Clip.clone())
	}
	rest := t.Other
	if t.Other == c.Target {
		rest = t.Target
	}
	i := cur.index(rest)
	if i < 0 {
		return
	}
	var pieces []Clip
	if rest == t.Target {
		pieces = append([]Clip{cur.Clips[i].clone()}, committed...)
	} else {
		pieces = append(committed, cur.Clips[i].clone())
	}
	sort.SliceStable(pieces, func(a, b int) bool { return pieces[a].Start < pieces[b].Start })
	texts := make([]string, 0, len(pieces))
	for _, p := range pieces {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	text := strings.Join(texts, " ")
	t.Text = &text
}

func (rb *rebase) stepFields(c *Operation) {
	t := rb.t
	switch c.Type {
	case OpSplit:
		// 目标被拆开后，字段改动覆盖两半
		for _, id := range t.targetList() {
			if id == c.Target {
				t.Targets = append(t.Targets, c.NewID)
				return
			}
		}
	case OpMerge:
		if t.Target == c.Target {
			rb.refold(c)
			return
		}
		for _, r := range c.Removed {
			if r.Clip.ID == t.Target {
				rb.refold(c)
				return
			}
		}
	case OpUpdate, OpAdjustTiming:
		if c.Target != t.Target || !t.before(c) {
			return
		}
		// 字段级冲突：(timestamp, id) 更大的一方获胜
		if t.Type == OpApplyEffect {
			if c.Effects != nil {
				t.demote(ReasonSuperseded)
			}
			return
		}
		dropFields(t, c)
		if t.Text == nil && t.Effects == nil && t.Start == nil && t.End == nil {
			t.demote(ReasonSuperseded)
		}
	case OpApplyEffect:
		// 更晚的效果叠加在整体替换的效果列表上
		if c.Target == t.Target && t.Type == OpUpdate && t.Effects != nil && t.before(c) {
			effects := normalizeEffects(append(append([]string(nil), (*t.Effects)...), c.Effect))
			t.Effects = &effects
		}
	}
}

// refold 目标参与了已提交的合并：在合并前的片段上应用本操作，重新算出合并结果，
// 改成对合并后片段的同类操作
func (rb *rebase) refold(c *Operation) {
	t := rb.t
	if t.Type == OpApplyEffect || c.Before == nil {
		t.Target, t.Targets = c.Target, nil
		return
	}
	target := c.Before.clone()
	others := make([]Clip, 0, len(c.Removed))
	for _, r := range c.Removed {
		others = append(others, r.Clip.clone())
	}
	if target.ID == t.Target {
		setFields(&target, t)
	}
	for k := range others {
		if others[k].ID == t.Target {
			setFields(&others[k], t)
		}
	}
	merged := mergeClips(target, others...)

	t.Target, t.Targets = c.Target, nil
	if t.Text != nil {
		text := merged.Text
		t.Text = &text
	}
	if t.Effects != nil {
		effects := append([]string{}, merged.Effects...)
		t.Effects = &effects
	}
	if t.Start != nil {
		start := merged.Start
		t.Start = &start
	}
	if t.End != nil {
		end := merged.End
		t.End = &end
	}
}

// 字段级冲突：丢掉本操作里被 c 覆盖的字段
func dropFields(t, c *Operation) {
	if c.Text != nil {
		t.Text = nil
	}
	if c.Effects != nil {
		t.Effects = nil
	}
	if c.Start != nil {
		t.Start = nil
	}
	if c.End != nil {
		t.End = nil
	}
}

// finish 对照最新文档检查目标是否还在
func (rb *rebase) finish(d *Document) {
	t := rb.t
	switch t.Type {
	case OpDelete:
		var alive []string
		for _, id := range t.targetList() {
			if d.index(id) >= 0 {
				alive = append(alive, id)
			}
		}
		if len(alive) == 0 {
			t.demote(ReasonAlreadyDeleted)
			return
		}
		if rb.ranged {
			t.Ranges = rangesOf(d, alive)
			t.Targets = nil
		}
	case OpMove, OpSplit, OpUpdate, OpApplyEffect, OpAdjustTiming:
		if d.index(t.Target) >= 0 {
			return
		}
		if rb.merged[t.Target] {
			t.demote(ReasonTargetMerged)
		} else {
			t.demote(ReasonTargetMissing)
		}
	case OpMerge:
		a, b := d.index(t.Target) >= 0, d.index(t.Other) >= 0
		switch {
		case !a && !b:
			t.demote(ReasonTargetMissing)
		case !a:
			rb.dropWith(t.Other)
		case !b:
			rb.dropWith(t.Target)
		}
	}
}

// dropWith 合并的一方已被并发删除：剩下的一方连同待拼回的后半段一起删，两种提交顺序结果相同
func (rb *rebase) dropWith(id string) {
	t := rb.t
	targets := []string{id}
	for tail := range t.Rejoin {
		if t.rejoinRoot(tail) == id {
			targets = append(targets, tail)
		}
	}
	sort.Strings(targets[1:])
	t.Type = OpDelete
	t.Target, t.Other, t.Targets = "", "", targets
	t.Rejoin, t.Text = nil, nil
}

// rangesOf 把 ids 的当前下标合成降序的连续区间
func rangesOf(d *Document, ids []string) []Range {
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		if i := d.index(id); i >= 0 {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	var out []Range
	for k := len(idx) - 1; k >= 0; {
		j := k
		for j > 0 && idx[j-1] == idx[j]-1 {
			j--
		}
		out = append(out, Range{Position: idx[j], Count: k - j + 1})
		k = j - 1
	}
	return out
}
