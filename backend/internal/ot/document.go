package ot

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Document 单个文档的权威状态。只允许文档的持有者通过 Resolve/Merge 修改。
// 不变量：Version == len(Ops)，Clips 可由 Ops 从空文档重放得到。
type Document struct {
	ID      string
	Version int
	Ops     []Operation
	Clips   []Clip
}

func NewDocument(id string) *Document {
	return &Document{ID: id}
}

// Replay 从空文档重放 ops
func Replay(id string, ops []Operation) *Document {
	d := NewDocument(id)
	for _, op := range ops {
		c := op.Clone()
		if !c.NoOp {
			d.apply(&c)
		}
		d.Version++
		c.Version = d.Version
		d.Ops = append(d.Ops, c)
	}
	return d
}

func (d *Document) Clone() *Document {
	c := &Document{ID: d.ID, Version: d.Version}
	c.Ops = append([]Operation(nil), d.Ops...)
	c.Clips = d.Snapshot()
	return c
}

// Snapshot 当前片段的深拷贝
func (d *Document) Snapshot() []Clip {
	out := make([]Clip, len(d.Clips))
	for i, c := range d.Clips {
		out[i] = c.clone()
	}
	return out
}

// Since 返回 from 之后提交的操作
func (d *Document) Since(from int) []Operation {
	if from < 0 {
		from = 0
	}
	if from >= len(d.Ops) {
		return nil
	}
	out := make([]Operation, 0, len(d.Ops)-from)
	for _, op := range d.Ops[from:] {
		out = append(out, op.Clone())
	}
	return out
}

func (d *Document) index(id string) int {
	for i, c := range d.Clips {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (d *Document) insertAt(pos int, clips ...Clip) {
	d.Clips = append(d.Clips, make([]Clip, len(clips))...)
	copy(d.Clips[pos+len(clips):], d.Clips[pos:])
	copy(d.Clips[pos:], clips)
}

func (d *Document) removeAt(pos, n int) {
	d.Clips = append(d.Clips[:pos], d.Clips[pos+n:]...)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// apply 把一条已变换的操作作用到 Clips 上，并写回实际生效的位置、id 和撤销元数据。
// 目标在这一刻不存在时降级为 no-op。
func (d *Document) apply(op *Operation) {
	switch op.Type {
	case OpInsert:
		d.applyInsert(op)
	case OpDelete:
		d.applyDelete(op)
	case OpUpdate, OpApplyEffect, OpAdjustTiming:
		d.applyFields(op)
	case OpMove:
		d.applyMove(op)
	case OpSplit:
		d.applySplit(op)
	case OpMerge:
		d.applyMerge(op)
	}
}

func (d *Document) freshID(id string, taken map[string]bool) string {
	if id == "" || taken[id] || d.index(id) >= 0 {
		return uuid.NewString()
	}
	return id
}

func (d *Document) applyInsert(op *Operation) {
	pos := clamp(op.Position, 0, len(d.Clips))
	taken := make(map[string]bool, len(op.Clips))
	clips := make([]Clip, len(op.Clips))
	for i, c := range op.Clips {
		c = c.clone()
		c.ID = d.freshID(c.ID, taken)
		c.Effects = normalizeEffects(c.Effects)
		taken[c.ID] = true
		clips[i] = c
	}
	op.Position = pos
	op.Clips = clips
	d.insertAt(pos, clips...)
}

func (d *Document) applyDelete(op *Operation) {
	var removed []Placed
	if op.idForm() {
		targets := op.Targets
		if op.Target != "" {
			targets = append([]string{op.Target}, targets...)
		}
		seen := make(map[int]bool)
		var idx []int
		for _, id := range targets {
			if i := d.index(id); i >= 0 && !seen[i] {
				seen[i] = true
				idx = append(idx, i)
			}
		}
		sort.Ints(idx)
		for _, i := range idx {
			removed = append(removed, Placed{Index: i, Clip: d.Clips[i].clone()})
		}
		for k := len(idx) - 1; k >= 0; k-- {
			d.removeAt(idx[k], 1)
		}
	} else {
		// 区间按降序排列，依次删除，较低的区间不受影响
		for _, r := range op.pieces() {
			start := clamp(r.Position, 0, len(d.Clips))
			end := clamp(r.Position+r.Count, start, len(d.Clips))
			for i := start; i < end; i++ {
				removed = append(removed, Placed{Index: i, Clip: d.Clips[i].clone()})
			}
			d.removeAt(start, end-start)
		}
		sort.Slice(removed, func(a, b int) bool { return removed[a].Index < removed[b].Index })
	}
	if len(removed) == 0 {
		op.demote(ReasonAlreadyDeleted)
		return
	}
	op.Removed = removed
}

func (op *Operation) pieces() []Range {
	if len(op.Ranges) > 0 {
		return op.Ranges
	}
	return []Range{{Position: op.Position, Count: op.Count}}
}

func (d *Document) applyFields(op *Operation) {
	i := d.index(op.Target)
	if i < 0 {
		op.demote(ReasonTargetMissing)
		return
	}
	// 目标被并发拆分过时，Targets 里是拆出来的后半段，整体当作一个片段处理
	span := []int{i}
	op.Prior = nil
	for _, id := range op.Targets {
		if j := d.index(id); j >= 0 && j != i {
			span = append(span, j)
			op.Prior = append(op.Prior, d.Clips[j].clone())
		}
	}
	sort.Ints(span)
	before := d.Clips[i].clone()
	op.Before = &before

	var texts []string
	if op.Type == OpUpdate && op.Text != nil {
		lens := make([]int, len(span))
		for k, j := range span {
			lens[k] = len([]rune(d.Clips[j].Text))
		}
		texts = spread(*op.Text, lens)
	}
	for k, j := range span {
		c := &d.Clips[j]
		switch op.Type {
		case OpApplyEffect:
			c.Effects = normalizeEffects(append(c.Effects, op.Effect))
			continue
		case OpUpdate:
			if texts != nil {
				c.Text = texts[k]
			}
			if op.Effects != nil {
				c.Effects = normalizeEffects(append([]string(nil), (*op.Effects)...))
			}
		}
		if op.Start != nil && k == 0 {
			c.Start = *op.Start
		}
		if op.End != nil && k == len(span)-1 {
			c.End = *op.End
		}
	}
}

// spread 按各段现有的长度切分 text，最后一段拿剩下的全部
func spread(text string, lens []int) []string {
	runes := []rune(text)
	out := make([]string, len(lens))
	pos := 0
	for k, n := range lens {
		if k == len(lens)-1 {
			out[k] = string(runes[pos:])
			break
		}
		end := min(pos+n, len(runes))
		out[k] = string(runes[pos:end])
		pos = end
	}
	return out
}

// setFields 把字段类操作作用到单个片段上
func setFields(c *Clip, op *Operation) {
	switch op.Type {
	case OpApplyEffect:
		c.Effects = normalizeEffects(append(append([]string(nil), c.Effects...), op.Effect))
		return
	case OpUpdate:
		if op.Text != nil {
			c.Text = *op.Text
		}
		if op.Effects != nil {
			c.Effects = normalizeEffects(append([]string(nil), (*op.Effects)...))
		}
	}
	if op.Start != nil {
		c.Start = *op.Start
	}
	if op.End != nil {
		c.End = *op.End
	}
}

func (d *Document) applyMove(op *Operation) {
	i := d.index(op.Target)
	if i < 0 {
		op.demote(ReasonTargetMissing)
		return
	}
	c := d.Clips[i]
	d.removeAt(i, 1)
	pos := clamp(op.Position, 0, len(d.Clips))
	d.insertAt(pos, c)
	op.From = i
	op.Position = pos
}

func (d *Document) applySplit(op *Operation) {
	i := d.index(op.Target)
	if i < 0 {
		op.demote(ReasonTargetMissing)
		return
	}
	before := d.Clips[i].clone()
	op.Before = &before

	head := d.Clips[i].clone()
	tail := head.clone()
	runes := []rune(head.Text)
	cut := clamp(op.Offset, 0, len(runes))
	if op.Offset == 0 {
		cut = len(runes) / 2
	}
	head.Text, tail.Text = string(runes[:cut]), string(runes[cut:])

	at := op.At
	if at <= head.Start || at >= head.End {
		at = head.Start + (head.End-head.Start)/2
	}
	head.End, tail.Start = at, at

	tail.ID = d.freshID(op.NewID, nil)
	op.NewID = tail.ID
	op.Offset = cut
	op.At = at

	d.Clips[i] = head
	// 目标被并发移动过时，后半段留在目标原来的位置
	pos := i + 1
	if op.Detached {
		pos = clamp(op.Position, 0, len(d.Clips))
	}
	op.Position = pos
	d.insertAt(pos, tail)
}

func (d *Document) applyMerge(op *Operation) {
	ti, oi := d.index(op.Target), d.index(op.Other)
	if ti < 0 || oi < 0 {
		op.demote(ReasonTargetMissing)
		return
	}
	target := d.Clips[ti].clone()
	op.Before = &target

	absorbed := []int{oi}
	for tail := range op.Rejoin {
		root := op.rejoinRoot(tail)
		if root != op.Target && root != op.Other {
			continue
		}
		if j := d.index(tail); j >= 0 && j != ti && j != oi {
			absorbed = append(absorbed, j)
		}
	}
	sort.Ints(absorbed)
	op.Removed = make([]Placed, len(absorbed))
	for k, j := range absorbed {
		op.Removed[k] = Placed{Index: j, Clip: d.Clips[j].clone()}
	}

	// 被并发拆开的片段先按原样拼回去再合并
	head, other := target.clone(), d.Clips[oi].clone()
	pieces := map[string]*Clip{op.Target: &head, op.Other: &other}
	for _, j := range absorbed {
		tail := d.Clips[j]
		if j == oi {
			continue
		}
		if p := pieces[op.rejoinRoot(tail.ID)]; p != nil {
			p.Text += tail.Text
			p.End = tail.End
		}
	}

	merged := mergeClips(head, other)
	if op.Text != nil {
		merged.Text = *op.Text
	}
	d.Clips[ti] = merged
	for k := len(absorbed) - 1; k >= 0; k-- {
		d.removeAt(absorbed[k], 1)
	}
}

// rejoinRoot 拆分链上最初的那个片段
func (op *Operation) rejoinRoot(id string) string {
	for hops := 0; hops <= len(op.Rejoin); hops++ {
		head, ok := op.Rejoin[id]
		if !ok {
			return id
		}
		id = head
	}
	return id
}

// mergeClips target 吸收 others。文本按开始时间排序后用空格连接，时间取并集，效果取并集。
func mergeClips(target Clip, others ...Clip) Clip {
	pieces := append([]Clip{target}, others...)
	sort.SliceStable(pieces, func(a, b int) bool { return pieces[a].Start < pieces[b].Start })
	merged := target.clone()
	texts := make([]string, 0, len(pieces))
	var effects []string
	for _, p := range pieces {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
		merged.Start = min(merged.Start, p.Start)
		merged.End = max(merged.End, p.End)
		effects = append(effects, p.Effects...)
	}
	merged.Text = strings.Join(texts, " ")
	merged.Effects = normalizeEffects(effects)
	return merged
}

// unapply 按提交时记录的元数据撤回一条操作对 Clips 的作用
func (d *Document) unapply(op *Operation) {
	switch op.Type {
	case OpInsert:
		d.removeAt(op.Position, len(op.Clips))
	case OpDelete:
		for _, r := range op.Removed {
			d.insertAt(r.Index, r.Clip.clone())
		}
	case OpUpdate, OpApplyEffect, OpAdjustTiming:
		d.restore(op.Before)
		for k := range op.Prior {
			d.restore(&op.Prior[k])
		}
	case OpMove:
		if i := d.index(op.Target); i >= 0 {
			c := d.Clips[i]
			d.removeAt(i, 1)
			d.insertAt(op.From, c)
		}
	case OpSplit:
		if i := d.index(op.NewID); i >= 0 {
			d.removeAt(i, 1)
		}
		d.restore(op.Before)
	case OpMerge:
		d.restore(op.Before)
		for _, r := range op.Removed {
			d.insertAt(r.Index, r.Clip.clone())
		}
	}
}

func (d *Document) restore(c *Clip) {
	if c == nil {
		return
	}
	if i := d.index(c.ID); i >= 0 {
		d.Clips[i] = c.clone()
	}
}

// at 从当前状态倒着撤回 ops[v:]，得到版本 v 时的片段
func (d *Document) at(v int) *Document {
	w := &Document{ID: d.ID, Version: v, Clips: d.Snapshot()}
	for i := len(d.Ops) - 1; i >= v; i-- {
		if op := &d.Ops[i]; !op.NoOp {
			w.unapply(op)
		}
	}
	return w
}

// normalizeEffects 去重并排序，保证 apply_effect 可交换
func normalizeEffects(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, e := range in {
		if e != "" && !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}
