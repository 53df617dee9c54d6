package collab

import "realtimeCollab/backend/internal/ot"

const DefaultHistoryDepth = 50

// History 文档级的线性撤销栈，和 OT 日志分开维护。
// 每一项是一次命令提交的全部操作；只由房间协程访问。
type History struct {
	depth int
	undo  [][]ot.Operation
	redo  [][]ot.Operation
}

func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	return &History{depth: depth}
}

// Record 记录一次新的编辑，清空 redo 栈
func (h *History) Record(ops []ot.Operation) {
	if !anyEffective(ops) {
		return
	}
	h.undo = push(h.undo, ops, h.depth)
	h.redo = nil
}

func (h *History) popUndo() ([]ot.Operation, bool) { return pop(&h.undo) }
func (h *History) popRedo() ([]ot.Operation, bool) { return pop(&h.redo) }

func (h *History) pushUndo(ops []ot.Operation) {
	if anyEffective(ops) {
		h.undo = push(h.undo, ops, h.depth)
	}
}

func (h *History) pushRedo(ops []ot.Operation) {
	if anyEffective(ops) {
		h.redo = push(h.redo, ops, h.depth)
	}
}

func (h *History) Depths() (undo, redo int) { return len(h.undo), len(h.redo) }

func push(stack [][]ot.Operation, ops []ot.Operation, depth int) [][]ot.Operation {
	stack = append(stack, ops)
	if len(stack) > depth {
		// 超出深度丢掉最老的
		stack = append(stack[:0], stack[len(stack)-depth:]...)
	}
	return stack
}

func pop(stack *[][]ot.Operation) ([]ot.Operation, bool) {
	n := len(*stack)
	if n == 0 {
		return nil, false
	}
	top := (*stack)[n-1]
	*stack = (*stack)[:n-1]
	return top, true
}

func anyEffective(ops []ot.Operation) bool {
	for _, op := range ops {
		if !op.NoOp {
			return true
		}
	}
	return false
}

// inverse 按提交的逆序构造整组操作的逆
func inverse(ops []ot.Operation, sessionID string, now float64) []ot.Operation {
	var out []ot.Operation
	for i := len(ops) - 1; i >= 0; i-- {
		out = append(out, ot.Invert(ops[i], sessionID, now+float64(len(out))*1e-3)...)
	}
	return out
}
