package session

import "realtimeCollab/backend/internal/protocol"

// pendingQueue 有界的待投递队列。满了之后丢最老的非关键消息；
// 全是关键消息时才丢最老的一条，并单独计数。
type pendingQueue struct {
	items           []protocol.Envelope
	capacity        int
	dropped         uint64
	droppedCritical uint64
}

func newPendingQueue(capacity int) *pendingQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &pendingQueue{capacity: capacity}
}

// push 追加到队尾，返回被挤掉的那条（如果有）
func (q *pendingQueue) push(env protocol.Envelope) *protocol.Envelope {
	evicted := q.makeRoom()
	q.items = append(q.items, env)
	return evicted
}

// pushFront 用于必须先于积压消息送达的应答
func (q *pendingQueue) pushFront(env protocol.Envelope) *protocol.Envelope {
	evicted := q.makeRoom()
	q.items = append([]protocol.Envelope{env}, q.items...)
	return evicted
}

func (q *pendingQueue) makeRoom() *protocol.Envelope {
	if len(q.items) < q.capacity {
		return nil
	}
	victim := -1
	for i, e := range q.items {
		if !e.Critical() {
			victim = i
			break
		}
	}
	if victim < 0 {
		victim = 0
		q.droppedCritical++
	} else {
		q.dropped++
	}
	old := q.items[victim]
	q.items = append(q.items[:victim], q.items[victim+1:]...)
	return &old
}

func (q *pendingQueue) peek() (protocol.Envelope, bool) {
	if len(q.items) == 0 {
		return protocol.Envelope{}, false
	}
	return q.items[0], true
}

func (q *pendingQueue) pop() {
	if len(q.items) == 0 {
		return
	}
	q.items[0] = protocol.Envelope{}
	q.items = q.items[1:]
}

func (q *pendingQueue) len() int { return len(q.items) }
