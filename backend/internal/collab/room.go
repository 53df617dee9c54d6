package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"realtimeCollab/backend/internal/ot"
)

var (
	ErrRoomClosed   = errors.New("room is closed")
	ErrHistoryEmpty = errors.New("history is empty")
	ErrRoomPanic    = errors.New("room task panicked")
	ErrNoDocument   = errors.New("document id is required")
)

// roomState 只由房间自己的协程读写
type roomState struct {
	doc     *ot.Document
	members map[string]struct{}
	history *History
}

func (s *roomState) memberList() []string {
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// room 一个文档的单写者：所有读写都排进 inbox，按顺序执行
type room struct {
	id    string
	inbox chan func(*roomState)
	done  chan struct{}
	state roomState
}

func newRoom(id string, inboxSize, historyDepth int) *room {
	r := &room{
		id:    id,
		inbox: make(chan func(*roomState), inboxSize),
		done:  make(chan struct{}),
		state: roomState{
			doc:     ot.NewDocument(id),
			members: make(map[string]struct{}),
			history: NewHistory(historyDepth),
		},
	}
	go r.loop()
	return r
}

func (r *room) loop() {
	for {
		select {
		case task := <-r.inbox:
			task(&r.state)
		case <-r.done:
			return
		}
	}
}

// do 把 fn 排进房间队列并等待它执行完。fn 里的 panic 转成错误，不会拖垮房间。
// 排队期间调用方已经放弃（ctx 结束）的任务轮到时直接跳过，不会再提交。
func (r *room) do(ctx context.Context, fn func(*roomState) error) error {
	res := make(chan error, 1)
	task := func(s *roomState) {
		defer func() {
			if p := recover(); p != nil {
				res <- fmt.Errorf("%w: %v", ErrRoomPanic, p)
			}
		}()
		if err := ctx.Err(); err != nil {
			res <- err
			return
		}
		res <- fn(s)
	}

	select {
	case r.inbox <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRoomClosed
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRoomClosed
	}
}

func (r *room) close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}
