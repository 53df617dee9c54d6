package collab

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"realtimeCollab/backend/internal/ot"
	"realtimeCollab/backend/internal/protocol"
)

type recorder struct {
	mu  sync.Mutex
	got map[string][]protocol.Envelope
}

func newRecorder() *recorder { return &recorder{got: make(map[string][]protocol.Envelope)} }

func (r *recorder) Broadcast(ids []string, env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.got[id] = append(r.got[id], env.WithSession(id))
	}
	return nil
}

func (r *recorder) of(id string) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.got[id]...)
}

func newTestRooms(t *testing.T, n Notifier, feed *CommitFeed) *Rooms {
	t.Helper()
	clock := 1000.0
	var mu sync.Mutex
	rooms := NewRooms(Options{
		Notifier: n,
		Feed:     feed,
		Clock: func() float64 {
			mu.Lock()
			defer mu.Unlock()
			clock++
			return clock
		},
	})
	t.Cleanup(rooms.Close)
	return rooms
}

func insertOp(origin int, pos int, ids ...string) ot.Operation {
	clips := make([]ot.Clip, len(ids))
	for i, id := range ids {
		clips[i] = ot.Clip{ID: id, Text: id}
	}
	return ot.Operation{Type: ot.OpInsert, OriginVersion: origin, Position: pos, Clips: clips}
}

func clipIDs(clips []ot.Clip) []string {
	out := make([]string, len(clips))
	for i, c := range clips {
		out[i] = c.ID
	}
	return out
}

func TestRooms_UndoAfterInsertRestoresClips(t *testing.T) {
	ctx := context.Background()
	rooms := newTestRooms(t, nil, nil)
	if _, err := rooms.Submit(ctx, "doc", "s1", []ot.Operation{insertOp(0, 0, "a", "b", "c")}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	before, _ := rooms.Sync(ctx, "doc", 0)

	if _, err := rooms.Submit(ctx, "doc", "s1", []ot.Operation{insertOp(1, 1, "x", "y")}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	undone, err := rooms.Undo(ctx, "doc", "s1")
	if err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if len(undone.Operations) != 1 {
		t.Fatalf("undo committed %d ops, want 1", len(undone.Operations))
	}
	del := undone.Operations[0]
	if del.Type != ot.OpDelete || len(del.Removed) != 2 || del.Removed[0].Clip.ID != "x" || del.Removed[1].Clip.ID != "y" {
		t.Fatalf("undo op = %+v, want delete of exactly [x y]", del)
	}

	after, _ := rooms.Sync(ctx, "doc", 0)
	if !reflect.DeepEqual(after.Clips, before.Clips) {
		t.Fatalf("clips after undo = %v, want %v", clipIDs(after.Clips), clipIDs(before.Clips))
	}
	if after.Version != 3 {
		t.Fatalf("Version = %d, want 3", after.Version)
	}

	if _, err := rooms.Redo(ctx, "doc", "s1"); err != nil {
		t.Fatalf("Redo() error = %v", err)
	}
	redone, _ := rooms.Sync(ctx, "doc", 0)
	if ids := clipIDs(redone.Clips); !reflect.DeepEqual(ids, []string{"a", "x", "y", "b", "c"}) {
		t.Fatalf("clips after redo = %v", ids)
	}
}

func TestRooms_HistoryEmpty(t *testing.T) {
	rooms := newTestRooms(t, nil, nil)
	if _, err := rooms.Undo(context.Background(), "doc", "s1"); !errors.Is(err, ErrHistoryEmpty) {
		t.Fatalf("Undo() error = %v, want ErrHistoryEmpty", err)
	}
	if _, err := rooms.Redo(context.Background(), "doc", "s1"); !errors.Is(err, ErrHistoryEmpty) {
		t.Fatalf("Redo() error = %v, want ErrHistoryEmpty", err)
	}
}

func TestRooms_NewEditClearsRedo(t *testing.T) {
	ctx := context.Background()
	rooms := newTestRooms(t, nil, nil)
	_, _ = rooms.Submit(ctx, "doc", "s1", []ot.Operation{insertOp(0, 0, "a")})
	_, _ = rooms.Undo(ctx, "doc", "s1")
	_, _ = rooms.Submit(ctx, "doc", "s1", []ot.Operation{insertOp(2, 0, "b")})

	undo, redo, err := rooms.HistoryDepths(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	if undo != 1 || redo != 0 {
		t.Fatalf("depths = %d/%d, want 1/0", undo, redo)
	}
}

func TestRooms_BroadcastsToOtherMembers(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	rooms := newTestRooms(t, rec, nil)
	for _, sid := range []string{"s1", "s2", "s3"} {
		if _, err := rooms.Join(ctx, "doc", sid); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := rooms.Submit(ctx, "doc", "s1", []ot.Operation{insertOp(0, 0, "a")}); err != nil {
		t.Fatal(err)
	}

	if got := rec.of("s1"); len(got) != 0 {
		t.Fatalf("origin received %d notifications", len(got))
	}
	for _, sid := range []string{"s2", "s3"} {
		got := rec.of(sid)
		if len(got) != 1 || got[0].Action != protocol.ActionOperationApplied {
			t.Fatalf("%s notifications = %+v", sid, got)
		}
		var n OperationApplied
		if err := got[0].Decode(&n); err != nil {
			t.Fatal(err)
		}
		if n.DocumentID != "doc" || n.NewVersion != 1 || n.Operation.Type != ot.OpInsert {
			t.Fatalf("notification = %+v", n)
		}
	}
}

func TestRooms_NoOpIsReportedNotFailed(t *testing.T) {
	ctx := context.Background()
	rooms := newTestRooms(t, nil, nil)
	_, _ = rooms.Submit(ctx, "doc", "s1", []ot.Operation{insertOp(0, 0, "a", "b")})
	_, _ = rooms.Submit(ctx, "doc", "s1", []ot.Operation{{Type: ot.OpDelete, OriginVersion: 1, Target: "b"}})

	text := "late"
	c, err := rooms.Submit(ctx, "doc", "s2", []ot.Operation{{Type: ot.OpUpdate, OriginVersion: 1, Target: "b", Text: &text}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !c.Operations[0].NoOp || c.Operations[0].Reason != ot.ReasonTargetMissing || c.Version != 3 {
		t.Fatalf("commit = %+v, want target_missing no-op at version 3", c)
	}
}

func TestRooms_RejectsBadOperations(t *testing.T) {
	ctx := context.Background()
	rooms := newTestRooms(t, nil, nil)
	if _, err := rooms.Submit(ctx, "doc", "s1", []ot.Operation{{Type: ot.OpInsert}}); !errors.Is(err, ot.ErrInvalidOperation) {
		t.Fatalf("empty insert error = %v", err)
	}
	if _, err := rooms.Submit(ctx, "doc", "s1", []ot.Operation{insertOp(7, 0, "a")}); !errors.Is(err, ot.ErrVersionAhead) {
		t.Fatalf("future origin error = %v", err)
	}
	if _, err := rooms.Submit(ctx, "", "s1", []ot.Operation{insertOp(0, 0, "a")}); !errors.Is(err, ErrNoDocument) {
		t.Fatalf("missing document error = %v", err)
	}
}

func TestRooms_ConcurrentSubmitsAreSerialized(t *testing.T) {
	ctx := context.Background()
	feed := NewCommitFeed(nil)
	events := feed.Subscribe("test", 256)
	rooms := newTestRooms(t, nil, feed)

	const writers, each = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				if _, err := rooms.Submit(ctx, "doc", fmt.Sprintf("s%d", w), []ot.Operation{insertOp(0, 0, id)}); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	snap, err := rooms.Sync(ctx, "doc", 0)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != writers*each || len(snap.Clips) != writers*each {
		t.Fatalf("version %d clips %d, want %d", snap.Version, len(snap.Clips), writers*each)
	}

	seen := 0
	timeout := time.After(time.Second)
	for seen < writers*each {
		select {
		case evt := <-events:
			seen++
			if evt.Version != seen || evt.BaseVersion != seen-1 || evt.EventType != EventOpCommitted {
				t.Fatalf("event %d = version %d base %d", seen, evt.Version, evt.BaseVersion)
			}
		case <-timeout:
			t.Fatalf("received %d commit events, want %d", seen, writers*each)
		}
	}
}

func TestRooms_SessionClosedLeavesRooms(t *testing.T) {
	ctx := context.Background()
	rooms := newTestRooms(t, nil, nil)
	_, _ = rooms.Join(ctx, "doc-1", "s1")
	_, _ = rooms.Join(ctx, "doc-2", "s1")
	_, _ = rooms.Join(ctx, "doc-1", "s2")

	rooms.SessionClosed("s1")

	deadline := time.Now().Add(time.Second)
	for {
		m1, _ := rooms.Members(ctx, "doc-1")
		m2, _ := rooms.Members(ctx, "doc-2")
		if reflect.DeepEqual(m1, []string{"s2"}) && len(m2) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("members after close: %v %v", m1, m2)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if docs := rooms.DocumentsOf("s1"); len(docs) != 0 {
		t.Fatalf("DocumentsOf(s1) = %v", docs)
	}
}

func TestRooms_ClosedRejectsWork(t *testing.T) {
	rooms := NewRooms(Options{})
	rooms.Close()
	if _, err := rooms.Join(context.Background(), "doc", "s1"); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("Join() after Close error = %v", err)
	}
}

func TestRooms_ExpiredSubmitDoesNotCommit(t *testing.T) {
	rooms := newTestRooms(t, newRecorder(), nil)
	r, err := rooms.getOrCreate("doc")
	if err != nil {
		t.Fatal(err)
	}

	// 房间被一个慢任务占住，后面的提交只能排队
	started, release := make(chan struct{}), make(chan struct{})
	go r.do(context.Background(), func(*roomState) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rooms.Submit(ctx, "doc", "s1", []ot.Operation{insertOp(0, 0, "a")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit() error = %v, want deadline exceeded", err)
	}
	close(release)

	snap, err := rooms.Sync(context.Background(), "doc", 0)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 0 || len(snap.Clips) != 0 || len(snap.Operations) != 0 {
		t.Fatalf("timed-out submit was committed: version %d, clips %v", snap.Version, clipIDs(snap.Clips))
	}
	if docs := rooms.DocumentsOf("s1"); len(docs) != 0 {
		t.Fatalf("timed-out submit joined the room: %v", docs)
	}
}

func TestRooms_StampsOnlyMissingTimestamps(t *testing.T) {
	rooms := newTestRooms(t, newRecorder(), nil)
	client := insertOp(0, 0, "a")
	client.Timestamp = 5
	c, err := rooms.Submit(context.Background(), "doc", "s1", []ot.Operation{client, insertOp(0, 1, "b")})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Operations[0].Timestamp; got != 5 {
		t.Fatalf("client timestamp = %v, want 5 kept", got)
	}
	if got := c.Operations[1].Timestamp; got <= 1000 {
		t.Fatalf("missing timestamp = %v, want the room clock", got)
	}
	if c.Operations[1].ID == "" || c.Operations[1].OriginSession != "s1" {
		t.Fatalf("stamped op = %+v", c.Operations[1])
	}
}
