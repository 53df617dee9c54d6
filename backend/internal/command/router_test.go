package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"realtimeCollab/backend/internal/collab"
	"realtimeCollab/backend/internal/ot"
	"realtimeCollab/backend/internal/protocol"
	"realtimeCollab/backend/internal/session"
)

// fakeEngine 同时充当权限来源、回复通道和广播通道
type fakeEngine struct {
	mu    sync.Mutex
	perms map[string]session.Permissions
	users map[string]string
	sent  map[string][]protocol.Envelope
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		perms: make(map[string]session.Permissions),
		users: make(map[string]string),
		sent:  make(map[string][]protocol.Envelope),
	}
}

func (f *fakeEngine) add(sid, user string, perms ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perms[sid] = session.NewPermissions(perms...)
	f.users[sid] = user
}

func (f *fakeEngine) PermissionsOf(sid string) (session.Permissions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.perms[sid]
	if !ok {
		return nil, session.ErrNotFound
	}
	return p.Clone(), nil
}

func (f *fakeEngine) UserOf(sid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[sid]
	if !ok {
		return "", session.ErrNotFound
	}
	return u, nil
}

func (f *fakeEngine) Send(sid string, env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.perms[sid]; !ok {
		return session.ErrNotFound
	}
	f.sent[sid] = append(f.sent[sid], env)
	return nil
}

func (f *fakeEngine) Broadcast(ids []string, env protocol.Envelope) error {
	var errs []error
	for _, id := range ids {
		errs = append(errs, f.Send(id, env.WithSession(id)))
	}
	return errors.Join(errs...)
}

func (f *fakeEngine) of(sid string) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.sent[sid]...)
}

type grantLog struct {
	ch chan string
}

func (g *grantLog) Grant(_ context.Context, docID, grantee, grantedBy string) error {
	g.ch <- docID + ":" + grantee + ":" + grantedBy
	return nil
}

type fixture struct {
	router *Router
	rooms  *collab.Rooms
	engine *fakeEngine
	grants *grantLog
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	eng := newFakeEngine()
	rooms := collab.NewRooms(collab.Options{Notifier: eng})
	t.Cleanup(rooms.Close)
	r := NewRouter(eng, eng, opts)
	grants := &grantLog{ch: make(chan string, 8)}
	RegisterBuiltins(r, Deps{Rooms: rooms, Sessions: eng, Sender: eng, Shares: grants})
	return &fixture{router: r, rooms: rooms, engine: eng, grants: grants}
}

func request(t *testing.T, action string, data any) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(protocol.TypeRequest, action, data)
	if err != nil {
		t.Fatalf("protocol.New() error = %v", err)
	}
	return env
}

func insertEdit(doc string, origin, pos int, ids ...string) map[string]any {
	clips := make([]ot.Clip, len(ids))
	for i, id := range ids {
		clips[i] = ot.Clip{ID: id, Text: id}
	}
	return map[string]any{
		"document_id": doc,
		"operation":   ot.Operation{Type: ot.OpInsert, OriginVersion: origin, Position: pos, Clips: clips},
	}
}

func wantKind(t *testing.T, res protocol.CommandResult, kind protocol.ErrorKind) {
	t.Helper()
	if res.OK() || res.Error == nil || res.Error.Kind != kind {
		t.Fatalf("result = %+v, want %s", res, kind)
	}
}

func TestRouter_UnknownAction(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.add("s1", "u1", PermView, PermEdit)
	res := f.router.Route(context.Background(), "s1", request(t, "teleport", nil))
	wantKind(t, res, protocol.KindInvalidCommand)
}

func TestRouter_MalformedPayloadNeverReachesHandler(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.add("s1", "u1", PermView, PermEdit)
	cases := []struct {
		name string
		data any
	}{
		{"missing document", map[string]any{"operation": ot.Operation{Type: ot.OpInsert}}},
		{"missing operation", map[string]any{"document_id": "doc"}},
		{"unknown op type", map[string]any{"document_id": "doc", "operation": map[string]any{"type": "explode"}}},
		{"not an object", json.RawMessage(`[1,2,3]`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.router.Route(context.Background(), "s1", request(t, ActionEdit, tc.data))
			wantKind(t, res, protocol.KindInvalidCommand)
		})
	}
	snap, _ := f.rooms.Sync(context.Background(), "doc", 0)
	if snap.Version != 0 {
		t.Fatalf("document mutated by invalid commands, version = %d", snap.Version)
	}
}

func TestRouter_PermissionDeniedDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.engine.add("viewer", "u1", PermView)
	f.engine.add("editor", "u2", PermView, PermEdit)
	if _, err := f.rooms.Join(ctx, "doc", "editor"); err != nil {
		t.Fatal(err)
	}

	res := f.router.Route(ctx, "viewer", request(t, ActionEdit, insertEdit("doc", 0, 0, "a")))
	wantKind(t, res, protocol.KindPermissionDenied)

	snap, _ := f.rooms.Sync(ctx, "doc", 0)
	if snap.Version != 0 || len(snap.Clips) != 0 {
		t.Fatalf("document mutated: %+v", snap)
	}
	if got := f.engine.of("editor"); len(got) != 0 {
		t.Fatalf("editor received %d notifications", len(got))
	}

	res = f.router.Route(ctx, "ghost", request(t, ActionEdit, insertEdit("doc", 0, 0, "a")))
	wantKind(t, res, protocol.KindPermissionDenied)
}

func TestRouter_EditBroadcastsToOtherMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.engine.add("s1", "u1", PermView, PermEdit, PermCollaborate)
	f.engine.add("s2", "u2", PermView, PermEdit, PermCollaborate)

	for _, sid := range []string{"s1", "s2"} {
		res := f.router.Route(ctx, sid, request(t, ActionCollab, map[string]any{"command": "join", "document_id": "doc"}))
		if !res.OK() {
			t.Fatalf("join %s = %+v", sid, res)
		}
	}

	res := f.router.Route(ctx, "s1", request(t, ActionEdit, insertEdit("doc", 0, 0, "a", "b")))
	if !res.OK() {
		t.Fatalf("edit = %+v", res)
	}
	commit, ok := res.Data.(collab.Commit)
	if !ok || commit.Version != 1 || len(commit.Operations) != 1 {
		t.Fatalf("edit data = %#v", res.Data)
	}

	if got := f.engine.of("s1"); len(got) != 0 {
		t.Fatalf("submitter received its own notification: %v", got)
	}
	got := f.engine.of("s2")
	if len(got) != 1 || got[0].Action != protocol.ActionOperationApplied {
		t.Fatalf("s2 received %v", got)
	}
	var applied collab.OperationApplied
	if err := got[0].Decode(&applied); err != nil {
		t.Fatal(err)
	}
	if applied.NewVersion != 1 || applied.Operation.Type != ot.OpInsert {
		t.Fatalf("operation_applied = %+v", applied)
	}
}

func TestRouter_EditOnRemovedTargetIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.engine.add("s1", "u1", PermView, PermEdit)

	_ = f.router.Route(ctx, "s1", request(t, ActionEdit, insertEdit("doc", 0, 0, "a")))
	_ = f.router.Route(ctx, "s1", request(t, ActionEdit, map[string]any{
		"document_id": "doc",
		"operation":   map[string]any{"type": "delete", "origin_version": 1, "targets": []string{"a"}},
	}))
	// 基于版本 1 的更新，目标已被版本 2 删除
	res := f.router.Route(ctx, "s1", request(t, ActionEdit, map[string]any{
		"document_id": "doc",
		"operation":   map[string]any{"type": "update", "origin_version": 1, "target": "a", "text": "late"},
	}))
	wantKind(t, res, protocol.KindTransformConflict)
	if res.Error.Reason != ot.ReasonTargetMissing {
		t.Fatalf("reason = %q, want %q", res.Error.Reason, ot.ReasonTargetMissing)
	}

	// 重复删除是幂等的，不算冲突
	res = f.router.Route(ctx, "s1", request(t, ActionEdit, map[string]any{
		"document_id": "doc",
		"operation":   map[string]any{"type": "delete", "origin_version": 1, "targets": []string{"a"}},
	}))
	if !res.OK() {
		t.Fatalf("second delete = %+v, want success", res)
	}
}

func TestRouter_HistoryEmpty(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.add("s1", "u1", PermEdit)
	res := f.router.Route(context.Background(), "s1", request(t, ActionHistory, map[string]any{"command": "undo", "document_id": "doc"}))
	wantKind(t, res, protocol.KindInvalidCommand)
	if res.Error.Reason != "history_empty" {
		t.Fatalf("reason = %q", res.Error.Reason)
	}
}

func TestRouter_Timeout(t *testing.T) {
	f := newFixture(t, Options{Timeout: 20 * time.Millisecond})
	f.engine.add("s1", "u1")
	release := make(chan struct{})
	defer close(release)
	f.router.Register("slow", Typed(nil, func(ctx context.Context, _ string, _ struct{}) (protocol.CommandResult, error) {
		<-release
		return protocol.Success(nil, "late"), nil
	}))

	start := time.Now()
	res := f.router.Route(context.Background(), "s1", request(t, "slow", nil))
	wantKind(t, res, protocol.KindCommandTimeout)
	if time.Since(start) > time.Second {
		t.Fatalf("Route blocked for %v", time.Since(start))
	}
}

func TestRouter_PanicIsInternalError(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.add("s1", "u1")
	f.router.Register("boom", Typed(nil, func(context.Context, string, struct{}) (protocol.CommandResult, error) {
		panic("secret detail")
	}))
	res := f.router.Route(context.Background(), "s1", request(t, "boom", nil))
	wantKind(t, res, protocol.KindInternalError)
	if res.Message != "internal error" {
		t.Fatalf("message leaks internals: %q", res.Message)
	}

	// 路由在 panic 之后仍然可用
	res = f.router.Route(context.Background(), "s1", request(t, ActionCommands, nil))
	if !res.OK() {
		t.Fatalf("commands after panic = %+v", res)
	}
}

func TestRouter_HandleEnvelopeRepliesWithSameID(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.add("s1", "u1", PermView)

	req := request(t, ActionSync, map[string]any{"document_id": "doc", "from_version": 0})
	f.router.HandleEnvelope(context.Background(), "s1", req)
	bad := request(t, ActionEdit, insertEdit("doc", 0, 0, "a"))
	f.router.HandleEnvelope(context.Background(), "s1", bad)
	// 非 request 不回复
	note, _ := protocol.New(protocol.TypeNotification, ActionSync, nil)
	f.router.HandleEnvelope(context.Background(), "s1", note)

	got := f.engine.of("s1")
	if len(got) != 2 {
		t.Fatalf("replies = %d, want 2", len(got))
	}
	if got[0].ID != req.ID || got[0].Type != protocol.TypeResponse || got[0].Action != "sync_response" || got[0].SessionID != "s1" {
		t.Fatalf("sync reply = %+v", got[0])
	}
	if got[1].ID != bad.ID || got[1].Type != protocol.TypeError {
		t.Fatalf("edit reply = %+v", got[1])
	}
	var res protocol.CommandResult
	if err := got[1].Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Kind != protocol.KindPermissionDenied {
		t.Fatalf("edit reply result = %+v", res)
	}
}

func TestRouter_CommandsCatalog(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.add("s1", "u1", PermView)
	res := f.router.Route(context.Background(), "s1", request(t, ActionCommands, nil))
	if !res.OK() {
		t.Fatalf("commands = %+v", res)
	}
	data := res.Data.(map[string]any)
	allowed := map[string]bool{}
	for _, c := range data["commands"].([]CommandInfo) {
		allowed[c.Action] = c.Allowed
	}
	want := map[string]bool{
		ActionCollab:   false,
		ActionCommands: true,
		ActionEdit:     false,
		ActionHistory:  false,
		ActionSync:     true,
	}
	for action, ok := range want {
		if allowed[action] != ok {
			t.Fatalf("allowed[%s] = %v, want %v (catalog %v)", action, allowed[action], ok, allowed)
		}
	}
}

func TestRouter_ShareNotifiesTargetsAndRecordsGrants(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.add("s1", "alice", PermView, PermCollaborate)
	f.engine.add("s2", "bob", PermView)

	res := f.router.Route(context.Background(), "s1", request(t, ActionCollab, map[string]any{
		"command":     "share",
		"document_id": "doc",
		"targets":     []string{"s2", "nobody"},
	}))
	if !res.OK() {
		t.Fatalf("share = %+v", res)
	}
	out := res.Data.(ShareResult)
	if len(out.Notified) != 1 || out.Notified[0] != "s2" || len(out.Unreachable) != 1 || out.Unreachable[0] != "nobody" {
		t.Fatalf("share result = %+v", out)
	}

	got := f.engine.of("s2")
	if len(got) != 1 || got[0].Action != protocol.ActionDocumentShared {
		t.Fatalf("s2 received %v", got)
	}
	var shared protocol.DocumentShared
	_ = got[0].Decode(&shared)
	if shared.DocumentID != "doc" || shared.SharedBy != "alice" {
		t.Fatalf("document_shared = %+v", shared)
	}

	select {
	case g := <-f.grants.ch:
		if g != "doc:bob:alice" {
			t.Fatalf("grant = %q", g)
		}
	case <-time.After(time.Second):
		t.Fatal("grant was not recorded")
	}

	res = f.router.Route(context.Background(), "s1", request(t, ActionCollab, map[string]any{"command": "share", "document_id": "doc"}))
	wantKind(t, res, protocol.KindInvalidCommand)
}
