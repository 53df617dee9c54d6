package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"realtimeCollab/backend/internal/cache"
	"realtimeCollab/backend/internal/collab"
	"realtimeCollab/backend/internal/ot"
	"realtimeCollab/backend/internal/session"
	"realtimeCollab/backend/internal/store"
)

type fixedStats struct{}

func (fixedStats) Stats() session.Stats {
	return session.Stats{Sessions: 2, ByState: map[string]int{"ACTIVE": 2}}
}

type fixedGrants struct{ err error }

func (f fixedGrants) Grants(_ context.Context, docID string) ([]store.ShareGrant, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []store.ShareGrant{{ID: 1, DocumentID: docID, Grantee: "bob", GrantedBy: "alice"}}, nil
}

type noSessions struct{}

func (noSessions) Session(string) (session.Info, error) { return session.Info{}, session.ErrNotFound }

func router(t *testing.T) (*gin.Engine, *collab.Rooms) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	feed := collab.NewCommitFeed(nil)
	feed.Subscribe("oplog", 4)
	rooms := collab.NewRooms(collab.Options{Feed: feed})
	t.Cleanup(rooms.Close)

	r := gin.New()
	h := Health{Sessions: fixedStats{}, Feed: feed, Rooms: rooms, Started: time.Now()}
	d := Documents{Rooms: rooms, Shares: fixedGrants{}, Sessions: noSessions{}}
	r.GET("/healthz", h.Healthz)
	r.GET("/documents/:id", d.GetDocument)
	r.GET("/documents/:id/shares", d.ListShares)
	r.GET("/sessions/:id", d.GetSession)
	return r, rooms
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := router(t)
	w := get(r, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Message     string            `json:"message"`
		Sessions    session.Stats     `json:"sessions"`
		Rooms       int               `json:"rooms"`
		FeedDropped map[string]uint64 `json:"feed_dropped"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Message != "ok" || body.Sessions.Sessions != 2 {
		t.Fatalf("body = %s", w.Body.String())
	}
	if _, ok := body.FeedDropped["oplog"]; !ok {
		t.Fatalf("feed_dropped = %v", body.FeedDropped)
	}
}

func TestGetDocument(t *testing.T) {
	r, rooms := router(t)
	op := ot.Operation{Type: ot.OpInsert, Clips: []ot.Clip{{ID: "a", Text: "hello"}}}
	if _, err := rooms.Submit(context.Background(), "doc", "s1", []ot.Operation{op}); err != nil {
		t.Fatal(err)
	}

	w := get(r, "/documents/doc")
	var snap collab.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || snap.Version != 1 || len(snap.Clips) != 1 || len(snap.Operations) != 0 {
		t.Fatalf("snapshot = %s", w.Body.String())
	}

	w = get(r, "/documents/doc?from_version=0")
	snap = collab.Snapshot{}
	_ = json.Unmarshal(w.Body.Bytes(), &snap)
	if len(snap.Operations) != 1 {
		t.Fatalf("operations = %s", w.Body.String())
	}

	if w := get(r, "/documents/doc?from_version=-1"); w.Code != http.StatusBadRequest {
		t.Fatalf("negative from_version status = %d", w.Code)
	}
}

func TestListSharesAndSession(t *testing.T) {
	r, _ := router(t)
	w := get(r, "/documents/doc/shares")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Grants []store.ShareGrant `json:"grants"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Grants) != 1 || body.Grants[0].Grantee != "bob" {
		t.Fatalf("body = %s", w.Body.String())
	}

	if w := get(r, "/sessions/nope"); w.Code != http.StatusNotFound {
		t.Fatalf("session status = %d", w.Code)
	}

	d := Documents{Shares: fixedGrants{err: errors.New("db down")}}
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.GET("/documents/:id/shares", d.ListShares)
	if w := get(e, "/documents/doc/shares"); w.Code != http.StatusInternalServerError {
		t.Fatalf("error status = %d", w.Code)
	}
}

func TestListPresence(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	p := cache.NewRedisPresence(rdb)
	_ = p.AddMember(context.Background(), "doc", "s1", "alice", time.Minute)

	e := gin.New()
	d := Documents{Presence: p}
	e.GET("/documents/:id/presence", d.ListPresence)
	e.GET("/presence/documents", d.ActiveDocuments)

	w := get(e, "/documents/doc/presence")
	var body struct {
		Members []cache.PresenceMember `json:"members"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if w.Code != http.StatusOK || len(body.Members) != 1 || body.Members[0].UserID != "alice" {
		t.Fatalf("presence = %d %s", w.Code, w.Body.String())
	}
	if w := get(e, "/presence/documents"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"doc"`) {
		t.Fatalf("documents = %d %s", w.Code, w.Body.String())
	}

	e = gin.New()
	e.GET("/documents/:id/presence", Documents{}.ListPresence)
	if w := get(e, "/documents/doc/presence"); w.Code != http.StatusNotFound {
		t.Fatalf("unconfigured presence status = %d", w.Code)
	}
}
