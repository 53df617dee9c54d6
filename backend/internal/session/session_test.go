package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"realtimeCollab/backend/internal/protocol"
	"realtimeCollab/backend/internal/transport"
	"realtimeCollab/backend/internal/transport/transporttest"
)

func note(id string) protocol.Envelope {
	return protocol.Envelope{ID: id, Type: protocol.TypeNotification, Action: "n"}
}

func TestPendingQueue_DropsOldestNonCritical(t *testing.T) {
	q := newPendingQueue(3)
	q.push(protocol.Envelope{ID: "hb", Type: protocol.TypeHeartbeat})
	q.push(note("n1"))
	q.push(note("n2"))

	evicted := q.push(note("n3"))
	if evicted == nil || evicted.ID != "n1" {
		t.Fatalf("evicted = %v, want n1", evicted)
	}
	if q.dropped != 1 || q.droppedCritical != 0 {
		t.Fatalf("dropped=%d critical=%d", q.dropped, q.droppedCritical)
	}
	var ids []string
	for _, e := range q.items {
		ids = append(ids, e.ID)
	}
	if fmt.Sprint(ids) != "[hb n2 n3]" {
		t.Fatalf("items = %v", ids)
	}
}

func TestPendingQueue_AllCriticalCounted(t *testing.T) {
	q := newPendingQueue(2)
	q.push(protocol.Envelope{ID: "r1", Type: protocol.TypeResponse})
	q.push(protocol.Envelope{ID: "r2", Type: protocol.TypeResponse})
	evicted := q.push(protocol.Envelope{ID: "r3", Type: protocol.TypeResponse})
	if evicted == nil || evicted.ID != "r1" {
		t.Fatalf("evicted = %v, want r1", evicted)
	}
	if q.droppedCritical != 1 {
		t.Fatalf("droppedCritical = %d, want 1", q.droppedCritical)
	}
}

func TestSession_DeliverQueuesWhileUnavailable(t *testing.T) {
	now := time.Now()
	link := transporttest.NewLink(transport.KindLongPoll, "")
	s := newSession("s1", link, 8, now)
	if _, _, err := s.Bind(link, Grant{}, nil, now, note("greet")); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	link.SetUnavailable(true)
	for i := 0; i < 3; i++ {
		d, err := s.Deliver(note(fmt.Sprintf("m%d", i)), now)
		if err != nil || !d.Queued {
			t.Fatalf("Deliver() = %+v, %v", d, err)
		}
	}
	if got := s.Info().Pending; got != 3 {
		t.Fatalf("Pending = %d, want 3", got)
	}

	link.SetUnavailable(false)
	s.Flush(now)
	want := "[greet m0 m1 m2]"
	var got []string
	for _, e := range link.Sent() {
		got = append(got, e.ID)
	}
	if fmt.Sprint(got) != want {
		t.Fatalf("sent = %v, want %v", got, want)
	}
}

func TestSession_RequeueGoesBeforeBacklog(t *testing.T) {
	now := time.Now()
	link := transporttest.NewLink(transport.KindLongPoll, "")
	s := newSession("s1", link, 8, now)
	_, _, _ = s.Bind(link, Grant{}, nil, now, note("greet"))

	link.SetUnavailable(true)
	if _, err := s.Deliver(note("m2"), now); err != nil {
		t.Fatal(err)
	}
	d, err := s.Requeue([]protocol.Envelope{note("m0"), note("m1")})
	if err != nil || !d.Queued {
		t.Fatalf("Requeue() = %+v, %v", d, err)
	}

	link.SetUnavailable(false)
	s.Flush(now)
	var got []string
	for _, e := range link.Sent() {
		got = append(got, e.ID)
	}
	if want := "[greet m0 m1 m2]"; fmt.Sprint(got) != want {
		t.Fatalf("sent = %v, want %v", got, want)
	}

	s.Close(now)
	if _, err := s.Requeue([]protocol.Envelope{note("late")}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Requeue() on closed session error = %v", err)
	}
}

func TestSession_BrokenLinkMovesToReconnecting(t *testing.T) {
	now := time.Now()
	link := transporttest.NewLink(transport.KindSocket, "")
	s := newSession("s1", link, 8, now)
	_, _, _ = s.Bind(link, Grant{}, nil, now, note("greet"))

	link.SetBroken(true)
	d, err := s.Deliver(note("m1"), now)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if d.Broken == nil || d.Broken.ID() != link.ID() {
		t.Fatalf("Broken = %v, want the link", d.Broken)
	}
	if s.State() != StateReconnecting {
		t.Fatalf("State = %v, want RECONNECTING", s.State())
	}
}

func TestSession_ExpireWalksStates(t *testing.T) {
	start := time.Now()
	p := Policy{HandshakeTimeout: time.Second, HeartbeatTimeout: 10 * time.Second, Grace: time.Minute}
	link := transporttest.NewLink(transport.KindSocket, "")
	s := newSession("s1", link, 8, start)
	_, _, _ = s.Bind(link, Grant{}, nil, start, note("greet"))

	steps := []struct {
		after time.Duration
		tr    Transition
		state State
	}{
		{15 * time.Second, TransitionNone, StateActive},
		{20 * time.Second, TransitionIdle, StateIdle},
		{25 * time.Second, TransitionNone, StateIdle},
		{30 * time.Second, TransitionClosed, StateClosed},
		{60 * time.Second, TransitionNone, StateClosed},
		{90 * time.Second, TransitionCollect, StateClosed},
	}
	for _, st := range steps {
		tr, _ := s.Expire(start.Add(st.after), p)
		if tr != st.tr || s.State() != st.state {
			t.Fatalf("after %v: transition=%v state=%v, want %v %v", st.after, tr, s.State(), st.tr, st.state)
		}
	}
}

func TestSession_TouchRevivesIdle(t *testing.T) {
	start := time.Now()
	p := Policy{HeartbeatTimeout: time.Second, Grace: time.Minute}
	link := transporttest.NewLink(transport.KindSocket, "")
	s := newSession("s1", link, 8, start)
	_, _, _ = s.Bind(link, Grant{}, nil, start, note("greet"))

	if tr, _ := s.Expire(start.Add(2*time.Second), p); tr != TransitionIdle {
		t.Fatalf("transition = %v, want idle", tr)
	}
	s.Touch(start.Add(2 * time.Second))
	if s.State() != StateActive {
		t.Fatalf("State = %v, want ACTIVE", s.State())
	}
}

func TestSession_HandshakeTimeout(t *testing.T) {
	start := time.Now()
	link := transporttest.NewLink(transport.KindSocket, "")
	s := newSession("s1", link, 8, start)
	tr, l := s.Expire(start.Add(2*time.Second), Policy{HandshakeTimeout: time.Second})
	if tr != TransitionCollect || l == nil {
		t.Fatalf("transition = %v link=%v, want collect with link", tr, l)
	}
}

func TestSession_DetachIgnoresStaleLink(t *testing.T) {
	now := time.Now()
	oldLink := transporttest.NewLink(transport.KindSocket, "")
	newLink := transporttest.NewLink(transport.KindSocket, "")
	s := newSession("s1", oldLink, 8, now)
	_, _, _ = s.Bind(oldLink, Grant{}, nil, now, note("greet"))
	replaced, _, _ := s.Bind(newLink, Grant{}, nil, now, note("greet2"))
	if replaced == nil || replaced.ID() != oldLink.ID() {
		t.Fatalf("replaced = %v", replaced)
	}
	if _, ok := s.Detach(oldLink, now); ok {
		t.Fatalf("Detach(old) should be ignored after rebind")
	}
	if s.State() != StateActive {
		t.Fatalf("State = %v, want ACTIVE", s.State())
	}
}
