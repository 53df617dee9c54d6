package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"realtimeCollab/backend/internal/duplex"
	"realtimeCollab/backend/internal/protocol"
	"realtimeCollab/backend/internal/session"
)

type echoGrant struct{}

// Resolve 凭证原样作为用户 id
func (echoGrant) Resolve(_ context.Context, credential string) (session.Grant, error) {
	return session.Grant{UserID: credential, Permissions: session.NewPermissions("view")}, nil
}

func startServer(t *testing.T) (*httptest.Server, *duplex.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	codecs, err := protocol.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	engine := duplex.New(session.NewRegistry(session.Options{}), duplex.Options{Permissions: echoGrant{}})
	engine.OnReceive(func(_ context.Context, sid string, env protocol.Envelope) {
		reply, _ := env.Reply(protocol.TypeResponse, protocol.Success(map[string]string{"echo": env.Action}, "ok"))
		_ = engine.Send(sid, reply)
	})
	m := NewManager(codecs, Options{})
	if err := engine.RegisterAdapter(m.Kind(), m); err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	r.GET("/collab/ws", m.WebSocketConnect)
	srv := httptest.NewServer(r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	deadline := time.Now().Add(time.Second)
	for !m.running() {
		if time.Now().After(deadline) {
			t.Fatal("socket adapter did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, engine
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws" + query
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v (resp %v)", err, resp)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readJSON(t *testing.T, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := c.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return env
}

func TestManager_TextHandshakeAndCommand(t *testing.T) {
	srv, engine := startServer(t)
	c := dial(t, srv, "?token=alice")

	if env := readJSON(t, c); env.Action != protocol.ActionConnectionEstablished {
		t.Fatalf("first frame = %+v", env)
	}
	reg, _ := protocol.New(protocol.TypeRequest, protocol.ActionRegister, protocol.RegisterRequest{Capabilities: []string{"json"}})
	if err := c.WriteJSON(reg); err != nil {
		t.Fatal(err)
	}
	resp := readJSON(t, c)
	if resp.ID != reg.ID || resp.Action != protocol.ActionRegistrationResponse {
		t.Fatalf("registration = %+v", resp)
	}
	var r protocol.Registration
	_ = resp.Decode(&r)
	if user, _ := engine.UserOf(r.SessionID); user != "alice" {
		t.Fatalf("credential not carried from query: user = %q", user)
	}

	cmd, _ := protocol.New(protocol.TypeRequest, "commands", nil)
	_ = c.WriteJSON(cmd)
	echo := readJSON(t, c)
	if echo.ID != cmd.ID || echo.Action != "commands_response" || echo.SessionID != r.SessionID {
		t.Fatalf("echo = %+v", echo)
	}
}

func TestManager_BinaryFramesUseCBOR(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv, "?token=bob")
	_ = readJSON(t, c)

	codec, err := protocol.CBOR()
	if err != nil {
		t.Fatal(err)
	}
	reg, _ := protocol.New(protocol.TypeRequest, protocol.ActionRegister, protocol.RegisterRequest{Capabilities: []string{"cbor"}})
	data, err := codec.Marshal(reg)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatal(err)
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, payload, err := c.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("reply frame kind = %d, want binary", kind)
	}
	var resp protocol.Envelope
	if err := codec.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("decode CBOR reply: %v", err)
	}
	var r protocol.Registration
	if err := resp.Decode(&r); err != nil || !r.Success || resp.ID != reg.ID {
		t.Fatalf("registration = %+v (%v)", r, err)
	}
}

func TestManager_UndecodableFrameKeepsConnection(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv, "")
	_ = readJSON(t, c)

	_ = c.WriteMessage(websocket.TextMessage, []byte("{not json"))
	if env := readJSON(t, c); env.Type != protocol.TypeError {
		t.Fatalf("reply = %+v", env)
	}

	reg, _ := protocol.New(protocol.TypeRequest, protocol.ActionRegister, nil)
	_ = c.WriteJSON(reg)
	if env := readJSON(t, c); env.Action != protocol.ActionRegistrationResponse {
		t.Fatalf("connection unusable after bad frame: %+v", env)
	}
}

func TestManager_CloseMovesSessionToReconnecting(t *testing.T) {
	srv, engine := startServer(t)
	c := dial(t, srv, "?token=carol")
	_ = readJSON(t, c)
	reg, _ := protocol.New(protocol.TypeRequest, protocol.ActionRegister, nil)
	_ = c.WriteJSON(reg)
	var r protocol.Registration
	_ = readJSON(t, c).Decode(&r)

	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := engine.Session(r.SessionID)
		if err == nil && info.State == "RECONNECTING" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session state = %+v (%v)", info, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManager_RejectsBeforeServe(t *testing.T) {
	gin.SetMode(gin.TestMode)
	codecs, _ := protocol.NewRegistry()
	m := NewManager(codecs, Options{})
	r := gin.New()
	r.GET("/collab/ws", m.WebSocketConnect)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/collab/ws", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
}
