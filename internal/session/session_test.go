package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/luciancaetano/kephaschat"
	"github.com/luciancaetano/kephaschat/internal/broadcast"
	"github.com/luciancaetano/kephaschat/internal/conntest"
	"github.com/luciancaetano/kephaschat/internal/protocol"
	"github.com/luciancaetano/kephaschat/internal/registry"
)

const waitTimeout = 2 * time.Second

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t        *testing.T
	registry *registry.Registry
	relay    *Relay

	mu   sync.Mutex
	done map[string]chan struct{}
}

func newHarness(t *testing.T, wrap func(Broadcaster) Broadcaster) *harness {
	t.Helper()

	reg := registry.New(nil)
	var b Broadcaster = broadcast.New(reg, broadcast.Config{SendTimeout: 500 * time.Millisecond}, nil)
	if wrap != nil {
		b = wrap(b)
	}

	return &harness{
		t:        t,
		registry: reg,
		relay:    NewRelay(reg, b, Config{Clock: func() time.Time { return fixedTime }}, nil),
		done:     make(map[string]chan struct{}),
	}
}

// connect starts a session for a new connection
func (h *harness) connect(id string) *conntest.Conn {
	conn := conntest.NewConn(id)
	done := make(chan struct{})

	h.mu.Lock()
	h.done[id] = done
	h.mu.Unlock()

	go func() {
		defer close(done)
		h.relay.ServeConn(context.Background(), conn)
	}()

	h.t.Cleanup(func() {
		_ = conn.Close(context.Background())
		<-done
	})
	return conn
}

// waitEnded waits for the session of conn to return
func (h *harness) waitEnded(conn *conntest.Conn) {
	h.t.Helper()

	h.mu.Lock()
	done := h.done[conn.ID()]
	h.mu.Unlock()

	select {
	case <-done:
	case <-time.After(waitTimeout):
		h.t.Fatalf("session %s did not end", conn.ID())
	}
}

// login logs conn in and waits for login_success
func (h *harness) login(conn *conntest.Conn, nickname string) {
	h.t.Helper()

	before := len(conn.Sent())
	conn.PushJSON(h.t, map[string]string{"type": "login", "nickname": nickname})
	envs := conn.WaitSent(h.t, before+1, waitTimeout)
	if got := envs[before]; got.Type() != kephaschat.TypeLoginSuccess {
		h.t.Fatalf("login %s: got %v, want login_success", nickname, got)
	}
}

// quiet asserts that conn receives nothing more for a short while
func quiet(t *testing.T, conn *conntest.Conn, want int) {
	t.Helper()

	time.Sleep(50 * time.Millisecond)
	if got := len(conn.Sent()); got != want {
		t.Errorf("conn %s has %d frames, want %d: %v", conn.ID(), got, want, conn.Envelopes(t))
	}
}

// TestChatScenario tests the login, duplicate, join, chat and departure flow
func TestChatScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	a := h.connect("a")
	b := h.connect("b")

	// A logs in as alice
	a.PushJSON(t, map[string]string{"type": "login", "nickname": "alice"})
	envs := a.WaitSent(t, 1, waitTimeout)
	if envs[0].Type() != kephaschat.TypeLoginSuccess || envs[0].Field("nickname") != "alice" {
		t.Fatalf("A got %v, want login_success for alice", envs[0])
	}
	if got := envs[0].Users(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("login_success users = %v, want [alice]", got)
	}

	// B tries alice
	b.PushJSON(t, map[string]string{"type": "login", "nickname": "alice"})
	envs = b.WaitSent(t, 1, waitTimeout)
	if envs[0].Type() != kephaschat.TypeError || envs[0].Field("message") != kephaschat.ErrNicknameTaken {
		t.Fatalf("B got %v, want duplicate nickname error", envs[0])
	}
	if h.registry.Len() != 1 {
		t.Errorf("registry Len() = %d after rejected login, want 1", h.registry.Len())
	}

	// B logs in as bob with join
	b.PushJSON(t, map[string]string{"type": "join", "nickname": "bob"})
	envs = b.WaitSent(t, 2, waitTimeout)
	if envs[1].Type() != kephaschat.TypeLoginSuccess || envs[1].Field("nickname") != "bob" {
		t.Fatalf("B got %v, want login_success for bob", envs[1])
	}
	if got := envs[1].Users(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Errorf("login_success users = %v, want [alice bob]", got)
	}

	envs = a.WaitSent(t, 2, waitTimeout)
	joined := envs[1]
	if joined.Type() != kephaschat.TypeUserJoined || joined.Field("nickname") != "bob" {
		t.Fatalf("A got %v, want user_joined for bob", joined)
	}
	if joined.Field("message") != "bob joined the chat" {
		t.Errorf("user_joined message = %q", joined.Field("message"))
	}
	if joined.Field("timestamp") != protocol.FormatTimestamp(fixedTime) {
		t.Errorf("user_joined timestamp = %q", joined.Field("timestamp"))
	}
	if got := joined.Users(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Errorf("user_joined users = %v", got)
	}
	quiet(t, b, 2) // self excluded from the join notice

	// A chats, both receive it
	a.PushJSON(t, map[string]string{"type": "message", "content": "hello"})
	for _, conn := range []*conntest.Conn{a, b} {
		envs := conn.WaitSent(t, 3, waitTimeout)
		msg := envs[2]
		if msg.Type() != kephaschat.TypeMessage || msg.Field("username") != "alice" || msg.Field("message") != "hello" {
			t.Errorf("conn %s got %v, want alice's hello", conn.ID(), msg)
		}
		if msg.Field("timestamp") != protocol.FormatTimestamp(fixedTime) {
			t.Errorf("message timestamp = %q", msg.Field("timestamp"))
		}
	}

	// A disconnects
	a.Hangup()
	h.waitEnded(a)

	envs = b.WaitSent(t, 4, waitTimeout)
	left := envs[3]
	if left.Type() != kephaschat.TypeUserLeft || left.Field("nickname") != "alice" {
		t.Fatalf("B got %v, want user_left for alice", left)
	}
	if got := left.Users(); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("user_left users = %v, want [bob]", got)
	}
	if left.Field("message") != "alice left the chat" {
		t.Errorf("user_left message = %q", left.Field("message"))
	}

	// alice is free again
	c := h.connect("c")
	h.login(c, "alice")
}

// TestLoginValidation tests the rejected login paths
func TestLoginValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		frame   string
		wantMsg string
	}{
		{"empty nickname", `{"type":"login","nickname":""}`, kephaschat.ErrNicknameEmpty},
		{"missing nickname", `{"type":"join"}`, kephaschat.ErrNicknameEmpty},
		{"whitespace nickname", `{"type":"login","nickname":"   "}`, kephaschat.ErrNicknameEmpty},
		{"malformed json", `{"type":"login",`, kephaschat.ErrInvalidMessageFormat},
		{"not an object", `"alice"`, kephaschat.ErrInvalidMessageFormat},
		{"nickname not a string", `{"type":"login","nickname":42}`, kephaschat.ErrNicknameEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			conn := h.connect("a")

			conn.Push(tt.frame)
			envs := conn.WaitSent(t, 1, waitTimeout)
			if envs[0].Type() != kephaschat.TypeError || envs[0].Field("message") != tt.wantMsg {
				t.Errorf("got %v, want error %q", envs[0], tt.wantMsg)
			}
			if h.registry.Len() != 0 {
				t.Errorf("registry Len() = %d, want 0", h.registry.Len())
			}

			// the session is still usable
			h.login(conn, "alice")
		})
	}
}

// TestLoginTrimsNickname tests that surrounding whitespace is not part of the nickname
func TestLoginTrimsNickname(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect("a")

	conn.PushJSON(t, map[string]string{"type": "login", "nickname": "  alice "})
	envs := conn.WaitSent(t, 1, waitTimeout)
	if envs[0].Field("nickname") != "alice" {
		t.Errorf("nickname = %q, want alice", envs[0].Field("nickname"))
	}
}

// TestLoginTwice tests that an authenticated connection cannot change nickname
func TestLoginTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect("a")
	h.login(conn, "alice")

	conn.PushJSON(t, map[string]string{"type": "login", "nickname": "alice2"})
	envs := conn.WaitSent(t, 2, waitTimeout)
	if envs[1].Type() != kephaschat.TypeError || envs[1].Field("message") != kephaschat.ErrAlreadyLoggedIn {
		t.Errorf("got %v, want already logged in error", envs[1])
	}
	if got := h.registry.Nicknames(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("Nicknames() = %v, want [alice]", got)
	}
}

// TestChatBeforeLoginIgnored tests that unauthenticated chat has no effect
func TestChatBeforeLoginIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	watcher := h.connect("w")
	h.login(watcher, "watcher")

	conn := h.connect("a")
	conn.PushJSON(t, map[string]string{"type": "message", "content": "sneaky"})
	conn.PushJSON(t, map[string]string{"content": "sneaky"})

	quiet(t, conn, 0)
	quiet(t, watcher, 1)
}

// TestChatContentRules tests which payloads become chat messages
func TestChatContentRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame string
		want  string // empty means nothing is broadcast
	}{
		{"content field", `{"type":"message","content":"hi"}`, "hi"},
		{"message field fallback", `{"type":"message","message":"hi"}`, "hi"},
		{"untagged content", `{"content":"hi"}`, "hi"},
		{"trimmed", `{"type":"message","content":"  hi  "}`, "hi"},
		{"whitespace only", `{"type":"message","content":"   "}`, ""},
		{"empty", `{"type":"message","content":""}`, ""},
		{"untagged message field", `{"message":"hi"}`, ""},
		{"unknown type", `{"type":"typing","nickname":"x"}`, ""},
		{"command still broadcast", `{"type":"message","content":"@电影 inception"}`, "@电影 inception"},
		{"unknown command still broadcast", `{"type":"message","content":"@nope x"}`, "@nope x"},
		{"client extra fields", `{"type":"message","nickname":"mallory","content":"hi","timestamp":1700000000000}`, "hi"},
		{"nickname not a string", `{"type":"message","content":"hi","nickname":42}`, "hi"},
		{"timestamp as string", `{"type":"message","content":"hi","timestamp":"now"}`, "hi"},
		{"type not a string", `{"type":7}`, ""},
		{"null fields", `{"type":null,"content":null}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			conn := h.connect("a")
			h.login(conn, "alice")

			conn.Push(tt.frame)

			if tt.want == "" {
				quiet(t, conn, 1)
				return
			}

			envs := conn.WaitSent(t, 2, waitTimeout)
			if envs[1].Type() != kephaschat.TypeMessage || envs[1].Field("message") != tt.want {
				t.Errorf("got %v, want message %q", envs[1], tt.want)
			}
			if envs[1].Field("username") != "alice" {
				t.Errorf("username = %q, want alice", envs[1].Field("username"))
			}
		})
	}
}

// TestChatTextNotString tests that chat text of the wrong JSON type is a
// processing error and the session continues
func TestChatTextNotString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame string
	}{
		{"number content", `{"type":"message","content":5}`},
		{"array content", `{"content":[1]}`},
		{"object message", `{"type":"message","message":{"text":"hi"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			conn := h.connect("a")
			h.login(conn, "alice")

			conn.Push(tt.frame)
			envs := conn.WaitSent(t, 2, waitTimeout)
			if envs[1].Type() != kephaschat.TypeError || envs[1].Field("message") != kephaschat.ErrProcessingFailed {
				t.Fatalf("got %v, want processing error", envs[1])
			}

			conn.PushJSON(t, map[string]string{"content": "after"})
			envs = conn.WaitSent(t, 3, waitTimeout)
			if envs[2].Field("message") != "after" {
				t.Errorf("got %v, want after", envs[2])
			}
		})
	}
}

// TestChatTextNotStringBeforeLogin tests that unauthenticated chat frames
// stay ignored whatever their payload
func TestChatTextNotStringBeforeLogin(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect("a")

	conn.Push(`{"type":"message","content":5}`)
	quiet(t, conn, 0)
}

// TestPerSenderOrdering tests that one sender's messages arrive in order
func TestPerSenderOrdering(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	a := h.connect("a")
	b := h.connect("b")
	h.login(a, "alice")
	h.login(b, "bob")

	const count = 50
	for i := 0; i < count; i++ {
		a.PushJSON(t, map[string]string{"content": fmt.Sprintf("m%d", i)})
	}

	// b: login_success + count messages
	envs := b.WaitSent(t, 1+count, waitTimeout)
	for i := 0; i < count; i++ {
		if got := envs[1+i].Field("message"); got != fmt.Sprintf("m%d", i) {
			t.Fatalf("message %d = %q, out of order", i, got)
		}
	}
}

// TestUnauthenticatedDisconnect tests that leaving before login is silent
func TestUnauthenticatedDisconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	watcher := h.connect("w")
	h.login(watcher, "watcher")

	conn := h.connect("a")
	conn.Hangup()
	h.waitEnded(conn)

	quiet(t, watcher, 1)
}

// TestReplyFailureEndsSession tests that a failed direct reply is a
// transport fault
func TestReplyFailureEndsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect("a")
	conn.FailSends(errors.New("broken pipe"))

	conn.Push(`not json`)
	h.waitEnded(conn)
}

// TestLoginSuccessFailureReleasesNickname tests that a session that cannot
// be told about its login still leaves the registry clean
func TestLoginSuccessFailureReleasesNickname(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect("a")
	conn.FailSends(errors.New("broken pipe"))

	conn.PushJSON(t, map[string]string{"type": "login", "nickname": "alice"})
	h.waitEnded(conn)

	if h.registry.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", h.registry.Len())
	}
}

// TestEvictedSessionLeavesSilently tests that eviction does not cascade into
// a departure broadcast
func TestEvictedSessionLeavesSilently(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	a := h.connect("a")
	b := h.connect("b")
	h.login(a, "alice")
	h.login(b, "bob")
	a.WaitSent(t, 2, waitTimeout) // login_success + bob joined

	b.FailSends(errors.New("broken pipe"))
	a.PushJSON(t, map[string]string{"content": "hello"})

	a.WaitSent(t, 3, waitTimeout)
	h.waitEnded(b)

	if got := h.registry.Nicknames(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("Nicknames() = %v, want [alice]", got)
	}
	quiet(t, a, 3)
}

// interleavingBroadcaster runs a broadcast from another sender right before
// login_success is handed to the joining conn
type interleavingBroadcaster struct {
	Broadcaster
	joining string
	during  protocol.Envelope
}

func (b interleavingBroadcaster) Send(ctx context.Context, conn kephaschat.Conn, env protocol.Envelope) error {
	if _, ok := env.(protocol.LoginSuccessEnvelope); ok && conn.ID() == b.joining {
		b.Broadcaster.Broadcast(ctx, b.during)
	}
	return b.Broadcaster.Send(ctx, conn, env)
}

// TestLoginSuccessPrecedesBroadcasts tests that a joining conn gets
// login_success before any broadcast, and misses broadcasts made while its
// login is in flight
func TestLoginSuccessPrecedesBroadcasts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(b Broadcaster) Broadcaster {
		return interleavingBroadcaster{
			Broadcaster: b,
			joining:     "b",
			during:      protocol.NewChat("alice", "mid-login", fixedTime),
		}
	})
	a := h.connect("a")
	b := h.connect("b")
	h.login(a, "alice")
	h.login(b, "bob")

	// alice: login_success, mid-login, bob joined
	envs := a.WaitSent(t, 3, waitTimeout)
	if envs[1].Field("message") != "mid-login" {
		t.Errorf("alice frame 1 = %v, want mid-login", envs[1])
	}
	if envs[2].Type() != kephaschat.TypeUserJoined || envs[2].Field("nickname") != "bob" {
		t.Errorf("alice frame 2 = %v, want bob joined", envs[2])
	}

	envs = b.WaitSent(t, 1, waitTimeout)
	if envs[0].Type() != kephaschat.TypeLoginSuccess {
		t.Fatalf("bob frame 0 = %v, want login_success", envs[0])
	}
	if got := envs[0].Users(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Errorf("login_success users = %v, want [alice bob]", got)
	}
	quiet(t, b, 1)
}

type panickyBroadcaster struct {
	Broadcaster
}

func (p panickyBroadcaster) Broadcast(ctx context.Context, env protocol.Envelope, exclude ...kephaschat.Conn) {
	if chat, ok := env.(protocol.ChatEnvelope); ok && chat.Message == "boom" {
		panic("boom")
	}
	p.Broadcaster.Broadcast(ctx, env, exclude...)
}

// TestInternalFaultRecovered tests that a panic while handling a message is
// reported to the sender and the session continues
func TestInternalFaultRecovered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(b Broadcaster) Broadcaster { return panickyBroadcaster{b} })
	conn := h.connect("a")
	h.login(conn, "alice")

	conn.PushJSON(t, map[string]string{"content": "boom"})
	envs := conn.WaitSent(t, 2, waitTimeout)
	if envs[1].Type() != kephaschat.TypeError || envs[1].Field("message") != kephaschat.ErrProcessingFailed {
		t.Fatalf("got %v, want generic processing error", envs[1])
	}

	conn.PushJSON(t, map[string]string{"content": "fine"})
	envs = conn.WaitSent(t, 3, waitTimeout)
	if envs[2].Field("message") != "fine" {
		t.Errorf("got %v, want fine", envs[2])
	}
}

// TestConcurrentLoginsSameNickname tests that only one session wins a nickname
func TestConcurrentLoginsSameNickname(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	const contenders = 20
	conns := make([]*conntest.Conn, contenders)
	for i := range conns {
		conns[i] = h.connect(fmt.Sprintf("c%d", i))
	}
	for _, conn := range conns {
		conn.PushJSON(t, map[string]string{"type": "login", "nickname": "alice"})
	}

	wins := 0
	for _, conn := range conns {
		envs := conn.WaitSent(t, 1, waitTimeout)
		switch envs[0].Type() {
		case kephaschat.TypeLoginSuccess:
			wins++
		case kephaschat.TypeError:
		default:
			t.Errorf("unexpected first frame %v", envs[0])
		}
	}

	if wins != 1 {
		t.Errorf("%d sessions won the nickname, want 1", wins)
	}
}

// TestServeConnContextCancel tests that cancelling the serve context ends
// the session with the departure sequence
func TestServeConnContextCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	watcher := h.connect("w")
	h.login(watcher, "watcher")

	conn := conntest.NewConn("a")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.relay.ServeConn(ctx, conn)
	}()

	conn.PushJSON(t, map[string]string{"type": "login", "nickname": "alice"})
	conn.WaitSent(t, 1, waitTimeout)
	cancel()

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("ServeConn did not return after cancel")
	}

	envs := watcher.WaitSent(t, 3, waitTimeout) // login_success, joined, left
	if envs[2].Type() != kephaschat.TypeUserLeft {
		t.Errorf("got %v, want user_left", envs[2])
	}
}

// TestStateString tests the state names
func TestStateString(t *testing.T) {
	t.Parallel()

	tests := map[State]string{
		StateUnauthenticated: "unauthenticated",
		StateAuthenticated:   "authenticated",
		StateTerminated:      "terminated",
		State(9):             "State(9)",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}

// TestSessionStateTransitions tests the state machine directly
func TestSessionStateTransitions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := conntest.NewConn("a")
	s := newSession(h.relay, conn)
	ctx := context.Background()

	if s.State() != StateUnauthenticated {
		t.Fatalf("initial state = %v", s.State())
	}

	if err := s.handle(ctx, []byte(`{"type":"login","nickname":""}`)); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if s.State() != StateUnauthenticated {
		t.Errorf("state after empty login = %v", s.State())
	}

	if err := s.handle(ctx, []byte(`{"type":"login","nickname":"alice"}`)); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if s.State() != StateAuthenticated {
		t.Errorf("state after login = %v", s.State())
	}

	s.terminate(ctx)
	if s.State() != StateTerminated {
		t.Errorf("state after terminate = %v", s.State())
	}
	if h.registry.Len() != 0 {
		t.Errorf("registry Len() = %d after terminate", h.registry.Len())
	}
}

// TestRelayCommandsNormalized tests command set construction
func TestRelayCommandsNormalized(t *testing.T) {
	t.Parallel()

	relay := NewRelay(registry.New(nil), nil, Config{Commands: []string{" @Movie ", "", "@电影"}}, nil)

	for _, cmd := range []string{"@movie", "@电影"} {
		if _, ok := relay.commands[cmd]; !ok {
			t.Errorf("command %q not recognized", cmd)
		}
	}
	if len(relay.commands) != 2 {
		t.Errorf("len(commands) = %d, want 2", len(relay.commands))
	}

	def := NewRelay(registry.New(nil), nil, Config{}, nil)
	if len(def.commands) != len(DefaultCommands) {
		t.Errorf("default commands = %v", def.commands)
	}
}
