package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jklint/chatterd/internal/metrics"
)

// fakeSession records every delivered event; flip fail to simulate a dead
// transport.
type fakeSession struct {
	id     string
	userID string

	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func newFakeSession(id, userID string) *fakeSession {
	return &fakeSession{id: id, userID: userID}
}

func (s *fakeSession) ID() string     { return s.id }
func (s *fakeSession) UserID() string { return s.userID }

func (s *fakeSession) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("connection gone")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type()
	}
	return out
}

func (s *fakeSession) countType(typ string) int {
	n := 0
	for _, t := range s.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestHub() *Hub {
	return New(30*time.Second, metrics.Nop())
}

func TestConnectGreetsAndAnnounces(t *testing.T) {
	h := newTestHub()

	watcher := newFakeSession("s-watch", "bob")
	h.Connect(watcher, "bob", nil)
	if !h.JoinChat(watcher, "chat-1") {
		t.Fatal("JoinChat refused a connected session")
	}

	alice := newFakeSession("s-alice", "alice")
	h.Connect(alice, "alice", []string{"chat-1", "chat-2"})

	if got := alice.types(); len(got) == 0 || got[0] != "connected" {
		t.Fatalf("first frame = %v, want connected", got)
	}
	if n := watcher.countType("user_online"); n != 1 {
		t.Errorf("watcher got %d user_online frames, want 1", n)
	}
	if !h.IsUserOnline("alice") {
		t.Error("IsUserOnline(alice) = false after Connect")
	}
}

func TestJoinLeaveConfirmations(t *testing.T) {
	h := newTestHub()
	s := newFakeSession("s1", "alice")
	h.Connect(s, "alice", nil)

	if !h.JoinChat(s, "chat-1") {
		t.Fatal("JoinChat returned false")
	}
	h.LeaveChat(s, "chat-1")

	types := s.types()
	if len(types) != 3 || types[1] != "chat_joined" || types[2] != "chat_left" {
		t.Fatalf("frames = %v, want [connected chat_joined chat_left]", types)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	h := newTestHub()
	ghost := newFakeSession("ghost", "nobody")
	if h.JoinChat(ghost, "chat-1") {
		t.Fatal("JoinChat accepted a session that never connected")
	}
}

func TestBroadcastReachesOnlyJoined(t *testing.T) {
	h := newTestHub()

	in := newFakeSession("in", "alice")
	out := newFakeSession("out", "bob")
	h.Connect(in, "alice", nil)
	h.Connect(out, "bob", nil)
	h.JoinChat(in, "chat-1")

	h.BroadcastToChat("chat-1", Typing("chat-1", "carol", true))

	if n := in.countType("typing"); n != 1 {
		t.Errorf("joined session got %d typing frames, want 1", n)
	}
	if n := out.countType("typing"); n != 0 {
		t.Errorf("unjoined session got %d typing frames, want 0", n)
	}
}

func TestBroadcastExceptSkipsAllDevicesOfUser(t *testing.T) {
	h := newTestHub()

	phone := newFakeSession("phone", "alice")
	laptop := newFakeSession("laptop", "alice")
	bob := newFakeSession("bob", "bob")
	for _, s := range []*fakeSession{phone, laptop, bob} {
		h.Connect(s, s.userID, nil)
		h.JoinChat(s, "chat-1")
	}

	h.BroadcastToChatExcept("chat-1", Typing("chat-1", "alice", true), "alice")

	if phone.countType("typing") != 0 || laptop.countType("typing") != 0 {
		t.Error("typing echoed back to the author's own devices")
	}
	if bob.countType("typing") != 1 {
		t.Errorf("bob got %d typing frames, want 1", bob.countType("typing"))
	}
}

func TestSendToUserHitsEveryDevice(t *testing.T) {
	h := newTestHub()
	phone := newFakeSession("phone", "alice")
	laptop := newFakeSession("laptop", "alice")
	h.Connect(phone, "alice", nil)
	h.Connect(laptop, "alice", nil)

	h.SendToUser("alice", ReadReceipt("chat-1", "bob", []string{"m1"}))

	if phone.countType("read_receipt") != 1 || laptop.countType("read_receipt") != 1 {
		t.Errorf("devices got %d/%d read_receipt frames, want 1/1",
			phone.countType("read_receipt"), laptop.countType("read_receipt"))
	}
}

func TestSendToUserExceptChat(t *testing.T) {
	h := newTestHub()
	inRoom := newFakeSession("in", "alice")
	elsewhere := newFakeSession("out", "alice")
	h.Connect(inRoom, "alice", nil)
	h.Connect(elsewhere, "alice", nil)
	h.JoinChat(inRoom, "chat-1")

	h.SendToUserExceptChat("alice", "chat-1", Ping())

	if n := inRoom.countType("ping"); n != 0 {
		t.Errorf("in-room session got %d pings, want 0", n)
	}
	if n := elsewhere.countType("ping"); n != 1 {
		t.Errorf("out-of-room session got %d pings, want 1", n)
	}
}

func TestOfflineOnlyAfterLastDisconnect(t *testing.T) {
	h := newTestHub()

	watcher := newFakeSession("w", "bob")
	h.Connect(watcher, "bob", nil)
	h.JoinChat(watcher, "chat-1")

	phone := newFakeSession("phone", "alice")
	laptop := newFakeSession("laptop", "alice")
	h.Connect(phone, "alice", []string{"chat-1"})
	h.Connect(laptop, "alice", []string{"chat-1"})

	h.Disconnect(phone, "alice", []string{"chat-1"})
	if n := watcher.countType("user_offline"); n != 0 {
		t.Fatalf("user_offline after first disconnect, want none (got %d)", n)
	}
	if !h.IsUserOnline("alice") {
		t.Fatal("alice offline while laptop session still live")
	}

	h.Disconnect(laptop, "alice", []string{"chat-1"})
	if n := watcher.countType("user_offline"); n != 1 {
		t.Errorf("watcher got %d user_offline frames, want 1", n)
	}
	if h.IsUserOnline("alice") {
		t.Error("alice still online after last disconnect")
	}
}

func TestDisconnectTwiceIsHarmless(t *testing.T) {
	h := newTestHub()
	s := newFakeSession("s", "alice")
	h.Connect(s, "alice", nil)
	h.Disconnect(s, "alice", nil)
	h.Disconnect(s, "alice", nil)
	if h.SessionCount() != 0 {
		t.Errorf("SessionCount = %d, want 0", h.SessionCount())
	}
}

func TestFailedSendPurgesSession(t *testing.T) {
	h := newTestHub()

	dead := newFakeSession("dead", "alice")
	live := newFakeSession("live", "bob")
	h.Connect(dead, "alice", nil)
	h.Connect(live, "bob", nil)
	h.JoinChat(dead, "chat-1")
	h.JoinChat(live, "chat-1")

	dead.mu.Lock()
	dead.fail = true
	dead.mu.Unlock()

	h.BroadcastToChat("chat-1", Typing("chat-1", "carol", true))

	if !dead.isClosed() {
		t.Error("failed session was not closed")
	}
	if h.IsUserOnline("alice") {
		t.Error("purged session still counted online")
	}
	if n := live.countType("typing"); n != 1 {
		t.Errorf("healthy session got %d frames, want 1", n)
	}

	// Purged means gone: later broadcasts must not retry it.
	h.BroadcastToChat("chat-1", Typing("chat-1", "carol", false))
	if h.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1", h.SessionCount())
	}
}

func TestSendToSessionPurgesOnFailure(t *testing.T) {
	h := newTestHub()

	sess := newFakeSession("s1", "alice")
	h.Connect(sess, "alice", nil)

	if !h.SendToSession(sess, Pong("now")) {
		t.Fatal("send to healthy session reported failure")
	}
	if n := sess.countType("pong"); n != 1 {
		t.Errorf("session got %d pong frames, want 1", n)
	}

	sess.mu.Lock()
	sess.fail = true
	sess.mu.Unlock()

	if h.SendToSession(sess, Pong("later")) {
		t.Error("send to dead session reported success")
	}
	if !sess.isClosed() {
		t.Error("failed session was not closed")
	}
	if h.IsUserOnline("alice") {
		t.Error("purged session still counted online")
	}
}

func TestSweepPingsLiveAndDropsIdle(t *testing.T) {
	h := newTestHub()

	fresh := newFakeSession("fresh", "alice")
	stale := newFakeSession("stale", "bob")
	h.Connect(fresh, "alice", nil)
	h.Connect(stale, "bob", nil)

	// Age the stale session past the 2x cutoff by hand.
	h.mu.Lock()
	h.lastSeen[stale] = time.Now().Add(-3 * h.pingInterval)
	h.mu.Unlock()

	h.sweep(time.Now())

	if n := fresh.countType("ping"); n != 1 {
		t.Errorf("fresh session got %d pings, want 1", n)
	}
	if !stale.isClosed() {
		t.Error("idle session not closed by sweep")
	}
	if h.IsUserOnline("bob") {
		t.Error("idle session still indexed after sweep")
	}
}

func TestTouchPostponesIdlePurge(t *testing.T) {
	h := newTestHub()
	s := newFakeSession("s", "alice")
	h.Connect(s, "alice", nil)

	h.mu.Lock()
	h.lastSeen[s] = time.Now().Add(-3 * h.pingInterval)
	h.mu.Unlock()
	h.Touch(s)

	h.sweep(time.Now())
	if s.isClosed() {
		t.Error("touched session was purged as idle")
	}
}

func TestOnlineUsers(t *testing.T) {
	h := newTestHub()
	h.Connect(newFakeSession("a", "alice"), "alice", nil)
	h.Connect(newFakeSession("b", "bob"), "bob", nil)

	got := h.OnlineUsers([]string{"alice", "carol", "bob"})
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("OnlineUsers = %v, want [alice bob]", got)
	}
}

func TestCloseShutsEverySession(t *testing.T) {
	h := newTestHub()
	a := newFakeSession("a", "alice")
	b := newFakeSession("b", "bob")
	h.Connect(a, "alice", nil)
	h.Connect(b, "bob", nil)

	h.Close()

	if !a.isClosed() || !b.isClosed() {
		t.Error("Close left sessions open")
	}
	if h.SessionCount() != 0 {
		t.Errorf("SessionCount = %d after Close, want 0", h.SessionCount())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := New(10*time.Millisecond, metrics.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	s := newFakeSession("s", "alice")
	h.Connect(s, "alice", nil)

	// Wait for at least one keepalive tick to reach the session.
	deadline := time.After(2 * time.Second)
	for s.countType("ping") == 0 {
		select {
		case <-deadline:
			t.Fatal("no ping delivered before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentBroadcastAndChurn(t *testing.T) {
	h := newTestHub()
	base := newFakeSession("base", "alice")
	h.Connect(base, "alice", nil)
	h.JoinChat(base, "chat-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := newFakeSession(string(rune('a'+i)), "bob")
			for j := 0; j < 50; j++ {
				h.Connect(s, "bob", nil)
				h.JoinChat(s, "chat-1")
				h.BroadcastToChat("chat-1", Ping())
				h.Disconnect(s, "bob", nil)
			}
		}(i)
	}
	wg.Wait()

	if h.SessionCount() != 1 {
		t.Errorf("SessionCount = %d after churn, want 1", h.SessionCount())
	}
}
