package chatservice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jklint/chatterd/internal/blob"
	"github.com/jklint/chatterd/internal/config"
	"github.com/jklint/chatterd/internal/hub"
	"github.com/jklint/chatterd/internal/metrics"
	"github.com/jklint/chatterd/internal/model"
	"github.com/jklint/chatterd/internal/security"
	"github.com/jklint/chatterd/internal/store/memory"
)

const testPassword = "Password123!"

// testSession is an in-memory hub.Session recording delivered frames.
type testSession struct {
	id     string
	userID string

	mu     sync.Mutex
	events []hub.Event
	fail   bool
}

func (s *testSession) ID() string     { return s.id }
func (s *testSession) UserID() string { return s.userID }
func (s *testSession) Close() error   { return nil }

func (s *testSession) Send(ev hub.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("gone")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *testSession) frames(typ string) []hub.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hub.Event
	for _, ev := range s.events {
		if ev.Type() == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newTestService(t *testing.T, encrypted bool) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.JWTSecret = "unit-test-secret"
	cfg.StoragePath = t.TempDir()
	secCfg := security.Config{TokenSecret: cfg.JWTSecret, TokenTTL: cfg.TokenTTL()}
	if encrypted {
		key, err := security.RandomKey(32)
		if err != nil {
			t.Fatalf("RandomKey: %v", err)
		}
		secCfg.EncryptionKey = key
	}
	sec, err := security.New(secCfg)
	if err != nil {
		t.Fatalf("security.New: %v", err)
	}
	bl, err := blob.NewLocal(cfg.StoragePath)
	if err != nil {
		t.Fatalf("blob.NewLocal: %v", err)
	}
	h := hub.New(cfg.PingInterval(), metrics.Nop())
	return New(memory.New(), h, sec, bl, cfg, metrics.Nop())
}

func register(t *testing.T, s *Service, username string) *model.User {
	t.Helper()
	u, err := s.RegisterUser(context.Background(), model.UserCreate{
		Username: username,
		Email:    username + "@example.com",
		Password: testPassword,
	})
	if err != nil {
		t.Fatalf("RegisterUser(%s): %v", username, err)
	}
	return u
}

func makeChat(t *testing.T, s *Service, creatorID string, typ model.ChatType, encrypted bool, memberIDs ...string) *model.Chat {
	t.Helper()
	c, err := s.CreateChat(context.Background(), creatorID, model.ChatCreate{
		Type:        typ,
		Name:        "room",
		MemberIDs:   memberIDs,
		IsEncrypted: encrypted,
	})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return c
}

func sendMsg(t *testing.T, s *Service, senderID, chatID, content string) *model.Message {
	t.Helper()
	m, err := s.SendMessage(context.Background(), senderID, model.MessageCreate{
		ChatID:  chatID,
		Content: content,
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	return m
}

func joinSession(t *testing.T, s *Service, userID, chatID string) *testSession {
	t.Helper()
	sess := &testSession{id: uuid.NewString(), userID: userID}
	s.Hub.Connect(sess, userID, nil)
	if chatID != "" && !s.Hub.JoinChat(sess, chatID) {
		t.Fatalf("JoinChat refused session for %s", userID)
	}
	return sess
}

func TestRegistrationAndAuth(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)

	alice := register(t, s, "alice")

	token, u, err := s.AuthenticateUser(ctx, "alice", testPassword)
	if err != nil {
		t.Fatalf("AuthenticateUser: %v", err)
	}
	if u.ID != alice.ID {
		t.Errorf("authenticated user = %s, want %s", u.ID, alice.ID)
	}
	uid, err := s.Security.DecodeToken(token)
	if err != nil || uid != alice.ID {
		t.Errorf("DecodeToken = (%q, %v), want (%q, nil)", uid, err, alice.ID)
	}

	if _, _, err := s.AuthenticateUser(ctx, "alice", "wrong"); !model.IsKind(err, model.KindAuth) {
		t.Errorf("wrong password: err = %v, want KindAuth", err)
	}
	if _, _, err := s.AuthenticateUser(ctx, "nobody", testPassword); !model.IsKind(err, model.KindAuth) {
		t.Errorf("unknown user: err = %v, want KindAuth", err)
	}

	_, err = s.RegisterUser(ctx, model.UserCreate{Username: "alice", Email: "a2@example.com", Password: testPassword})
	if !model.IsKind(err, model.KindConflict) {
		t.Errorf("duplicate register: err = %v, want KindConflict", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	s := newTestService(t, false)
	_, err := s.RegisterUser(context.Background(), model.UserCreate{Username: "al", Email: "not-an-email", Password: "short"})
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("err = %v, want KindValidation", err)
	}
}

func TestOneToOneChatRules(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")
	carol := register(t, s, "carol")

	c := makeChat(t, s, alice.ID, model.ChatOneToOne, false, bob.ID)
	if len(c.Members) != 2 {
		t.Fatalf("members = %d, want 2", len(c.Members))
	}
	if c.Member(alice.ID).Role != model.RoleOwner {
		t.Errorf("creator role = %s, want owner", c.Member(alice.ID).Role)
	}

	// Same pair again, either direction, is a conflict.
	_, err := s.CreateChat(ctx, bob.ID, model.ChatCreate{Type: model.ChatOneToOne, MemberIDs: []string{alice.ID}})
	if !model.IsKind(err, model.KindConflict) {
		t.Errorf("duplicate pair: err = %v, want KindConflict", err)
	}

	_, err = s.CreateChat(ctx, alice.ID, model.ChatCreate{Type: model.ChatOneToOne, MemberIDs: []string{bob.ID, carol.ID}})
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("three-member one-to-one: err = %v, want KindValidation", err)
	}

	if err := s.AddChatMember(ctx, alice.ID, c.ID, carol.ID, model.RoleMember); !model.IsKind(err, model.KindValidation) {
		t.Errorf("grow one-to-one: err = %v, want KindValidation", err)
	}
}

func TestCreateChatUnknownMember(t *testing.T) {
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	_, err := s.CreateChat(context.Background(), alice.ID, model.ChatCreate{
		Type:      model.ChatGroup,
		MemberIDs: []string{"ghost"},
	})
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("err = %v, want KindValidation", err)
	}
}

func TestChatAuthorization(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")
	carol := register(t, s, "carol")

	c := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID)

	// Scenario: outsider reads, is added, then reads fine.
	if _, err := s.GetChat(ctx, carol.ID, c.ID); !model.IsKind(err, model.KindAuthz) {
		t.Fatalf("non-member GetChat: err = %v, want KindAuthz", err)
	}
	if err := s.AddChatMember(ctx, alice.ID, c.ID, carol.ID, model.RoleMember); err != nil {
		t.Fatalf("AddChatMember: %v", err)
	}
	if _, err := s.GetChat(ctx, carol.ID, c.ID); err != nil {
		t.Fatalf("member GetChat: %v", err)
	}

	name := "renamed"
	if _, err := s.UpdateChat(ctx, bob.ID, c.ID, model.ChatUpdate{Name: &name}); !model.IsKind(err, model.KindAuthz) {
		t.Errorf("member UpdateChat: err = %v, want KindAuthz", err)
	}
	if _, err := s.UpdateChat(ctx, alice.ID, c.ID, model.ChatUpdate{Name: &name}); err != nil {
		t.Errorf("owner UpdateChat: %v", err)
	}

	if err := s.AddChatMember(ctx, bob.ID, c.ID, "whoever", model.RoleMember); !model.IsKind(err, model.KindAuthz) {
		t.Errorf("member AddChatMember: err = %v, want KindAuthz", err)
	}

	// Admins may update but only the owner deletes.
	admin := model.RoleAdmin
	if err := s.RemoveChatMember(ctx, alice.ID, c.ID, bob.ID); err != nil {
		t.Fatalf("RemoveChatMember: %v", err)
	}
	if err := s.AddChatMember(ctx, alice.ID, c.ID, bob.ID, admin); err != nil {
		t.Fatalf("re-add bob as admin: %v", err)
	}
	if err := s.DeleteChat(ctx, bob.ID, c.ID); !model.IsKind(err, model.KindAuthz) {
		t.Errorf("admin DeleteChat: err = %v, want KindAuthz", err)
	}
	if err := s.DeleteChat(ctx, alice.ID, c.ID); err != nil {
		t.Errorf("owner DeleteChat: %v", err)
	}
}

func TestRemoveMemberRules(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")
	carol := register(t, s, "carol")

	c := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID, carol.ID)

	// Members remove themselves but nobody else.
	if err := s.RemoveChatMember(ctx, bob.ID, c.ID, carol.ID); !model.IsKind(err, model.KindAuthz) {
		t.Errorf("member removing other: err = %v, want KindAuthz", err)
	}
	if err := s.RemoveChatMember(ctx, bob.ID, c.ID, bob.ID); err != nil {
		t.Errorf("self removal: %v", err)
	}

	// The last elevated member cannot leave.
	if err := s.RemoveChatMember(ctx, alice.ID, c.ID, alice.ID); !model.IsKind(err, model.KindValidation) {
		t.Errorf("last owner leaving: err = %v, want KindValidation", err)
	}
}

func TestSendAfterRemovalDenied(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	c := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID)
	sendMsg(t, s, bob.ID, c.ID, "still here")

	if err := s.RemoveChatMember(ctx, alice.ID, c.ID, bob.ID); err != nil {
		t.Fatalf("RemoveChatMember: %v", err)
	}
	_, err := s.SendMessage(ctx, bob.ID, model.MessageCreate{ChatID: c.ID, Content: "ghost post"})
	if !model.IsKind(err, model.KindAuthz) {
		t.Errorf("send after removal: err = %v, want KindAuthz", err)
	}
}

func TestSendMessageValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")
	carol := register(t, s, "carol")

	c := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID)
	other := makeChat(t, s, alice.ID, model.ChatGroup, false, carol.ID)
	foreign := sendMsg(t, s, alice.ID, other.ID, "elsewhere")

	if _, err := s.SendMessage(ctx, alice.ID, model.MessageCreate{ChatID: c.ID}); !model.IsKind(err, model.KindValidation) {
		t.Errorf("empty message: err = %v, want KindValidation", err)
	}
	_, err := s.SendMessage(ctx, alice.ID, model.MessageCreate{ChatID: c.ID, Content: "hi", Mentions: []string{carol.ID}})
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("mention of non-member: err = %v, want KindValidation", err)
	}
	_, err = s.SendMessage(ctx, alice.ID, model.MessageCreate{ChatID: c.ID, Content: "hi", ReplyToID: foreign.ID})
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("cross-chat reply: err = %v, want KindValidation", err)
	}
	_, err = s.SendMessage(ctx, alice.ID, model.MessageCreate{ChatID: c.ID, Content: "hi", ReplyToID: "missing"})
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("reply to missing: err = %v, want KindValidation", err)
	}
}

func TestSendMessageFanOut(t *testing.T) {
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	c := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID)

	inRoom := joinSession(t, s, bob.ID, c.ID)
	inbox := joinSession(t, s, bob.ID, "")

	m := sendMsg(t, s, alice.ID, c.ID, "Hello")

	full := inRoom.frames("new_message")
	if len(full) != 1 {
		t.Fatalf("in-room session got %d new_message frames, want 1", len(full))
	}
	if full[0]["content"] != "Hello" || full[0]["sender_id"] != alice.ID {
		t.Errorf("room frame = %v, want content Hello from alice", full[0])
	}

	pings := inbox.frames("new_message")
	if len(pings) != 1 {
		t.Fatalf("inbox session got %d notification frames, want 1", len(pings))
	}
	if _, has := pings[0]["content"]; has {
		t.Error("inbox ping leaked message content")
	}
	if pings[0]["message_id"] != m.ID {
		t.Errorf("inbox ping message_id = %v, want %s", pings[0]["message_id"], m.ID)
	}

	// Bob held live sessions, so delivery is stamped.
	stored, err := s.Store.GetMessage(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if _, ok := stored.DeliveredTo[bob.ID]; !ok {
		t.Error("delivered_to missing bob despite live sessions")
	}
}

func TestEncryptedChatRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, true)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	c := makeChat(t, s, alice.ID, model.ChatGroup, true, bob.ID)
	room := joinSession(t, s, bob.ID, c.ID)

	m := sendMsg(t, s, alice.ID, c.ID, "secret")
	if m.Content != "secret" {
		t.Errorf("returned content = %q, want plaintext", m.Content)
	}

	stored, err := s.Store.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if stored.Content == "secret" || stored.Content == "" {
		t.Errorf("persisted content %q is not ciphertext", stored.Content)
	}

	msgs, err := s.GetChatMessages(ctx, alice.ID, c.ID, model.MessageQuery{Limit: 10})
	if err != nil {
		t.Fatalf("GetChatMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "secret" {
		t.Errorf("fetched content = %v, want [secret]", msgs)
	}

	frames := room.frames("new_message")
	if len(frames) != 1 || frames[0]["content"] != "secret" {
		t.Errorf("broadcast frame = %v, want plaintext content", frames)
	}
}

func TestEncryptedChatNeedsServerKey(t *testing.T) {
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	_, err := s.CreateChat(context.Background(), alice.ID, model.ChatCreate{
		Type:        model.ChatGroup,
		Name:        "vault",
		MemberIDs:   []string{bob.ID},
		IsEncrypted: true,
	})
	if !model.IsKind(err, model.KindValidation) {
		t.Fatalf("CreateChat without a server key: err = %v, want KindValidation", err)
	}
}

func TestReadReceipts(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	c := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID)
	aliceRoom := joinSession(t, s, alice.ID, c.ID)

	m1 := sendMsg(t, s, alice.ID, c.ID, "one")
	m2 := sendMsg(t, s, alice.ID, c.ID, "two")
	m3 := sendMsg(t, s, alice.ID, c.ID, "three")

	newly, err := s.MarkMessagesRead(ctx, bob.ID, c.ID, nil, m3.ID)
	if err != nil {
		t.Fatalf("MarkMessagesRead: %v", err)
	}
	if len(newly) != 3 {
		t.Fatalf("newly read = %v, want all three", newly)
	}
	for _, id := range []string{m1.ID, m2.ID, m3.ID} {
		stored, err := s.Store.GetMessage(ctx, id)
		if err != nil {
			t.Fatalf("GetMessage(%s): %v", id, err)
		}
		if _, ok := stored.ReadBy[bob.ID]; !ok {
			t.Errorf("message %s missing read_by[bob]", id)
		}
	}

	receipts := aliceRoom.frames("read_receipt")
	if len(receipts) != 1 {
		t.Fatalf("alice got %d read_receipt frames, want 1", len(receipts))
	}
	ids, _ := receipts[0]["message_ids"].([]string)
	if len(ids) != 3 {
		t.Errorf("receipt ids = %v, want 3 ids", receipts[0]["message_ids"])
	}

	// Re-reading emits nothing new.
	newly, err = s.MarkMessagesRead(ctx, bob.ID, c.ID, nil, m3.ID)
	if err != nil {
		t.Fatalf("second MarkMessagesRead: %v", err)
	}
	if len(newly) != 0 {
		t.Errorf("second read marked %v, want none", newly)
	}
	if got := aliceRoom.frames("read_receipt"); len(got) != 1 {
		t.Errorf("alice got %d read_receipt frames after re-read, want still 1", len(got))
	}
}

func TestMarkReadValidatesAnchor(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	c1 := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID)
	c2 := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID)
	foreign := sendMsg(t, s, alice.ID, c2.ID, "elsewhere")

	if _, err := s.MarkMessagesRead(ctx, bob.ID, c1.ID, nil, foreign.ID); !model.IsKind(err, model.KindValidation) {
		t.Errorf("cross-chat anchor: err = %v, want KindValidation", err)
	}
}

func TestEditMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	c := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID)
	room := joinSession(t, s, bob.ID, c.ID)
	m := sendMsg(t, s, alice.ID, c.ID, "typo")

	content := "fixed"
	if _, err := s.UpdateMessage(ctx, bob.ID, m.ID, model.MessageUpdate{Content: &content}); !model.IsKind(err, model.KindAuthz) {
		t.Errorf("non-sender edit: err = %v, want KindAuthz", err)
	}

	updated, err := s.UpdateMessage(ctx, alice.ID, m.ID, model.MessageUpdate{Content: &content})
	if err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	if updated.Content != "fixed" || updated.EditedAt == nil {
		t.Errorf("updated = {content:%q edited_at:%v}, want fixed content and edited_at", updated.Content, updated.EditedAt)
	}
	if len(room.frames("message_updated")) != 1 {
		t.Error("no message_updated broadcast")
	}

	if _, err := s.UpdateMessage(ctx, alice.ID, m.ID, model.MessageUpdate{}); !model.IsKind(err, model.KindValidation) {
		t.Errorf("empty patch: err = %v, want KindValidation", err)
	}
}

func TestEditWindowCloses(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	s.Config.MessageEditWindowMinutes = 5
	alice := register(t, s, "alice")
	c := makeChat(t, s, alice.ID, model.ChatGroup, false, alice.ID)

	// Plant an aged message directly; the store keeps given timestamps.
	old := time.Now().UTC().Add(-time.Hour)
	aged, err := s.Store.CreateMessage(ctx, &model.Message{
		ID:        uuid.NewString(),
		ChatID:    c.ID,
		SenderID:  alice.ID,
		Type:      model.MessageText,
		Content:   "ancient",
		CreatedAt: old,
		UpdatedAt: old,
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	content := "revision"
	if _, err := s.UpdateMessage(ctx, alice.ID, aged.ID, model.MessageUpdate{Content: &content}); !model.IsKind(err, model.KindAuthz) {
		t.Errorf("stale edit: err = %v, want KindAuthz", err)
	}
}

func TestDeleteMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")
	carol := register(t, s, "carol")

	c := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID, carol.ID)
	room := joinSession(t, s, alice.ID, c.ID)

	m := sendMsg(t, s, bob.ID, c.ID, "oops")

	// for_everyone is the sender's alone, even for the owner.
	if err := s.DeleteMessage(ctx, alice.ID, m.ID, true); !model.IsKind(err, model.KindAuthz) {
		t.Errorf("owner for_everyone: err = %v, want KindAuthz", err)
	}
	// Plain members cannot touch others' messages.
	if err := s.DeleteMessage(ctx, carol.ID, m.ID, false); !model.IsKind(err, model.KindAuthz) {
		t.Errorf("member deleting other's: err = %v, want KindAuthz", err)
	}
	// The owner moderates with a soft delete.
	if err := s.DeleteMessage(ctx, alice.ID, m.ID, false); err != nil {
		t.Fatalf("owner soft delete: %v", err)
	}
	stored, err := s.Store.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !stored.IsDeleted || stored.Content != "" {
		t.Errorf("soft delete left {deleted:%v content:%q}", stored.IsDeleted, stored.Content)
	}
	if len(room.frames("message_deleted")) != 1 {
		t.Error("no message_deleted broadcast")
	}

	// Sender hard-deletes their own message for everyone.
	m2 := sendMsg(t, s, bob.ID, c.ID, "gone for good")
	if err := s.DeleteMessage(ctx, bob.ID, m2.ID, true); err != nil {
		t.Fatalf("sender for_everyone: %v", err)
	}
	if _, err := s.Store.GetMessage(ctx, m2.ID); !model.IsKind(err, model.KindNotFound) {
		t.Errorf("hard-deleted message still present: err = %v", err)
	}
}

func TestReactionsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	c := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID)
	room := joinSession(t, s, alice.ID, c.ID)
	m := sendMsg(t, s, alice.ID, c.ID, "react to me")

	first, err := s.AddReaction(ctx, bob.ID, m.ID, "👍")
	if err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	second, err := s.AddReaction(ctx, bob.ID, m.ID, "👍")
	if err != nil {
		t.Fatalf("duplicate AddReaction: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("duplicate created a new reaction: %s vs %s", first.ID, second.ID)
	}
	if got := room.frames("reaction_added"); len(got) != 1 {
		t.Errorf("reaction_added frames = %d, want 1", len(got))
	}

	removed, err := s.RemoveReaction(ctx, bob.ID, m.ID, "👍")
	if err != nil || !removed {
		t.Fatalf("RemoveReaction = (%v, %v), want (true, nil)", removed, err)
	}
	removed, err = s.RemoveReaction(ctx, bob.ID, m.ID, "👍")
	if err != nil || removed {
		t.Fatalf("second RemoveReaction = (%v, %v), want (false, nil)", removed, err)
	}
	if got := room.frames("reaction_removed"); len(got) != 1 {
		t.Errorf("reaction_removed frames = %d, want 1", len(got))
	}

	if _, err := s.AddReaction(ctx, bob.ID, m.ID, "0123456789abcdefg"); !model.IsKind(err, model.KindValidation) {
		t.Errorf("long reaction type: err = %v, want KindValidation", err)
	}
}

func TestPinning(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	c := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID)
	m := sendMsg(t, s, alice.ID, c.ID, "pin me")

	if _, err := s.PinMessage(ctx, bob.ID, m.ID); !model.IsKind(err, model.KindAuthz) {
		t.Errorf("member pin: err = %v, want KindAuthz", err)
	}
	pinned, err := s.PinMessage(ctx, alice.ID, m.ID)
	if err != nil {
		t.Fatalf("PinMessage: %v", err)
	}
	if !pinned.IsPinned {
		t.Error("message not flagged pinned")
	}
	list, err := s.GetPinnedMessages(ctx, bob.ID, c.ID)
	if err != nil {
		t.Fatalf("GetPinnedMessages: %v", err)
	}
	if len(list) != 1 || list[0].ID != m.ID {
		t.Errorf("pinned list = %v, want [%s]", list, m.ID)
	}

	if _, err := s.UnpinMessage(ctx, alice.ID, m.ID); err != nil {
		t.Fatalf("UnpinMessage: %v", err)
	}
	list, err = s.GetPinnedMessages(ctx, bob.ID, c.ID)
	if err != nil {
		t.Fatalf("GetPinnedMessages after unpin: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("pinned list after unpin = %v, want empty", list)
	}

	// A deleted message cannot be pinned.
	m2 := sendMsg(t, s, alice.ID, c.ID, "short lived")
	if err := s.DeleteMessage(ctx, alice.ID, m2.ID, false); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if _, err := s.PinMessage(ctx, alice.ID, m2.ID); !model.IsKind(err, model.KindValidation) {
		t.Errorf("pin deleted: err = %v, want KindValidation", err)
	}
}

func TestTypingIndicatorExcludesAuthor(t *testing.T) {
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	c := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID)
	aliceRoom := joinSession(t, s, alice.ID, c.ID)
	bobRoom := joinSession(t, s, bob.ID, c.ID)

	if err := s.TypingIndicator(context.Background(), alice.ID, c.ID, true); err != nil {
		t.Fatalf("TypingIndicator: %v", err)
	}
	if len(aliceRoom.frames("typing")) != 0 {
		t.Error("author received own typing frame")
	}
	if len(bobRoom.frames("typing")) != 1 {
		t.Error("peer missed typing frame")
	}
}

func TestSearchScopedToMembership(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")
	carol := register(t, s, "carol")

	shared := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID)
	private := makeChat(t, s, alice.ID, model.ChatGroup, false, carol.ID)
	sendMsg(t, s, alice.ID, shared.ID, "needle in shared")
	sendMsg(t, s, alice.ID, private.ID, "needle in private")

	got, err := s.SearchMessages(ctx, bob.ID, "needle", "", 0, 10)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(got) != 1 || got[0].ChatID != shared.ID {
		t.Errorf("search hits = %v, want only the shared chat", got)
	}

	if _, err := s.SearchMessages(ctx, bob.ID, "needle", private.ID, 0, 10); !model.IsKind(err, model.KindAuthz) {
		t.Errorf("search in foreign chat: err = %v, want KindAuthz", err)
	}
	if _, err := s.SearchMessages(ctx, bob.ID, "", "", 0, 10); !model.IsKind(err, model.KindValidation) {
		t.Errorf("empty query: err = %v, want KindValidation", err)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")
	carol := register(t, s, "carol")

	c := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID)
	m := sendMsg(t, s, alice.ID, c.ID, "hello")
	sendMsg(t, s, bob.ID, c.ID, "hi back")
	if _, err := s.AddReaction(ctx, bob.ID, m.ID, "🔥"); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}

	cs, err := s.ChatStats(ctx, alice.ID, c.ID)
	if err != nil {
		t.Fatalf("ChatStats: %v", err)
	}
	if cs.MessageCount != 2 || cs.MemberCount != 2 || cs.ReactionCount != 1 {
		t.Errorf("ChatStats = %+v, want 2 messages, 2 members, 1 reaction", cs)
	}
	if _, err := s.ChatStats(ctx, carol.ID, c.ID); !model.IsKind(err, model.KindAuthz) {
		t.Errorf("outsider ChatStats: err = %v, want KindAuthz", err)
	}

	us, err := s.UserStats(ctx, bob.ID)
	if err != nil {
		t.Fatalf("UserStats: %v", err)
	}
	if us.MessageCount != 1 || us.ChatCount != 1 || us.ReactionCount != 1 {
		t.Errorf("UserStats = %+v, want 1 message, 1 chat, 1 reaction", us)
	}
}

func TestUploadAndFileMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")
	c := makeChat(t, s, alice.ID, model.ChatGroup, false, bob.ID)

	if _, err := s.UploadFile(ctx, alice.ID, c.ID, "malware.exe", "application/octet-stream", []byte("x")); !model.IsKind(err, model.KindValidation) {
		t.Errorf("forbidden extension: err = %v, want KindValidation", err)
	}
	s.Config.MaxFileSizeMB = 0
	if _, err := s.UploadFile(ctx, alice.ID, c.ID, "big.png", "image/png", []byte("x")); !model.IsKind(err, model.KindValidation) {
		t.Errorf("oversize file: err = %v, want KindValidation", err)
	}
	s.Config.MaxFileSizeMB = 10

	att, err := s.UploadFile(ctx, alice.ID, c.ID, "pic.png", "image/png", []byte("png bytes"))
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if att.Location == "" || att.Size != int64(len("png bytes")) {
		t.Errorf("attachment = %+v, want location and size", att)
	}

	m, err := s.SendFileMessage(ctx, alice.ID, c.ID, *att, "look at this")
	if err != nil {
		t.Fatalf("SendFileMessage: %v", err)
	}
	if m.Type != model.MessageImage {
		t.Errorf("message type = %s, want image", m.Type)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].Location != att.Location {
		t.Errorf("attachments = %v, want the uploaded one", m.Attachments)
	}

	data, err := s.Blob.Fetch(ctx, att.Location)
	if err != nil || string(data) != "png bytes" {
		t.Errorf("Fetch = (%q, %v), want stored bytes", data, err)
	}
}

func TestUpdateUserAndStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, false)
	alice := register(t, s, "alice")

	full := "Alice Liddell"
	u, err := s.UpdateUser(ctx, alice.ID, model.UserUpdate{FullName: &full})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if u.FullName != full {
		t.Errorf("full name = %q, want %q", u.FullName, full)
	}

	pw := "NewPassword456!"
	if _, err := s.UpdateUser(ctx, alice.ID, model.UserUpdate{Password: &pw}); err != nil {
		t.Fatalf("password update: %v", err)
	}
	if _, _, err := s.AuthenticateUser(ctx, "alice", pw); err != nil {
		t.Errorf("login with new password: %v", err)
	}
	if _, _, err := s.AuthenticateUser(ctx, "alice", testPassword); !model.IsKind(err, model.KindAuth) {
		t.Errorf("old password still works: err = %v", err)
	}

	u, err = s.UpdateUserStatus(ctx, alice.ID, model.StatusAway)
	if err != nil || u.Status != model.StatusAway {
		t.Fatalf("UpdateUserStatus = (%v, %v), want away", u, err)
	}
	if _, err := s.UpdateUserStatus(ctx, alice.ID, "sleeping"); !model.IsKind(err, model.KindValidation) {
		t.Errorf("invalid status: err = %v, want KindValidation", err)
	}
}
