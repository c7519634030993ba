package relay

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"haven/server/internal/core"
	"haven/server/internal/protocol"
	"haven/server/internal/store"
)

type fixture struct {
	store *store.Store
	hub   *core.Hub
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "haven.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hub := core.NewHub()
	svc := NewService(st, hub)
	svc.DisablePreviews()
	return &fixture{store: st, hub: hub, svc: svc}
}

func (f *fixture) startChat(t *testing.T, a, b string) int64 {
	t.Helper()
	conv, _, err := f.store.StartConversation(context.Background(), a, b)
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}
	return conv.ID
}

func TestSendPersistsAndBroadcastsOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	chatID := f.startChat(t, "u1", "u2")

	sender := f.hub.Add("u1", "Alice", 8)
	receiver := f.hub.Add("u2", "Bob", 8)
	f.hub.JoinRoom(sender.ID, chatID)
	f.hub.JoinRoom(receiver.ID, chatID)

	if err := f.store.UpsertUser(ctx, "u1", "Alice"); err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	row, err := f.svc.Send(ctx, "u1", chatID, "  hello there  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if row.Body != "hello there" {
		t.Fatalf("expected trimmed body, got %q", row.Body)
	}
	if row.SenderName != "Alice" {
		t.Fatalf("expected enriched sender name, got %q", row.SenderName)
	}

	// Exactly one persisted row.
	page, err := f.store.Messages(ctx, chatID, 1, 10)
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected 1 persisted message, got %d", page.Total)
	}

	// Both room members (sender included) receive the message event.
	for name, ch := range map[string]chan protocol.Message{"sender": sender.Send, "receiver": receiver.Send} {
		msg := awaitType(t, ch, protocol.TypeMessage)
		if msg.Msg == nil || msg.Msg.ID != row.ID || msg.Msg.Body != "hello there" {
			t.Fatalf("%s got unexpected message: %+v", name, msg.Msg)
		}
	}

	// The compensating stop-typing signal goes to the others only.
	stop := awaitType(t, receiver.Send, protocol.TypeUserStoppedTyping)
	if stop.UserID != "u1" {
		t.Fatalf("unexpected stop-typing payload: %+v", stop)
	}
	assertSilent(t, sender.Send)
}

func TestSendRejectsEmptyBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	chatID := f.startChat(t, "u1", "u2")

	for _, body := range []string{"", "   ", "\n\t"} {
		if _, err := f.svc.Send(ctx, "u1", chatID, body); !errors.Is(err, ErrEmptyBody) {
			t.Fatalf("body %q: expected ErrEmptyBody, got %v", body, err)
		}
	}

	page, err := f.store.Messages(ctx, chatID, 1, 10)
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if page.Total != 0 {
		t.Fatalf("expected no persisted messages, got %d", page.Total)
	}
}

func TestSendRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	chatID := f.startChat(t, "u1", "u2")

	big := strings.Repeat("x", MaxBodyLength+1)
	if _, err := f.svc.Send(context.Background(), "u1", chatID, big); !errors.Is(err, ErrBodyTooLong) {
		t.Fatalf("expected ErrBodyTooLong, got %v", err)
	}
}

func TestSendRejectsNonMember(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	chatID := f.startChat(t, "u1", "u2")

	if _, err := f.svc.Send(context.Background(), "intruder", chatID, "hi"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestSendUnknownConversation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.svc.Send(context.Background(), "u1", 404, "hi")
	if !errors.Is(err, store.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestPostDoesNotBroadcast(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	chatID := f.startChat(t, "u1", "u2")

	receiver := f.hub.Add("u2", "Bob", 8)
	f.hub.JoinRoom(receiver.ID, chatID)

	row, err := f.svc.Post(ctx, "u1", chatID, "offline message")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if row.ID <= 0 {
		t.Fatalf("expected persisted message, got %+v", row)
	}

	assertSilent(t, receiver.Send)
}

func TestTypingSignals(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	chatID := f.startChat(t, "u1", "u2")

	alice := f.hub.Add("u1", "Alice", 8)
	bob := f.hub.Add("u2", "Bob", 8)
	f.hub.JoinRoom(alice.ID, chatID)
	f.hub.JoinRoom(bob.ID, chatID)

	f.svc.Typing(chatID, "u1", true)
	msg := awaitType(t, bob.Send, protocol.TypeUserTyping)
	if msg.UserID != "u1" || msg.ChatID != chatID {
		t.Fatalf("unexpected typing payload: %+v", msg)
	}
	assertSilent(t, alice.Send)

	f.svc.Typing(chatID, "u1", false)
	awaitType(t, bob.Send, protocol.TypeUserStoppedTyping)
}

func TestLinkPreviewBroadcast(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	chatID := f.startChat(t, "u1", "u2")

	fetched := make(chan string, 1)
	f.svc.fetchPreview = func(url string) (protocol.LinkPreview, error) {
		fetched <- url
		return protocol.LinkPreview{URL: url, Title: "Example Domain"}, nil
	}

	bob := f.hub.Add("u2", "Bob", 8)
	f.hub.JoinRoom(bob.ID, chatID)

	row, err := f.svc.Send(ctx, "u1", chatID, "look at https://example.com/page now")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case url := <-fetched:
		if url != "https://example.com/page" {
			t.Fatalf("unexpected preview URL: %q", url)
		}
	case <-time.After(time.Second):
		t.Fatal("preview fetch never ran")
	}

	awaitType(t, bob.Send, protocol.TypeMessage)
	preview := awaitType(t, bob.Send, protocol.TypeLinkPreview)
	if preview.MsgID != row.ID || preview.Preview == nil || preview.Preview.Title != "Example Domain" {
		t.Fatalf("unexpected preview event: %+v", preview)
	}
}

func TestNoPreviewForPlainText(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	chatID := f.startChat(t, "u1", "u2")

	f.svc.fetchPreview = func(url string) (protocol.LinkPreview, error) {
		t.Errorf("unexpected preview fetch for %q", url)
		return protocol.LinkPreview{}, nil
	}

	if _, err := f.svc.Send(context.Background(), "u1", chatID, "no links here"); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
}

func awaitType(t *testing.T, ch chan protocol.Message, msgType string) protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
			return protocol.Message{}
		}
	}
}

func assertSilent(t *testing.T, ch chan protocol.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(150 * time.Millisecond):
	}
}
