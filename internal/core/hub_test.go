package core

import (
	"testing"
	"time"

	"haven/server/internal/protocol"
)

func TestJoinRoomIdempotent(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	session := hub.Add("u1", "Alice", 8)

	if !hub.JoinRoom(session.ID, 1) {
		t.Fatal("first join failed")
	}
	if !hub.JoinRoom(session.ID, 1) {
		t.Fatal("repeat join failed")
	}
	if hub.RoomCount() != 1 {
		t.Fatalf("expected 1 room, got %d", hub.RoomCount())
	}

	hub.BroadcastToRoom(1, protocol.Message{Type: protocol.TypeMessage}, "")
	drain(t, session.Send) // exactly one copy despite the double join
	assertNoMessage(t, session.Send)
}

func TestSessionInManyRooms(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	session := hub.Add("u1", "Alice", 8)

	hub.JoinRoom(session.ID, 1)
	hub.JoinRoom(session.ID, 2)
	hub.JoinRoom(session.ID, 3)
	if hub.RoomCount() != 3 {
		t.Fatalf("expected 3 rooms, got %d", hub.RoomCount())
	}
	if !hub.InRoom(session.ID, 2) {
		t.Fatal("expected session in room 2")
	}

	hub.LeaveRoom(session.ID, 2)
	if hub.InRoom(session.ID, 2) {
		t.Fatal("expected session out of room 2")
	}
	if hub.RoomCount() != 2 {
		t.Fatalf("expected empty room dropped, got %d rooms", hub.RoomCount())
	}
}

func TestBroadcastToRoomExcludesUser(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	alice := hub.Add("u1", "Alice", 8)
	bob := hub.Add("u2", "Bob", 8)
	carol := hub.Add("u3", "Carol", 8)

	hub.JoinRoom(alice.ID, 7)
	hub.JoinRoom(bob.ID, 7)
	// carol never joins room 7

	sent := hub.BroadcastToRoom(7, protocol.Message{Type: protocol.TypeUserTyping, UserID: "u1"}, "u1")
	if sent != 1 {
		t.Fatalf("expected 1 delivery, got %d", sent)
	}
	msg := drain(t, bob.Send)
	if msg.Type != protocol.TypeUserTyping || msg.UserID != "u1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	assertNoMessage(t, alice.Send)
	assertNoMessage(t, carol.Send)
}

func TestBroadcastIncludesSenderByDefault(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	alice := hub.Add("u1", "Alice", 8)
	bob := hub.Add("u2", "Bob", 8)
	hub.JoinRoom(alice.ID, 1)
	hub.JoinRoom(bob.ID, 1)

	sent := hub.BroadcastToRoom(1, protocol.Message{Type: protocol.TypeMessage}, "")
	if sent != 2 {
		t.Fatalf("expected 2 deliveries, got %d", sent)
	}
	drain(t, alice.Send)
	drain(t, bob.Send)
}

func TestRemoveCleansRooms(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	alice := hub.Add("u1", "Alice", 8)
	bob := hub.Add("u2", "Bob", 8)
	hub.JoinRoom(alice.ID, 1)
	hub.JoinRoom(bob.ID, 1)

	hub.Remove(alice.ID)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 session, got %d", hub.ClientCount())
	}
	sent := hub.BroadcastToRoom(1, protocol.Message{Type: protocol.TypeMessage}, "")
	if sent != 1 {
		t.Fatalf("expected 1 delivery after removal, got %d", sent)
	}

	// Send channel is closed after removal.
	if _, open := <-alice.Send; open {
		t.Fatal("expected closed send channel")
	}
}

func TestSendToUnknownSession(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	if hub.SendTo("nope", protocol.Message{Type: protocol.TypePong}) {
		t.Fatal("expected SendTo to report failure for unknown session")
	}
}

func TestSlowConsumerDoesNotBlockBroadcast(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	slow := hub.Add("u1", "Alice", 1)
	fast := hub.Add("u2", "Bob", 8)
	hub.JoinRoom(slow.ID, 1)
	hub.JoinRoom(fast.ID, 1)

	// Fill the slow consumer's buffer; the next broadcast must still reach
	// the fast consumer within the bounded send window.
	hub.BroadcastToRoom(1, protocol.Message{Type: protocol.TypeMessage, MsgID: 1}, "")

	start := time.Now()
	hub.BroadcastToRoom(1, protocol.Message{Type: protocol.TypeMessage, MsgID: 2}, "")
	if elapsed := time.Since(start); elapsed > SendTimeout*4 {
		t.Fatalf("broadcast blocked for %v", elapsed)
	}

	drain(t, fast.Send)
	drain(t, fast.Send)
}

func TestStatsResetOnRead(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	session := hub.Add("u1", "Alice", 8)
	hub.JoinRoom(session.ID, 1)
	hub.BroadcastToRoom(1, protocol.Message{Type: protocol.TypeMessage}, "")

	broadcasts, deliveries, sessions := hub.Stats()
	if broadcasts != 1 || deliveries != 1 || sessions != 1 {
		t.Fatalf("unexpected stats: broadcasts=%d deliveries=%d sessions=%d", broadcasts, deliveries, sessions)
	}

	broadcasts, deliveries, _ = hub.Stats()
	if broadcasts != 0 || deliveries != 0 {
		t.Fatalf("expected stats reset, got broadcasts=%d deliveries=%d", broadcasts, deliveries)
	}
}

func drain(t *testing.T, ch chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.Message{}
	}
}

func assertNoMessage(t *testing.T, ch chan protocol.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
