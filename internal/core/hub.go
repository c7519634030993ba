// Package core holds the in-memory gateway state: connected sessions and the
// room registry mapping conversations to their currently-connected sockets.
// State is process-local; a multi-instance deployment would need an external
// fan-out layer in front of it.
package core

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"haven/server/internal/protocol"
)

// SendTimeout bounds how long a write to one subscriber may block.
const SendTimeout = 50 * time.Millisecond

// Session represents one connected websocket session.
type Session struct {
	ID     string
	UserID string
	Name   string
	Send   chan protocol.Message
}

type sessionState struct {
	id     string
	userID string
	name   string
	rooms  map[int64]struct{}
	send   chan protocol.Message
}

// Hub is the room registry owned by the gateway. A session may belong to
// many rooms; joins are idempotent.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	rooms    map[int64]map[string]*sessionState
	nextID   atomic.Uint64

	// Metrics (reset on each Stats call).
	totalBroadcasts atomic.Uint64
	totalDeliveries atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*sessionState),
		rooms:    make(map[int64]map[string]*sessionState),
	}
}

// Add registers a new session for an authenticated identity.
func (h *Hub) Add(userID, name string, sendBuf int) *Session {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	id := fmt.Sprintf("s%d", h.nextID.Add(1))
	st := &sessionState{
		id:     id,
		userID: userID,
		name:   name,
		rooms:  make(map[int64]struct{}),
		send:   make(chan protocol.Message, sendBuf),
	}

	h.mu.Lock()
	h.sessions[id] = st
	count := len(h.sessions)
	h.mu.Unlock()

	slog.Info("session added", "session_id", id, "user_id", userID, "total_sessions", count)
	return &Session{ID: id, UserID: userID, Name: name, Send: st.send}
}

// Remove unregisters a session, leaving every room it was in.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	for chatID := range st.rooms {
		h.leaveLocked(st, chatID)
	}
	delete(h.sessions, sessionID)
	close(st.send)
	remaining := len(h.sessions)
	h.mu.Unlock()

	slog.Info("session removed", "session_id", sessionID, "user_id", st.userID, "remaining_sessions", remaining)
}

// JoinRoom adds a session to the broadcast group for a conversation.
// Joining a room the session is already in is a no-op.
func (h *Hub) JoinRoom(sessionID string, chatID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	if _, in := st.rooms[chatID]; in {
		return true
	}
	st.rooms[chatID] = struct{}{}
	room := h.rooms[chatID]
	if room == nil {
		room = make(map[string]*sessionState)
		h.rooms[chatID] = room
	}
	room[sessionID] = st

	slog.Debug("room joined", "session_id", sessionID, "chat_id", chatID, "room_size", len(room))
	return true
}

// LeaveRoom removes a session from a conversation's broadcast group.
func (h *Hub) LeaveRoom(sessionID string, chatID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	if _, in := st.rooms[chatID]; !in {
		return
	}
	h.leaveLocked(st, chatID)
	slog.Debug("room left", "session_id", sessionID, "chat_id", chatID)
}

func (h *Hub) leaveLocked(st *sessionState, chatID int64) {
	delete(st.rooms, chatID)
	if room := h.rooms[chatID]; room != nil {
		delete(room, st.id)
		if len(room) == 0 {
			delete(h.rooms, chatID)
		}
	}
}

// InRoom reports whether a session currently belongs to a room.
func (h *Hub) InRoom(sessionID string, chatID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	_, in := st.rooms[chatID]
	return in
}

// BroadcastToRoom sends a message to every session in a conversation's room.
// Pass exceptUserID to skip all of one identity's sessions ("" sends to all,
// sender included).
func (h *Hub) BroadcastToRoom(chatID int64, msg protocol.Message, exceptUserID string) int {
	h.mu.RLock()
	room := h.rooms[chatID]
	targets := make([]chan protocol.Message, 0, len(room))
	for _, st := range room {
		if exceptUserID != "" && st.userID == exceptUserID {
			continue
		}
		targets = append(targets, st.send)
	}
	h.mu.RUnlock()

	h.totalBroadcasts.Add(1)
	sent := 0
	for _, ch := range targets {
		if trySend(ch, msg) {
			sent++
		}
	}
	h.totalDeliveries.Add(uint64(sent))
	slog.Debug("room broadcast", "type", msg.Type, "chat_id", chatID, "recipients", sent, "total", len(targets))
	return sent
}

// SendTo sends one message to one session.
func (h *Hub) SendTo(sessionID string, msg protocol.Message) bool {
	h.mu.RLock()
	st, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return trySend(st.send, msg)
}

// ClientCount returns the number of active sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomCount returns the number of rooms with at least one session.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Stats returns accumulated broadcast/delivery counts since the last call
// and resets them.
func (h *Hub) Stats() (broadcasts, deliveries uint64, sessions int) {
	broadcasts = h.totalBroadcasts.Swap(0)
	deliveries = h.totalDeliveries.Swap(0)
	sessions = h.ClientCount()
	return
}

// trySend delivers msg without ever blocking the relay for long: a slow
// consumer drops the message after SendTimeout, and a closed channel
// (session removed concurrently) is treated as a failed send.
func trySend(ch chan protocol.Message, msg protocol.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- msg:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("trySend timeout", "type", msg.Type)
		return false
	}
}
