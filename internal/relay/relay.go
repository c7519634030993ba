// Package relay owns the message write path shared by the websocket and REST
// transports: validate, authorize, persist, enrich. The websocket transport
// additionally fans the message out to the conversation's room; the REST
// mirror deliberately does not broadcast.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"haven/server/internal/core"
	"haven/server/internal/protocol"
	"haven/server/internal/store"
)

// MaxBodyLength is the maximum size in bytes of a single message body.
const MaxBodyLength = 500

// Validation and authorization failures surfaced to transports.
var (
	ErrEmptyBody   = errors.New("message body must not be empty")
	ErrBodyTooLong = fmt.Errorf("message body must not exceed %d bytes", MaxBodyLength)
	ErrNotMember   = errors.New("sender is not a member of the conversation")
)

// Service is the relay: one write path for both transports.
type Service struct {
	store *store.Store
	hub   *core.Hub

	// fetchPreview is swappable in tests; nil disables link previews.
	fetchPreview func(url string) (protocol.LinkPreview, error)
}

// NewService builds a relay over the given store and hub with link previews
// enabled.
func NewService(st *store.Store, hub *core.Hub) *Service {
	return &Service{store: st, hub: hub, fetchPreview: fetchLinkPreview}
}

// DisablePreviews turns off link preview fetching (tests, restricted
// deployments).
func (s *Service) DisablePreviews() {
	s.fetchPreview = nil
}

// Post validates and persists one message without broadcasting. Used by the
// REST mirror and as the first half of Send.
func (s *Service) Post(ctx context.Context, senderID string, chatID int64, body string) (store.MessageRow, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return store.MessageRow{}, ErrEmptyBody
	}
	if len(body) > MaxBodyLength {
		return store.MessageRow{}, ErrBodyTooLong
	}

	if _, err := s.store.ConversationByID(ctx, chatID); err != nil {
		return store.MessageRow{}, err
	}
	member, err := s.store.IsMember(ctx, chatID, senderID)
	if err != nil {
		return store.MessageRow{}, err
	}
	if !member {
		return store.MessageRow{}, ErrNotMember
	}

	return s.store.InsertMessage(ctx, chatID, senderID, body, time.Now().UnixMilli())
}

// Send persists one message and fans it out to every session currently in
// the conversation's room, sender included, so all clients converge on the
// persisted record. A compensating stop-typing signal for the sender follows
// the message.
func (s *Service) Send(ctx context.Context, senderID string, chatID int64, body string) (store.MessageRow, error) {
	row, err := s.Post(ctx, senderID, chatID, body)
	if err != nil {
		return store.MessageRow{}, err
	}

	s.hub.BroadcastToRoom(chatID, protocol.Message{
		Type: protocol.TypeMessage,
		Msg: &protocol.ChatMessage{
			ID:         row.ID,
			ChatID:     row.ChatID,
			SenderID:   row.SenderID,
			SenderName: row.SenderName,
			Body:       row.Body,
			TS:         row.TS,
		},
	}, "")

	// Sending implies the sender stopped typing.
	s.hub.BroadcastToRoom(chatID, protocol.Message{
		Type:   protocol.TypeUserStoppedTyping,
		ChatID: chatID,
		UserID: senderID,
	}, senderID)

	if s.fetchPreview != nil {
		if url := extractFirstURL(row.Body); url != "" {
			go s.broadcastPreview(chatID, row.ID, url)
		}
	}
	return row, nil
}

// Typing broadcasts a typing-state signal to the other members of the room.
// Purely ephemeral, never persisted.
func (s *Service) Typing(chatID int64, userID string, active bool) {
	msgType := protocol.TypeUserTyping
	if !active {
		msgType = protocol.TypeUserStoppedTyping
	}
	s.hub.BroadcastToRoom(chatID, protocol.Message{
		Type:   msgType,
		ChatID: chatID,
		UserID: userID,
	}, userID)
}

func (s *Service) broadcastPreview(chatID, msgID int64, url string) {
	preview, err := s.fetchPreview(url)
	if err != nil {
		slog.Debug("link preview fetch failed", "url", url, "err", err)
		return
	}
	if preview.Title == "" && preview.Desc == "" && preview.Image == "" {
		return
	}
	s.hub.BroadcastToRoom(chatID, protocol.Message{
		Type:    protocol.TypeLinkPreview,
		ChatID:  chatID,
		MsgID:   msgID,
		Preview: &preview,
	}, "")
}
