// Package ws is the connection gateway: it authenticates the websocket
// handshake, attaches the decoded identity to the session, and dispatches
// room and relay events until disconnect.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"haven/server/internal/auth"
	"haven/server/internal/core"
	"haven/server/internal/protocol"
	"haven/server/internal/relay"
	"haven/server/internal/store"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// Handler owns websocket transport for the chat relay.
type Handler struct {
	hub      *core.Hub
	relay    *relay.Service
	store    *store.Store
	auth     auth.Config
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the hub and relay.
func NewHandler(hub *core.Hub, svc *relay.Service, st *store.Store, authCfg auth.Config) *Handler {
	return &Handler{
		hub:   hub,
		relay: svc,
		store: st,
		auth:  authCfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket authenticates the handshake, upgrades the request, and
// serves it until disconnect. Authentication failures reject the connection
// before any event handler runs.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	identity, err := h.auth.Verify(auth.TokenFromRequest(c.Request()))
	if err != nil {
		slog.Debug("handshake rejected", "err", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(c.Request().Context(), conn, identity)
	return nil
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn, identity auth.Identity) {
	defer conn.Close()

	conn.SetReadLimit(1 << 20)

	// Keep the identity mirror fresh so enrichment sees the current name.
	if err := h.store.UpsertUser(ctx, identity.UserID, identity.DisplayName); err != nil {
		slog.Error("upsert user", "user_id", identity.UserID, "err", err)
	}

	session := h.hub.Add(identity.UserID, identity.DisplayName, 64)
	defer h.hub.Remove(session.ID)

	go func() {
		for out := range session.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}()

	for {
		var in protocol.Message
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		h.handleInbound(ctx, session, in)
	}
}

func (h *Handler) handleInbound(ctx context.Context, session *core.Session, in protocol.Message) {
	switch in.Type {
	case protocol.TypePing:
		h.hub.SendTo(session.ID, protocol.Message{Type: protocol.TypePong, TS: in.TS})

	case protocol.TypeJoinRoom:
		if in.ChatID <= 0 {
			h.sendError(session.ID, "chat_id is required")
			return
		}
		member, err := h.store.IsMember(ctx, in.ChatID, session.UserID)
		if err != nil {
			h.sendError(session.ID, "membership check failed")
			return
		}
		if !member {
			h.sendError(session.ID, "not a member of this conversation")
			return
		}
		h.hub.JoinRoom(session.ID, in.ChatID)
		h.hub.SendTo(session.ID, protocol.Message{Type: protocol.TypeRoomJoined, ChatID: in.ChatID})

	case protocol.TypeLeaveRoom:
		h.hub.LeaveRoom(session.ID, in.ChatID)

	case protocol.TypeSendMessage:
		if in.ChatID <= 0 {
			h.sendMessageError(session.ID, "chat_id is required")
			return
		}
		if _, err := h.relay.Send(ctx, session.UserID, in.ChatID, in.Body); err != nil {
			h.sendMessageError(session.ID, sendErrorText(err))
		}

	case protocol.TypeTyping, protocol.TypeStopTyping:
		if !h.hub.InRoom(session.ID, in.ChatID) {
			h.sendError(session.ID, "not in this room")
			return
		}
		h.relay.Typing(in.ChatID, session.UserID, in.Type == protocol.TypeTyping)

	default:
		h.sendError(session.ID, "unsupported message type")
	}
}

// sendErrorText maps relay failures to client-visible text without leaking
// internals.
func sendErrorText(err error) string {
	switch {
	case errors.Is(err, relay.ErrEmptyBody),
		errors.Is(err, relay.ErrBodyTooLong),
		errors.Is(err, relay.ErrNotMember),
		errors.Is(err, store.ErrConversationNotFound):
		return err.Error()
	default:
		return "message could not be delivered"
	}
}

func (h *Handler) sendError(sessionID, errMsg string) {
	h.hub.SendTo(sessionID, protocol.Message{Type: protocol.TypeError, Error: errMsg})
}

func (h *Handler) sendMessageError(sessionID, errMsg string) {
	h.hub.SendTo(sessionID, protocol.Message{Type: protocol.TypeMessageError, Error: errMsg})
}
