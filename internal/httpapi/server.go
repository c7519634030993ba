// Package httpapi is the REST mirror of the chat relay: history pagination,
// offline posting, and conversation management over plain HTTP. REST posts
// are deliberately not broadcast to connected sockets.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"haven/server/internal/auth"
	"haven/server/internal/core"
	"haven/server/internal/relay"
	"haven/server/internal/store"
	"haven/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const identityKey = "identity"

// Server is the Echo application.
type Server struct {
	echo  *echo.Echo
	hub   *core.Hub
	store *store.Store
	relay *relay.Service
	auth  auth.Config
}

// New constructs an Echo app with websocket + REST routes.
func New(hub *core.Hub, st *store.Store, svc *relay.Service, authCfg auth.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	s := &Server{echo: e, hub: hub, store: st, relay: svc, auth: authCfg}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	chats := s.echo.Group("/api/chats", s.requireAuth)
	chats.GET("", s.handleListChats)
	chats.POST("/start", s.handleStartChat)
	chats.GET("/:id/messages", s.handleGetMessages)
	chats.POST("/:id/messages", s.handlePostMessage)

	ws.NewHandler(s.hub, s.relay, s.store, s.auth).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

// requireAuth verifies the bearer token and stores the caller identity on
// the request context.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := s.auth.Verify(auth.TokenFromRequest(c.Request()))
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
		}
		c.Set(identityKey, identity)
		return next(c)
	}
}

func callerIdentity(c echo.Context) auth.Identity {
	identity, _ := c.Get(identityKey).(auth.Identity)
	return identity
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Rooms   int    `json:"rooms"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.hub.ClientCount(),
		Rooms:   s.hub.RoomCount(),
	})
}

func (s *Server) handleListChats(c echo.Context) error {
	identity := callerIdentity(c)
	chats, err := s.store.ConversationsForUser(c.Request().Context(), identity.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list conversations failed")
	}
	if chats == nil {
		chats = []store.Conversation{}
	}
	return c.JSON(http.StatusOK, chats)
}

type startChatRequest struct {
	ReceiverID string `json:"receiver_id"`
}

func (s *Server) handleStartChat(c echo.Context) error {
	identity := callerIdentity(c)

	var req startChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ReceiverID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "receiver_id is required")
	}

	ctx := c.Request().Context()
	if err := s.store.UpsertUser(ctx, identity.UserID, identity.DisplayName); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "persist caller failed")
	}

	conv, created, err := s.store.StartConversation(ctx, identity.UserID, req.ReceiverID)
	if err != nil {
		if errors.Is(err, store.ErrSelfConversation) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "start conversation failed")
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, conv)
}

func (s *Server) handleGetMessages(c echo.Context) error {
	identity := callerIdentity(c)
	chatID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid chat id")
	}

	ctx := c.Request().Context()
	if _, err := s.store.ConversationByID(ctx, chatID); err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "load conversation failed")
	}
	member, err := s.store.IsMember(ctx, chatID, identity.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "membership check failed")
	}
	if !member {
		return echo.NewHTTPError(http.StatusForbidden, "not a member of this conversation")
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	result, err := s.store.Messages(ctx, chatID, page, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "load messages failed")
	}
	return c.JSON(http.StatusOK, result)
}

type postMessageRequest struct {
	Body string `json:"body"`
}

func (s *Server) handlePostMessage(c echo.Context) error {
	identity := callerIdentity(c)
	chatID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid chat id")
	}

	var req postMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if err := s.store.UpsertUser(ctx, identity.UserID, identity.DisplayName); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "persist caller failed")
	}

	// The REST mirror persists without broadcasting; offline clients poll.
	row, err := s.relay.Post(ctx, identity.UserID, chatID, req.Body)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrEmptyBody), errors.Is(err, relay.ErrBodyTooLong):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, relay.ErrNotMember):
			return echo.NewHTTPError(http.StatusForbidden, err.Error())
		case errors.Is(err, store.ErrConversationNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "persist message failed")
		}
	}
	return c.JSON(http.StatusCreated, row)
}
