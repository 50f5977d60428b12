// Package ws is the transport edge: it upgrades authenticated HTTP requests
// to websocket sessions and runs each session's lifecycle.
package ws

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/okatkov/chatrelay/internal/auth"
	"github.com/okatkov/chatrelay/internal/envelope"
	"github.com/okatkov/chatrelay/internal/session"
)

const (
	ctxUserKey     = "ws:user"
	defaultBufSize = 1024 * 1024
)

type Handler struct {
	baseCtx    context.Context
	validator  *auth.Validator
	lifecycle  *Lifecycle
	sendBuffer int
	logger     *slog.Logger
}

func NewHandler(baseCtx context.Context, validator *auth.Validator, lifecycle *Lifecycle, sendBuffer int, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	return &Handler{
		baseCtx:    baseCtx,
		validator:  validator,
		lifecycle:  lifecycle,
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

func (h *Handler) Register(app *fiber.App) {
	app.Use("/ws", h.authorize)
	app.Get("/ws", websocket.New(h.handleConn, websocket.Config{
		ReadBufferSize:  defaultBufSize,
		WriteBufferSize: defaultBufSize,
	}))
}

func (h *Handler) authorize(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	token, err := h.extractToken(c)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}

	claims, err := h.validator.Validate(c.Context(), token)
	if err != nil {
		h.logger.Warn("token validation failed", "err", err)
		return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}

	if !envelope.ValidIdentity(claims.UserID) {
		h.logger.Warn("rejecting identity unusable as routing key", "user", claims.UserID)
		return fiber.NewError(fiber.StatusUnauthorized, "invalid identity")
	}

	c.Locals(ctxUserKey, claims.UserID)
	return c.Next()
}

func (h *Handler) handleConn(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(h.baseCtx)
	defer cancel()

	identity, _ := conn.Locals(ctxUserKey).(string)
	if strings.TrimSpace(identity) == "" {
		h.logger.Error("websocket user missing, closing connection")
		_ = conn.Close()
		return
	}

	s := session.New(identity, conn, h.sendBuffer, h.logger)
	h.lifecycle.HandleConnect(ctx, s)
	defer func() {
		s.Close(nil)
		h.lifecycle.HandleDisconnect(context.WithoutCancel(ctx), s)
	}()

	s.Run(ctx, h.lifecycle.HandleFrame)
}

func (h *Handler) extractToken(c *fiber.Ctx) (string, error) {
	if header := c.Get(fiber.HeaderAuthorization); header != "" {
		return auth.ExtractBearerToken(header)
	}

	if token := c.Query("token"); token != "" {
		return token, nil
	}

	if token := c.Cookies("token"); token != "" {
		return token, nil
	}

	return "", auth.ErrMissingToken
}
