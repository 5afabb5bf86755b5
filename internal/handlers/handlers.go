package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prateek-m/veilchat/internal/accounts"
	"github.com/prateek-m/veilchat/internal/auth"
	"github.com/prateek-m/veilchat/internal/hub"
	"github.com/prateek-m/veilchat/internal/protocol"
)

// API bundles the collaborators the HTTP surface needs.
type API struct {
	Hub    *hub.Hub
	Dir    accounts.Directory
	Tokens *auth.Tokens
	Log    zerolog.Logger
}

// response is the uniform envelope every auth endpoint returns.
type response struct {
	Data    any    `json:"data"`
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

type credentials struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type authPayload struct {
	Auth  accounts.User `json:"auth"`
	Token string        `json:"token"`
}

// SignupHandler POST /api/signup
func (a *API) SignupHandler(c *fiber.Ctx) error {
	var req credentials
	if err := c.BodyParser(&req); err != nil {
		return c.JSON(response{Error: true, Message: "invalid request body"})
	}
	user, err := a.Dir.Create(c.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		return a.accountError(c, err)
	}
	return a.issueToken(c, user)
}

// LoginHandler POST /api/login
func (a *API) LoginHandler(c *fiber.Ctx) error {
	var req credentials
	if err := c.BodyParser(&req); err != nil {
		return c.JSON(response{Error: true, Message: "invalid request body"})
	}
	user, err := a.Dir.Authenticate(c.Context(), req.Email, req.Password)
	if err != nil {
		return a.accountError(c, err)
	}
	return a.issueToken(c, user)
}

func (a *API) issueToken(c *fiber.Ctx, user accounts.User) error {
	token, err := a.Tokens.Sign(user.ID, user.Email)
	if err != nil {
		a.Log.Error().Err(err).Msg("token signing failed")
		return c.JSON(response{Error: true, Message: "internal error"})
	}
	return c.JSON(response{Data: authPayload{Auth: user, Token: token}})
}

// accountError maps directory errors to user-facing messages; anything else
// stays opaque.
func (a *API) accountError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, accounts.ErrEmailTaken),
		errors.Is(err, accounts.ErrNoAccount),
		errors.Is(err, accounts.ErrWrongPassword):
		return c.JSON(response{Error: true, Message: err.Error()})
	default:
		a.Log.Error().Err(err).Msg("account directory error")
		return c.JSON(response{Error: true, Message: "internal error"})
	}
}

// HealthHandler GET /api/health
func (a *API) HealthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// RegisterHandler GET /api/ws?token=...
// Authenticates the token, registers the connection with the hub and pumps
// frames until the connection dies.
func (a *API) RegisterHandler(c *websocket.Conn) {
	claims, err := a.Tokens.Parse(c.Query("token"))
	if err != nil {
		a.Log.Warn().Err(err).Msg("ws auth rejected")
		_ = c.Close()
		return
	}
	user, err := a.Dir.FindByID(context.Background(), claims.UserID)
	if err != nil {
		a.Log.Warn().Err(err).Int64("user", claims.UserID).Msg("ws user lookup failed")
		_ = c.Close()
		return
	}

	client := &hub.Client{
		ConnID: uuid.NewString(),
		User:   protocol.User(user),
		Conn:   c,
		Send:   make(chan []byte, 16),
	}
	a.Hub.RegisterChan <- client
	defer func() { a.Hub.UnregisterChan <- client }()
	go client.WritePump()
	client.ReadPump(a.Hub)
}
