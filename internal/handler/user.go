package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"bff-gateway/internal/model"
)

// UserHandler is the local API the client calls to learn who is signed in.
type UserHandler struct{}

// NewUserHandler creates a UserHandler.
func NewUserHandler() *UserHandler {
	return &UserHandler{}
}

type userResponse struct {
	Authenticated bool          `json:"authenticated"`
	Scheme        string        `json:"scheme,omitempty"`
	Subject       string        `json:"subject,omitempty"`
	Claims        []model.Claim `json:"claims"`
}

// Current describes the session's identity. The access token never leaves
// the gateway.
func (h *UserHandler) Current(c echo.Context, sess *model.Session) error {
	if sess == nil {
		return c.JSON(http.StatusOK, userResponse{Claims: []model.Claim{}})
	}
	claims := sess.Claims
	if claims == nil {
		claims = []model.Claim{}
	}
	return c.JSON(http.StatusOK, userResponse{
		Authenticated: true,
		Scheme:        sess.Scheme,
		Subject:       sess.Subject(),
		Claims:        claims,
	})
}
