package http

import (
	"net/http"
	"time"

	"pepehouse/internal/core/services"
	"pepehouse/internal/infrastructure/middleware"
	"pepehouse/pkg/errors"

	"github.com/gin-gonic/gin"
)

// AuthHandler renews admin tokens. Initial tokens are minted offline with
// the server's -issue-token flag.
type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

// SetupRoutes mounts the token endpoints on an authenticated group.
func (h *AuthHandler) SetupRoutes(group *gin.RouterGroup) {
	group.POST("/auth/refresh", h.RefreshToken)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// RefreshToken trades the caller's valid token for a new one with a fresh
// expiry.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	subject := c.GetString(middleware.SubjectKey)
	if subject == "" {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}

	token, err := h.authService.GenerateToken(subject)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to issue token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(h.tokenTTL.Seconds()),
	})
}
