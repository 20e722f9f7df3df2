package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/domain"
)

const sessionUsernameKey = "username"

type renameRequest struct {
	Name string `json:"name" binding:"required"`
}

// WhoAmI returns the caller's identity: the stable client token plus
// the display name stored in the cookie session, if any.
func WhoAmI(c *gin.Context) {
	s := sessions.Default(c)
	name, _ := s.Get(sessionUsernameKey).(string)
	c.JSON(http.StatusOK, domain.User{
		ID:       domain.UserID(c.GetString("client_token")),
		Username: name,
	})
}

// Rename stores the caller's display name in the cookie session.
func Rename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing name"})
		return
	}

	u := domain.User{ID: domain.UserID(c.GetString("client_token"))}
	if err := u.SetUsername(req.Name); err != nil {
		switch {
		case errors.Is(err, domain.ErrUsernameEmpty), errors.Is(err, domain.ErrUsernameTooLong):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	s := sessions.Default(c)
	s.Set(sessionUsernameKey, u.Username)
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "httpapi").Msg("save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, u)
}
