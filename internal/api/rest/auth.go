package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetcore-io/fleetcore/internal/auth"
	"github.com/fleetcore-io/fleetcore/internal/types"
)

// POST /api/v1/auth/login
func (s *Server) login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	token, identity, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "invalid credentials", nil))
			return
		}
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": time.Now().Add(s.auth.TokenTTL()).UTC(),
		"identity":   identity,
	})
}

// GET /api/v1/auth/me
func (s *Server) currentIdentity(c *gin.Context) {
	id, ok := auth.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized,
			types.NewErrorResponse(types.CodeUnauthorized, "no identity on request", nil))
		return
	}
	c.JSON(http.StatusOK, id)
}
