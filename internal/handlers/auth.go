package handlers

import (
	"crypto/subtle"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/telepresence/config"
	"github.com/mossy-p/telepresence/internal/middleware"
)

const tokenTTL = time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Login exchanges the configured admin credentials for a JWT. With no
// admin password configured, login is disabled.
func Login(admin config.AdminConfig, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if admin.Password == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Admin login disabled",
			})
			return
		}

		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(admin.User)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(admin.Password)) == 1
		if !userOK || !passOK {
			log.Printf("Rejected admin login for %q from %s", req.Username, c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		now := time.Now()
		token, err := middleware.IssueToken(jwtSecret, req.Username, now, tokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:     token,
			ExpiresAt: now.Add(tokenTTL),
		})
	}
}
