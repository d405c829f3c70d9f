package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/utils"
)

type TokenIssuer interface {
	Issue(userID string, role models.UserRole) (string, time.Time, error)
}

type CredentialChecker interface {
	Check(apiKey string) error
}

type AuthHandler struct {
	issuer TokenIssuer
	creds  CredentialChecker
}

func NewAuthHandler(issuer TokenIssuer, creds CredentialChecker) *AuthHandler {
	return &AuthHandler{issuer: issuer, creds: creds}
}

type TokenRequest struct {
	UserID string `json:"userId" binding:"required"`
	APIKey string `json:"apiKey" binding:"required"`
	Role   string `json:"role"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Token exchanges an API key for a short-lived session token.
func (h *AuthHandler) Token(c *gin.Context) {
	const op = "AuthHandler.Token"

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "userId and apiKey are required", err))
		return
	}
	if err := h.creds.Check(req.APIKey); err != nil {
		writeError(c, err)
		return
	}

	role := models.RoleUser
	if req.Role != "" {
		role = models.UserRole(req.Role)
		if !role.Valid() {
			writeError(c, utils.E(utils.CodeInvalidArgument, op, "unknown role", nil))
			return
		}
	}

	tok, exp, err := h.issuer.Issue(req.UserID, role)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TokenResponse{Token: tok, ExpiresAt: exp})
}
