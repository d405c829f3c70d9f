package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/yoockh/callguard/internal/utils"
)

type APIError struct {
	Code    utils.Code `json:"code"`
	Message string     `json:"message"`
}

// writeError aborts with {code,message}. The error itself is attached to
// the context so the request logger records the cause.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(utils.HTTPStatus(err), APIError{
		Code:    utils.CodeOf(err),
		Message: utils.SafeMessage(err),
	})
}

func requireUserID(c *gin.Context) (string, bool) {
	const op = "handlers.requireUserID"
	if id := c.GetString("user_id"); id != "" {
		return id, true
	}
	writeError(c, utils.E(utils.CodeUnauthorized, op, "missing user identity", nil))
	return "", false
}
