package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/services"
	"github.com/yoockh/callguard/internal/session"
	"github.com/yoockh/callguard/internal/utils"
)

// LiveSessions is the orchestrator surface used over HTTP.
type LiveSessions interface {
	Session(sessionID string) (models.CallSession, bool)
	EndSession(sessionID, reason string) error
}

type SessionHandler struct {
	live  LiveSessions
	store services.SessionService
	logs  services.CallLogService
}

func NewSessionHandler(live LiveSessions, store services.SessionService, logs services.CallLogService) *SessionHandler {
	return &SessionHandler{live: live, store: store, logs: logs}
}

// Get returns a live session, falling back to the persisted record.
func (h *SessionHandler) Get(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")
	sess, found := h.live.Session(sessionID)
	if !found {
		stored, err := h.store.Get(c.Request.Context(), sessionID)
		if err != nil {
			writeError(c, err)
			return
		}
		sess = *stored
	}

	// basic authorization
	if sess.UserID != userID && c.GetString("role") != string(models.RoleAdmin) {
		writeError(c, utils.E(utils.CodeForbidden, "SessionHandler.Get", "forbidden", nil))
		return
	}
	c.JSON(http.StatusOK, sess)
}

// End terminates a live session on behalf of an operator.
func (h *SessionHandler) End(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := h.live.EndSession(sessionID, session.ReasonAdminEnd); err != nil {
		writeError(c, err)
		return
	}
	sess, _ := h.live.Session(sessionID)
	c.JSON(http.StatusOK, sess)
}

// Calls lists the caller's recent call logs.
func (h *SessionHandler) Calls(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := h.logs.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": rows})
}
