package handlers

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/callguard/internal/connection"
	"github.com/yoockh/callguard/internal/logger"
)

// maxFrameBytes bounds a single inbound frame. Audio chunks are validated
// more tightly by the audio processor.
const maxFrameBytes = 1 << 20

// Gateway is the part of the connection manager the upgrade handler needs.
type Gateway interface {
	Accept(t connection.Transport, meta connection.Meta) (string, error)
	Touch(id string)
}

type WSHandler struct {
	gw       Gateway
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewWSHandler(gw Gateway, allowedOrigins []string, log *logrus.Logger) *WSHandler {
	allow := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allow[o] = struct{}{}
	}
	return &WSHandler{
		gw:  gw,
		log: logger.Component(log, "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin: func(r *http.Request) bool {
				if len(allow) == 0 {
					return true
				}
				_, ok := allow[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// Realtime upgrades the request and hands the socket to the connection
// manager. Authentication happens in-band with SESSION_START.
func (h *WSHandler) Realtime(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	var id atomic.Value
	conn.SetPongHandler(func(string) error {
		if v, ok := id.Load().(string); ok {
			h.gw.Touch(v)
		}
		return nil
	})

	connID, err := h.gw.Accept(conn, connection.Meta{
		RemoteAddr: c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		entry := h.log.WithError(err).WithField("remote_addr", c.ClientIP())
		if errors.Is(err, connection.ErrMaxConnections) || errors.Is(err, connection.ErrShuttingDown) {
			entry.Warn("websocket refused")
		} else {
			entry.Error("websocket setup failed")
		}
		return
	}
	id.Store(connID)
	c.Set("connection_id", connID)
}
