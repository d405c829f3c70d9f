package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/callguard/internal/connection"
	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/session"
)

type ConnectionStats interface {
	Stats() connection.Stats
}

type SessionStats interface {
	Stats() session.Stats
}

type StreamStats interface {
	ActiveStreams() []string
	StreamStats(callID string) (models.StreamStats, bool)
}

type StatsHandler struct {
	conns    ConnectionStats
	sessions SessionStats
	streams  StreamStats
}

func NewStatsHandler(conns ConnectionStats, sessions SessionStats, streams StreamStats) *StatsHandler {
	return &StatsHandler{conns: conns, sessions: sessions, streams: streams}
}

type StatsResponse struct {
	Connections connection.Stats     `json:"connections"`
	Sessions    session.Stats        `json:"sessions"`
	Streams     []models.StreamStats `json:"streams"`
}

func (h *StatsHandler) Get(c *gin.Context) {
	out := StatsResponse{
		Connections: h.conns.Stats(),
		Sessions:    h.sessions.Stats(),
		Streams:     []models.StreamStats{},
	}
	for _, id := range h.streams.ActiveStreams() {
		if st, ok := h.streams.StreamStats(id); ok {
			out.Streams = append(out.Streams, st)
		}
	}
	c.JSON(http.StatusOK, out)
}
