package streamingmodule

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/onelrian/rustflix/internal/modules/streamingmodule/core"
	"github.com/onelrian/rustflix/internal/types"
)

// APIHandler exposes the streaming module over HTTP.
type APIHandler struct {
	manager *Manager
	logger  hclog.Logger
}

func NewAPIHandler(manager *Manager, logger hclog.Logger) *APIHandler {
	return &APIHandler{
		manager: manager,
		logger:  logger.Named("streaming-api"),
	}
}

// RegisterRoutes mounts the streaming endpoints on the given group.
func (h *APIHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/playback/decide", h.decidePlayback)
	group.GET("/playback/:asset_id/master.m3u8", h.masterPlaylist)
	group.GET("/qualities", h.listQualities)

	group.POST("/jobs", h.submitJob)
	group.GET("/jobs", h.listJobs)
	group.GET("/jobs/history", h.jobHistory)
	group.GET("/jobs/:id", h.jobStatus)
	group.DELETE("/jobs/:id", h.cancelJob)

	group.POST("/sessions", h.createSession)
	group.GET("/sessions", h.listSessions)
	group.GET("/sessions/:id", h.getSession)
	group.PUT("/sessions/:id/position", h.updatePosition)
	group.DELETE("/sessions/:id", h.endSession)
}

type decidePlaybackRequest struct {
	Asset   types.MediaAssetRef `json:"asset" binding:"required"`
	Request NegotiationRequest  `json:"request"`
}

func (h *APIHandler) decidePlayback(c *gin.Context) {
	var req decidePlaybackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	descriptor, err := h.manager.DecidePlayback(req.Asset, req.Request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, descriptor)
}

func (h *APIHandler) masterPlaylist(c *gin.Context) {
	playlist, ok := h.manager.MasterPlaylist(c.Param("asset_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no variants for asset"})
		return
	}
	c.Data(http.StatusOK, "application/vnd.apple.mpegurl", []byte(playlist))
}

func (h *APIHandler) listQualities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"qualities": h.manager.Qualities()})
}

type submitJobRequest struct {
	Asset     types.MediaAssetRef `json:"asset" binding:"required"`
	Quality   types.Quality       `json:"quality" binding:"required"`
	Container string              `json:"container"`
}

func (h *APIHandler) submitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID, err := h.manager.SubmitJob(req.Asset, req.Quality, req.Container)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

func (h *APIHandler) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.manager.Jobs()})
}

func (h *APIHandler) jobStatus(c *gin.Context) {
	job, err := h.manager.JobStatus(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *APIHandler) cancelJob(c *gin.Context) {
	if err := h.manager.CancelJob(c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (h *APIHandler) jobHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := h.manager.JobHistory(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": records})
}

type createSessionRequest struct {
	UserID   string                  `json:"user_id" binding:"required"`
	AssetID  string                  `json:"asset_id" binding:"required"`
	Protocol types.StreamingProtocol `json:"protocol" binding:"required"`
	Quality  types.Quality           `json:"quality" binding:"required"`
}

func (h *APIHandler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session := h.manager.CreateSession(req.UserID, req.AssetID, req.Protocol, req.Quality)
	c.JSON(http.StatusCreated, session)
}

func (h *APIHandler) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.manager.Sessions()})
}

func (h *APIHandler) getSession(c *gin.Context) {
	session, err := h.manager.Session(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type positionUpdateRequest struct {
	Position     float64 `json:"position"`
	PlaybackRate float64 `json:"playback_rate"`
	Paused       bool    `json:"paused"`
	Bandwidth    int64   `json:"bandwidth"`
	BufferHealth float64 `json:"buffer_health"`
	Seek         bool    `json:"seek"`
}

func (h *APIHandler) updatePosition(c *gin.Context) {
	var req positionUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.manager.UpdatePosition(c.Param("id"), core.PositionUpdate{
		Position:     req.Position,
		PlaybackRate: req.PlaybackRate,
		Paused:       req.Paused,
		Bandwidth:    req.Bandwidth,
		BufferHealth: req.BufferHealth,
		Seek:         req.Seek,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *APIHandler) endSession(c *gin.Context) {
	if err := h.manager.EndSession(c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

// writeError maps domain errors onto HTTP statuses.
func (h *APIHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrJobAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, types.ErrResourceExhausted):
		status = http.StatusTooManyRequests
	case errors.Is(err, types.ErrJobNotFound), errors.Is(err, types.ErrSessionExpired):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrUnsupportedFormat):
		status = http.StatusUnsupportedMediaType
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
