package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"faceattend/internal/apperr"
	"faceattend/internal/auth"
	"faceattend/internal/httpmiddleware"
	"faceattend/internal/queue"
	"faceattend/internal/stream"
)

func (s *Server) registerDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required,max=128"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	pair, err := s.devices.Register(c.Request.Context(), req.DeviceID)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (s *Server) refreshDevice(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	pair, err := s.devices.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) revokeDevice(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.devices.Revoke(c.Request.Context(), req.RefreshToken); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) publish(c *gin.Context, key string, msg queue.Message) bool {
	err := s.broker.Queue(key).Publish(c.Request.Context(), msg)
	if err == nil {
		return true
	}
	if errors.Is(err, queue.ErrFull) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": apperr.Unavailable.String(), "detail": "queue full"})
		return false
	}
	s.fail(c, apperr.Wrap(apperr.Unavailable, "httpapi.publish", err), nil)
	return false
}

// pushFrame queues one JPEG frame for the session's recognition run.
func (s *Server) pushFrame(c *gin.Context) {
	data, err := readImage(c, "frame")
	if err != nil {
		s.badRequest(c, err)
		return
	}
	if !s.publish(c, queue.FramesKey(c.Param("id")), queue.Message{Type: queue.TypeFrame, Body: data}) {
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) endFrames(c *gin.Context) {
	if !s.publish(c, queue.FramesKey(c.Param("id")), queue.Message{Type: queue.TypeEnd}) {
		return
	}
	c.Status(http.StatusAccepted)
}

// checkin queues a single frame for asynchronous recognition by the worker.
func (s *Server) checkin(c *gin.Context) {
	sessionID := c.PostForm("session_id")
	if sessionID == "" {
		sessionID = c.Query("session_id")
	}
	if sessionID == "" {
		s.badRequest(c, errors.New("session_id required"))
		return
	}
	data, err := readImage(c, "image")
	if err != nil {
		s.badRequest(c, err)
		return
	}
	claims, _ := auth.FromContext(c)
	now := time.Now().UTC()
	in := queue.Checkin{
		ID:        httpmiddleware.NewRequestID(now),
		SessionID: sessionID,
		DeviceID:  claims.DeviceID,
		Image:     data,
		QueuedAt:  now,
	}
	msg, err := in.Message()
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if !s.publish(c, queue.UploadsKey, msg) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"checkin_id": in.ID, "queued_at": now})
}

// streamFrames upgrades to a websocket and runs recognition on the frames the
// device sends. The run owns the connection after a successful start.
func (s *Server) streamFrames(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.engine.Session(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if !sess.IsActive(time.Now()) {
		s.fail(c, apperr.Newf(apperr.SessionNotActive, "httpapi.stream", "session %s is not active", id), nil)
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithField("error", err.Error()).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxImageBytes)
	claims, _ := auth.FromContext(c)
	run, err := s.engine.StartRecognition(c.Request.Context(), id, stream.NewWebSocketSource(conn))
	if err != nil {
		s.log.WithFields(logrus.Fields{"session_id": id, "error": err.Error()}).Warn("stream start failed")
		return
	}
	s.log.WithFields(logrus.Fields{"session_id": id, "run_id": run.ID(), "device_id": claims.DeviceID}).Info("device stream attached")
}
