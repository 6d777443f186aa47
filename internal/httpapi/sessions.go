package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"faceattend/internal/attendance"
	"faceattend/internal/queue"
	"faceattend/internal/stream"
)

type createSessionRequest struct {
	Name      string    `json:"name" binding:"required"`
	Cohort    string    `json:"cohort" binding:"required"`
	StartTime time.Time `json:"start_time" binding:"required"`
	EndTime   time.Time `json:"end_time" binding:"required,gtfield=StartTime"`
	Threshold float64   `json:"threshold" binding:"gte=0"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	sess, err := s.engine.CreateSession(c.Request.Context(), attendance.NewSession{
		Name:      req.Name,
		Cohort:    req.Cohort,
		Start:     req.StartTime,
		End:       req.EndTime,
		Threshold: req.Threshold,
	})
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.engine.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "active": sess.IsActive(time.Now()), "runs": s.engine.SessionRuns(sess.ID)})
}

func (s *Server) endSession(c *gin.Context) {
	sess, err := s.engine.EndSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) cancelSession(c *gin.Context) {
	sess, err := s.engine.CancelSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) statistics(c *gin.Context) {
	st, err := s.engine.Statistics(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) present(c *gin.Context) {
	entries, err := s.engine.Present(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"present_students": entries, "count": len(entries)})
}

func (s *Server) absent(c *gin.Context) {
	idents, err := s.engine.Absent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"absent_students": idents, "count": len(idents)})
}

func (s *Server) recognize(c *gin.Context) {
	data, err := readImage(c, "image")
	if err != nil {
		s.badRequest(c, err)
		return
	}
	res, err := s.engine.RecognizeFrame(c.Request.Context(), c.Param("id"), data)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

// startRun starts a recognition run fed by the session's frame queue.
func (s *Server) startRun(c *gin.Context) {
	id := c.Param("id")
	src := stream.NewQueueSource(s.broker.Queue(queue.FramesKey(id)))
	run, err := s.engine.StartRecognition(c.Request.Context(), id, src)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusAccepted, run.Status())
}

func (s *Server) sessionRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.engine.SessionRuns(c.Param("id"))})
}

func (s *Server) runStatus(c *gin.Context) {
	st, err := s.engine.RunStatus(c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) stopRun(c *gin.Context) {
	if err := s.engine.StopRecognition(c.Param("id")); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.Status(http.StatusAccepted)
}
