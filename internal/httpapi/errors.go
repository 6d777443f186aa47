package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"faceattend/internal/apperr"
)

// statusOf maps an error kind to its HTTP status.
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.DecodeError, apperr.Invalid:
		return http.StatusBadRequest
	case apperr.NoFaceDetected, apperr.MultipleFacesAmbiguous, apperr.UnknownIdentity:
		return http.StatusUnprocessableEntity
	case apperr.SessionNotActive, apperr.Conflict:
		return http.StatusConflict
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.Unavailable:
		return http.StatusServiceUnavailable
	case apperr.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as {"error": kind, "detail": message}. Internal details are
// logged, not returned.
func (s *Server) fail(c *gin.Context, err error, extra gin.H) {
	kind := apperr.KindOf(err)
	status := statusOf(kind)
	body := gin.H{"error": kind.String()}
	if kind == apperr.Internal {
		s.log.WithFields(logrus.Fields{
			"path":       c.FullPath(),
			"request_id": c.GetString("request_id"),
			"error":      err.Error(),
		}).Error("request failed")
	} else {
		body["detail"] = err.Error()
	}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(status, body)
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": apperr.Invalid.String(), "detail": err.Error()})
}
