package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"faceattend/internal/model"
)

type enrollForm struct {
	StudentID string `form:"student_id" binding:"required,max=64"`
	FirstName string `form:"first_name" binding:"required"`
	LastName  string `form:"last_name"`
	Email     string `form:"email" binding:"omitempty,email"`
	Cohort    string `form:"cohort"`
}

func (s *Server) enrollStudent(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 3*maxImageBytes)
	var form enrollForm
	if err := c.ShouldBind(&form); err != nil {
		s.badRequest(c, err)
		return
	}
	images := make(map[model.Angle][]byte, len(model.Angles))
	for _, angle := range model.Angles {
		data, err := formFile(c, string(angle)+"_image")
		if err != nil && !errors.Is(err, http.ErrMissingFile) {
			s.badRequest(c, err)
			return
		}
		if len(data) > 0 {
			images[angle] = data
		}
	}
	out, err := s.engine.EnrollIdentity(c.Request.Context(), model.Identity{
		Key:       form.StudentID,
		FirstName: form.FirstName,
		LastName:  form.LastName,
		Email:     form.Email,
		Cohort:    form.Cohort,
	}, images)
	if err != nil {
		s.fail(c, err, gin.H{"errors": out.Errors})
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (s *Server) studentEnrollments(c *gin.Context) {
	v, err := s.engine.AllAngles(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) deactivateStudent(c *gin.Context) {
	if err := s.engine.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func formFile(c *gin.Context, field string) ([]byte, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, err
	}
	if fh.Size > maxImageBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", field, maxImageBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// readImage accepts a multipart file under field or a raw image body.
func readImage(c *gin.Context, field string) ([]byte, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		data, err := formFile(c, field)
		if err != nil {
			return nil, fmt.Errorf("%s file required: %w", field, err)
		}
		return data, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxImageBytes))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("image body required")
	}
	return data, nil
}
