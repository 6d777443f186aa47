// Package engine exposes the attendance operations to the outer layers:
// sessions, enrollment, streaming runs and single-frame recognition.
package engine

import (
	"context"
	"image"
	"time"

	"github.com/sirupsen/logrus"

	"faceattend/internal/apperr"
	"faceattend/internal/attendance"
	"faceattend/internal/enrollment"
	"faceattend/internal/evidence"
	"faceattend/internal/faceclient"
	"faceattend/internal/matcher"
	"faceattend/internal/metrics"
	"faceattend/internal/model"
	"faceattend/internal/stream"
)

// Engine wires the services together.
type Engine struct {
	sessions  *attendance.Service
	enroll    *enrollment.Service
	runs      *stream.Controller
	extractor faceclient.Extractor
	matcher   *matcher.Matcher
	evidence  evidence.Store
	metrics   *metrics.Metrics
	log       *logrus.Logger
}

// Config groups the engine's collaborators.
type Config struct {
	Sessions  *attendance.Service
	Enroll    *enrollment.Service
	Extractor faceclient.Extractor
	Matcher   *matcher.Matcher
	Evidence  evidence.Store
	Metrics   *metrics.Metrics
	Log       *logrus.Logger
}

// New creates an engine and its stream controller.
func New(cfg Config) *Engine {
	if cfg.Matcher == nil {
		cfg.Matcher = matcher.New(matcher.Config{})
	}
	if cfg.Evidence == nil {
		cfg.Evidence = evidence.Discard{}
	}
	return &Engine{
		sessions:  cfg.Sessions,
		enroll:    cfg.Enroll,
		extractor: cfg.Extractor,
		matcher:   cfg.Matcher,
		evidence:  cfg.Evidence,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
		runs: stream.NewController(stream.Deps{
			Sessions:  cfg.Sessions,
			Known:     cfg.Enroll,
			Extractor: cfg.Extractor,
			Matcher:   cfg.Matcher,
			Evidence:  cfg.Evidence,
			Metrics:   cfg.Metrics,
			Log:       cfg.Log,
		}),
	}
}

// Runs exposes the stream controller.
func (e *Engine) Runs() *stream.Controller { return e.runs }

// CreateSession stores a session and initializes its absent records.
func (e *Engine) CreateSession(ctx context.Context, in attendance.NewSession) (model.Session, error) {
	return e.sessions.CreateSession(ctx, in)
}

// Session returns a session.
func (e *Engine) Session(ctx context.Context, id string) (model.Session, error) {
	return e.sessions.GetSession(ctx, id)
}

// StartRecognition launches a run over src.
func (e *Engine) StartRecognition(ctx context.Context, sessionID string, src stream.FrameSource) (*stream.Run, error) {
	return e.runs.Start(ctx, sessionID, src)
}

// StopRecognition asks a run to stop.
func (e *Engine) StopRecognition(runID string) error {
	return e.runs.Stop(runID)
}

// RunStatus snapshots a run.
func (e *Engine) RunStatus(runID string) (stream.Status, error) {
	run, ok := e.runs.Get(runID)
	if !ok {
		return stream.Status{}, apperr.Newf(apperr.NotFound, "engine.RunStatus", "run %s not found", runID)
	}
	return run.Status(), nil
}

// SessionRuns snapshots the runs of a session.
func (e *Engine) SessionRuns(sessionID string) []stream.Status {
	runs := e.runs.Runs(sessionID)
	out := make([]stream.Status, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Status())
	}
	return out
}

// EndSession completes a session and stops its runs.
func (e *Engine) EndSession(ctx context.Context, sessionID string) (model.Session, error) {
	sess, err := e.sessions.End(ctx, sessionID)
	if err != nil {
		return sess, err
	}
	e.runs.StopSession(sessionID)
	return sess, nil
}

// CancelSession cancels a session and stops its runs.
func (e *Engine) CancelSession(ctx context.Context, sessionID string) (model.Session, error) {
	sess, err := e.sessions.Cancel(ctx, sessionID)
	if err != nil {
		return sess, err
	}
	e.runs.StopSession(sessionID)
	return sess, nil
}

// CompleteExpired ends sessions past their window and stops their runs.
func (e *Engine) CompleteExpired(ctx context.Context) ([]model.Session, error) {
	done, err := e.sessions.CompleteExpired(ctx)
	for _, sess := range done {
		e.runs.StopSession(sess.ID)
	}
	return done, err
}

// EnrollIdentity decodes the three angle images and enrolls them. Angles
// that fail to decode are reported like extraction failures.
func (e *Engine) EnrollIdentity(ctx context.Context, ident model.Identity, images map[model.Angle][]byte) (enrollment.Outcome, error) {
	op := "engine.EnrollIdentity"
	decoded := make(map[model.Angle]image.Image, len(model.Angles))
	out := enrollment.Outcome{Identity: ident}
	var first error
	for _, angle := range model.Angles {
		data, ok := images[angle]
		if !ok || len(data) == 0 {
			if out.Errors == nil {
				out.Errors = make(map[model.Angle]string)
			}
			out.Errors[angle] = "image required"
			if first == nil {
				first = apperr.Newf(apperr.Invalid, op, "%s image required", angle)
			}
			continue
		}
		img, err := faceclient.DecodeImage(data)
		if err != nil {
			if out.Errors == nil {
				out.Errors = make(map[model.Angle]string)
			}
			out.Errors[angle] = err.Error()
			if first == nil {
				first = err
			}
			continue
		}
		decoded[angle] = img
	}
	if first != nil {
		return out, first
	}
	return e.enroll.EnrollIdentity(ctx, ident, decoded)
}

// Deactivate soft-deletes an identity.
func (e *Engine) Deactivate(ctx context.Context, key string) error {
	return e.enroll.Deactivate(ctx, key)
}

// Verification is the active record per angle of one identity.
type Verification struct {
	Identity model.Identity                         `json:"student"`
	Angles   map[model.Angle]model.EnrollmentRecord `json:"angles"`
	Complete bool                                   `json:"complete"`
}

// AllAngles returns the identity and its active enrollments.
func (e *Engine) AllAngles(ctx context.Context, key string) (Verification, error) {
	ident, err := e.enroll.Identity(ctx, key)
	if err != nil {
		return Verification{}, err
	}
	angles, err := e.enroll.AllAngles(ctx, key)
	if err != nil {
		return Verification{}, err
	}
	return Verification{Identity: ident, Angles: angles, Complete: len(angles) == len(model.Angles)}, nil
}

// Statistics summarises a session.
func (e *Engine) Statistics(ctx context.Context, sessionID string) (model.Statistics, error) {
	return e.sessions.Statistics(ctx, sessionID)
}

// Present lists present identities, most recent first.
func (e *Engine) Present(ctx context.Context, sessionID string) ([]model.PresentEntry, error) {
	return e.sessions.Present(ctx, sessionID)
}

// Absent lists identities not yet present.
func (e *Engine) Absent(ctx context.Context, sessionID string) ([]model.Identity, error) {
	return e.sessions.Absent(ctx, sessionID)
}

// Recognition is the result of a single-frame check.
type Recognition struct {
	FacesDetected int                     `json:"faces_detected"`
	Matched       bool                    `json:"matched"`
	Student       *model.Identity         `json:"student,omitempty"`
	Confidence    float64                 `json:"confidence,omitempty"`
	Record        *model.AttendanceRecord `json:"record,omitempty"`
	Message       string                  `json:"message,omitempty"`
}

// RecognizeFrame matches the first face in data against the session cohort's
// known set and marks the matched identity present.
func (e *Engine) RecognizeFrame(ctx context.Context, sessionID string, data []byte) (Recognition, error) {
	op := "engine.RecognizeFrame"
	sess, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Recognition{}, err
	}
	if !sess.IsActive(e.sessions.Now()) {
		return Recognition{}, apperr.Newf(apperr.SessionNotActive, op, "session %s is %s or outside its window", sessionID, sess.Status)
	}
	img, err := faceclient.DecodeImage(data)
	if err != nil {
		e.metrics.Frame(string(stream.OutcomeDecodeError), 0)
		return Recognition{}, err
	}

	start := time.Now()
	dets, err := e.extractor.Extract(ctx, img)
	e.metrics.ObserveExtract(time.Since(start).Seconds())
	if err != nil {
		return Recognition{}, err
	}
	res := Recognition{FacesDetected: len(dets)}
	if len(dets) == 0 {
		e.metrics.Frame(string(stream.OutcomeNoFace), 0)
		res.Message = "no face detected"
		return res, nil
	}

	known, err := e.enroll.LoadKnownSet(ctx, sess.Cohort)
	if err != nil {
		return Recognition{}, err
	}
	m := e.matcher.WithThreshold(sess.Threshold)
	match := m.Match(dets[0].Embedding, known)
	if match.Index >= 0 {
		e.metrics.Match(match.Matched, match.Distance)
	}
	if !match.Matched {
		e.metrics.Frame(string(stream.OutcomeNoMatch), len(dets))
		res.Message = "face not recognized"
		return res, nil
	}

	ident, err := e.enroll.Identity(ctx, match.Identity)
	if err != nil {
		return Recognition{}, err
	}
	if ident.Cohort != sess.Cohort {
		e.metrics.Frame(string(stream.OutcomeNoMatch), len(dets))
		res.Message = "student not enrolled in this session's cohort"
		return res, nil
	}

	var ref string
	if jpeg, err := faceclient.EncodeJPEG(img); err == nil {
		ref, err = e.evidence.Save(ctx, evidence.Name("sessions", sess.ID, ident.Key), jpeg)
		if err != nil {
			e.log.WithFields(logrus.Fields{"session_id": sess.ID, "student_id": ident.Key, "error": err.Error()}).Warn("evidence upload failed")
		}
	}
	rec, err := e.sessions.MarkPresent(ctx, sess.ID, ident.Key, match.Confidence, ref)
	if err != nil {
		if ref != "" {
			e.log.WithFields(logrus.Fields{"session_id": sess.ID, "student_id": ident.Key, "evidence_ref": ref, "error": err.Error()}).Warn("mark present failed")
		}
		return Recognition{}, err
	}
	e.metrics.Frame(string(stream.OutcomeMarked), len(dets))
	res.Matched = true
	res.Student = &ident
	res.Confidence = match.Confidence
	res.Record = &rec
	return res, nil
}

// Shutdown stops every run.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.runs.Shutdown(ctx)
}
