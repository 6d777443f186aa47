package stream

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"faceattend/internal/apperr"
	"faceattend/internal/evidence"
	"faceattend/internal/faceclient"
	"faceattend/internal/matcher"
	"faceattend/internal/metrics"
	"faceattend/internal/model"
)

// Sessions is the part of the attendance service the controller drives.
type Sessions interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
	MarkPresent(ctx context.Context, sessionID, identityKey string, confidence float64, evidenceRef string) (model.AttendanceRecord, error)
	Now() time.Time
}

// Enrollments loads the reference embeddings of a cohort and resolves the
// identities they belong to.
type Enrollments interface {
	LoadKnownSet(ctx context.Context, cohort string) (matcher.KnownSet, error)
	Identity(ctx context.Context, key string) (model.Identity, error)
}

// retainFinished is how long finished runs stay pollable.
const retainFinished = time.Hour

// Controller starts recognition runs and tracks them by id.
type Controller struct {
	sessions  Sessions
	known     Enrollments
	extractor faceclient.Extractor
	matcher   *matcher.Matcher
	evidence  evidence.Store
	metrics   *metrics.Metrics
	log       *logrus.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// Deps groups the controller's collaborators.
type Deps struct {
	Sessions  Sessions
	Known     Enrollments
	Extractor faceclient.Extractor
	Matcher   *matcher.Matcher
	Evidence  evidence.Store
	Metrics   *metrics.Metrics
	Log       *logrus.Logger
}

// NewController creates a controller.
func NewController(d Deps) *Controller {
	if d.Evidence == nil {
		d.Evidence = evidence.Discard{}
	}
	if d.Matcher == nil {
		d.Matcher = matcher.New(matcher.Config{})
	}
	return &Controller{
		sessions:  d.Sessions,
		known:     d.Known,
		extractor: d.Extractor,
		matcher:   d.Matcher,
		evidence:  d.Evidence,
		metrics:   d.Metrics,
		log:       d.Log,
		runs:      make(map[string]*Run),
	}
}

// Start validates the session, loads its known set and launches the frame
// loop. The run outlives ctx's cancellation but keeps its values. src is
// closed when the run exits, or immediately when Start fails.
func (c *Controller) Start(ctx context.Context, sessionID string, src FrameSource) (*Run, error) {
	op := "stream.Start"
	sess, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	if !sess.IsActive(c.sessions.Now()) {
		_ = src.Close()
		return nil, apperr.Newf(apperr.SessionNotActive, op, "session %s is %s or outside its window", sessionID, sess.Status)
	}
	known, err := c.known.LoadKnownSet(ctx, sess.Cohort)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := newRun(uuid.NewString(), sessionID, cancel)

	c.mu.Lock()
	c.pruneLocked()
	c.runs[run.id] = run
	c.mu.Unlock()

	c.metrics.RunStarted()
	c.log.WithFields(logrus.Fields{"run_id": run.id, "session_id": sessionID, "known": known.Len()}).Info("recognition run started")
	go c.loop(runCtx, run, src, known, c.matcher.WithThreshold(sess.Threshold))
	return run, nil
}

func (c *Controller) loop(ctx context.Context, run *Run, src FrameSource, known matcher.KnownSet, m *matcher.Matcher) {
	state, err := StateFinished, error(nil)
	defer func() {
		if cerr := src.Close(); cerr != nil {
			c.log.WithFields(logrus.Fields{"run_id": run.id, "error": cerr.Error()}).Debug("frame source close failed")
		}
		c.metrics.RunFinished()
		run.finish(state, err)
		entry := c.log.WithFields(logrus.Fields{"run_id": run.id, "session_id": run.sessionID, "state": state})
		if err != nil {
			entry.WithField("error", err.Error()).Warn("recognition run failed")
		} else {
			entry.Info("recognition run ended")
		}
	}()

	for {
		if ctx.Err() != nil {
			state = StateStopped
			return
		}
		sess, gerr := c.sessions.GetSession(ctx, run.sessionID)
		if gerr != nil {
			if ctx.Err() != nil {
				state = StateStopped
				return
			}
			state, err = StateFailed, gerr
			return
		}
		if !sess.IsActive(c.sessions.Now()) {
			state = StateSessionEnded
			return
		}

		frame, nerr := src.Next(ctx)
		if nerr != nil {
			switch {
			case errors.Is(nerr, io.EOF):
				state = StateFinished
			case ctx.Err() != nil:
				state = StateStopped
			default:
				state, err = StateFailed, nerr
			}
			return
		}
		c.process(ctx, run, src, sess, frame, known, m)
	}
}

// process handles one frame. Decode failures, frames without faces and
// unmatched faces are ordinary per-frame outcomes.
func (c *Controller) process(ctx context.Context, run *Run, src FrameSource, sess model.Session, frame model.Frame, known matcher.KnownSet, m *matcher.Matcher) {
	notify := func(ev Event) {
		if sink, ok := src.(EventSink); ok {
			sink.Emit(ev)
		}
	}

	img := frame.Image()
	if img == nil {
		run.frame(0)
		c.metrics.Frame(string(OutcomeDecodeError), 0)
		notify(Event{Outcome: OutcomeDecodeError})
		return
	}
	start := time.Now()
	dets, err := c.extractor.Extract(ctx, img)
	c.metrics.ObserveExtract(time.Since(start).Seconds())
	if err != nil {
		run.frame(0)
		outcome := OutcomeDecodeError
		if apperr.KindOf(err) != apperr.DecodeError {
			outcome = OutcomeExtractError
			c.log.WithFields(logrus.Fields{"run_id": run.id, "error": err.Error()}).Warn("extraction failed")
		}
		c.metrics.Frame(string(outcome), 0)
		notify(Event{Outcome: outcome})
		return
	}
	run.frame(len(dets))
	if len(dets) == 0 {
		c.metrics.Frame(string(OutcomeNoFace), 0)
		notify(Event{Outcome: OutcomeNoFace})
		return
	}

	res := m.Match(dets[0].Embedding, known)
	if res.Index >= 0 {
		c.metrics.Match(res.Matched, res.Distance)
	}
	if !res.Matched {
		c.metrics.Frame(string(OutcomeNoMatch), len(dets))
		notify(Event{Outcome: OutcomeNoMatch, Faces: len(dets)})
		return
	}
	if run.hasSeen(res.Identity) {
		c.metrics.Frame(string(OutcomeDuplicate), len(dets))
		notify(Event{Outcome: OutcomeDuplicate, Faces: len(dets), IdentityKey: res.Identity, Confidence: res.Confidence})
		return
	}

	markFailed := func(err error, ref string) {
		if k := apperr.KindOf(err); k == apperr.UnknownIdentity || k == apperr.NotFound {
			run.markSeen(res.Identity, false)
		}
		entry := c.log.WithFields(logrus.Fields{"run_id": run.id, "student_id": res.Identity, "error": err.Error()})
		if ref != "" {
			entry = entry.WithField("evidence_ref", ref)
		}
		entry.Warn("mark present failed")
		c.metrics.Frame(string(OutcomeMarkError), len(dets))
		notify(Event{Outcome: OutcomeMarkError, Faces: len(dets), IdentityKey: res.Identity})
	}
	if _, err := c.known.Identity(ctx, res.Identity); err != nil {
		markFailed(err, "")
		return
	}
	ref := c.saveEvidence(ctx, run, sess, res.Identity, img)
	if _, err := c.sessions.MarkPresent(ctx, sess.ID, res.Identity, res.Confidence, ref); err != nil {
		markFailed(err, ref)
		return
	}
	run.markSeen(res.Identity, true)
	c.metrics.Frame(string(OutcomeMarked), len(dets))
	notify(Event{Outcome: OutcomeMarked, Faces: len(dets), IdentityKey: res.Identity, Confidence: res.Confidence})
}

// saveEvidence stores the frame as JPEG. Failures are logged and yield an
// empty reference.
func (c *Controller) saveEvidence(ctx context.Context, run *Run, sess model.Session, identity string, img image.Image) string {
	data, err := faceclient.EncodeJPEG(img)
	if err != nil {
		c.log.WithFields(logrus.Fields{"run_id": run.id, "error": err.Error()}).Warn("evidence encode failed")
		return ""
	}
	ref, err := c.evidence.Save(ctx, evidence.Name("sessions", sess.ID, identity), data)
	if err != nil {
		c.log.WithFields(logrus.Fields{"run_id": run.id, "student_id": identity, "error": err.Error()}).Warn("evidence upload failed")
		return ""
	}
	return ref
}

// Get returns a tracked run.
func (c *Controller) Get(runID string) (*Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[runID]
	return run, ok
}

// Stop stops a run by id.
func (c *Controller) Stop(runID string) error {
	run, ok := c.Get(runID)
	if !ok {
		return apperr.Newf(apperr.NotFound, "stream.Stop", "run %s not found", runID)
	}
	run.Stop()
	return nil
}

// Runs lists the tracked runs of a session, or all runs when sessionID is empty.
func (c *Controller) Runs(sessionID string) []*Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Run
	for _, run := range c.runs {
		if sessionID == "" || run.sessionID == sessionID {
			out = append(out, run)
		}
	}
	return out
}

// StopSession stops every run of a session and returns how many were running.
func (c *Controller) StopSession(sessionID string) int {
	n := 0
	for _, run := range c.Runs(sessionID) {
		if done, _ := run.finished(); !done {
			n++
		}
		run.Stop()
	}
	return n
}

// Shutdown stops all runs and waits for them to exit or ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	runs := c.Runs("")
	for _, run := range runs {
		run.Stop()
	}
	for _, run := range runs {
		select {
		case <-run.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Controller) pruneLocked() {
	cutoff := time.Now().Add(-retainFinished)
	for id, run := range c.runs {
		if done, at := run.finished(); done && at.Before(cutoff) {
			delete(c.runs, id)
		}
	}
}
