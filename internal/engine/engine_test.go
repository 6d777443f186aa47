package engine

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"faceattend/internal/apperr"
	"faceattend/internal/attendance"
	"faceattend/internal/enrollment"
	"faceattend/internal/faceclient"
	"faceattend/internal/logging"
	"faceattend/internal/matcher"
	"faceattend/internal/model"
	"faceattend/internal/store/memstore"
	"faceattend/internal/stream"
)

func pattern(t *testing.T, lit func(x, y int) bool) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			if lit(x, y) {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	data, err := faceclient.EncodeJPEG(img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

var (
	leftHalf    = func(x, _ int) bool { return x < 16 }
	topHalf     = func(_, y int) bool { return y < 16 }
	bottomRight = func(x, y int) bool { return x >= 16 && y >= 16 }
	dark        = func(int, int) bool { return false }
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	repo := memstore.New()
	log := logging.Discard()
	fx := faceclient.New(faceclient.Config{Skip: true, Dim: 16}, log)
	return New(Config{
		Sessions:  attendance.NewService(repo, log, nil, time.Now),
		Enroll:    enrollment.NewService(repo, fx, log, enrollment.Options{Cache: enrollment.NewMemoryCache(time.Minute)}),
		Extractor: fx,
		Matcher:   matcher.New(matcher.Config{}),
		Log:       log,
	})
}

func enroll(t *testing.T, e *Engine, key, cohort string, front []byte) {
	t.Helper()
	side := pattern(t, func(x, y int) bool { return (x+y)%2 == 0 })
	_, err := e.EnrollIdentity(context.Background(), model.Identity{Key: key, FirstName: key, Cohort: cohort}, map[model.Angle][]byte{
		model.AngleFront: front,
		model.AngleLeft:  side,
		model.AngleRight: side,
	})
	if err != nil {
		t.Fatalf("enroll %s: %v", key, err)
	}
}

func activeSession(t *testing.T, e *Engine, cohort string) model.Session {
	t.Helper()
	sess, err := e.CreateSession(context.Background(), attendance.NewSession{
		Name:   "Morning",
		Cohort: cohort,
		Start:  time.Now().Add(-time.Minute),
		End:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestRecognizeFrameMarksCohortMember(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	alice := pattern(t, leftHalf)
	bob := pattern(t, topHalf)
	enroll(t, e, "alice", "cs101", alice)
	enroll(t, e, "bob", "math", bob)
	sess := activeSession(t, e, "cs101")

	res, err := e.RecognizeFrame(ctx, sess.ID, alice)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if !res.Matched || res.Student == nil || res.Student.Key != "alice" || res.FacesDetected != 1 {
		t.Fatalf("expected alice, got %+v", res)
	}
	if res.Confidence < 0.99 || res.Record == nil || res.Record.Status != model.StatusPresent {
		t.Fatalf("unexpected record %+v", res)
	}

	res, err = e.RecognizeFrame(ctx, sess.ID, bob)
	if err != nil {
		t.Fatalf("recognize bob: %v", err)
	}
	if res.Matched || res.Student != nil || res.Message == "" || res.FacesDetected != 1 {
		t.Fatalf("expected cohort rejection, got %+v", res)
	}

	stats, err := e.Statistics(ctx, sess.ID)
	if err != nil || stats.Total != 1 || stats.Present != 1 {
		t.Fatalf("unexpected stats %+v %v", stats, err)
	}
}

func TestRecognizeFrameWithoutMatch(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	enroll(t, e, "alice", "cs101", pattern(t, leftHalf))
	sess := activeSession(t, e, "cs101")

	res, err := e.RecognizeFrame(ctx, sess.ID, pattern(t, bottomRight))
	if err != nil || res.Matched || res.FacesDetected != 1 {
		t.Fatalf("expected unmatched face, got %+v %v", res, err)
	}
	res, err = e.RecognizeFrame(ctx, sess.ID, pattern(t, dark))
	if err != nil || res.FacesDetected != 0 {
		t.Fatalf("expected no face, got %+v %v", res, err)
	}
	if _, err := e.RecognizeFrame(ctx, sess.ID, []byte("garbage")); apperr.KindOf(err) != apperr.DecodeError {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	absent, _ := e.Absent(ctx, sess.ID)
	if len(absent) != 1 {
		t.Fatalf("expected alice still absent, got %+v", absent)
	}
}

func TestRecognizeFrameRequiresActiveSession(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	alice := pattern(t, leftHalf)
	enroll(t, e, "alice", "cs101", alice)
	sess := activeSession(t, e, "cs101")
	if _, err := e.CancelSession(ctx, sess.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := e.RecognizeFrame(ctx, sess.ID, alice); apperr.KindOf(err) != apperr.SessionNotActive {
		t.Fatalf("expected SessionNotActive, got %v", err)
	}
	if _, err := e.EndSession(ctx, sess.ID); apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("expected Conflict ending a cancelled session, got %v", err)
	}
}

func TestEnrollIdentityReportsBadAngles(t *testing.T) {
	e := newEngine(t)
	out, err := e.EnrollIdentity(context.Background(), model.Identity{Key: "s1"}, map[model.Angle][]byte{
		model.AngleFront: pattern(t, leftHalf),
		model.AngleLeft:  []byte("nope"),
	})
	if err == nil || out.Errors[model.AngleLeft] == "" || out.Errors[model.AngleRight] == "" {
		t.Fatalf("expected per-angle errors, got %+v %v", out, err)
	}
	if _, ok := out.Errors[model.AngleFront]; ok {
		t.Fatalf("front decoded fine, got %+v", out.Errors)
	}

	out, err = e.EnrollIdentity(context.Background(), model.Identity{Key: "s1"}, map[model.Angle][]byte{
		model.AngleFront: pattern(t, leftHalf),
		model.AngleLeft:  pattern(t, dark),
		model.AngleRight: pattern(t, topHalf),
	})
	if apperr.KindOf(err) != apperr.NoFaceDetected || out.Errors[model.AngleLeft] == "" {
		t.Fatalf("expected NoFaceDetected for left, got %+v %v", out, err)
	}
	if _, err := e.AllAngles(context.Background(), "s1"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("nothing should be written, got %v", err)
	}
}

func TestAllAnglesAfterEnrollment(t *testing.T) {
	e := newEngine(t)
	enroll(t, e, "s1", "cs101", pattern(t, leftHalf))
	v, err := e.AllAngles(context.Background(), "s1")
	if err != nil || !v.Complete || v.Identity.Cohort != "cs101" {
		t.Fatalf("unexpected verification %+v %v", v, err)
	}
}

func TestEndSessionStopsRuns(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	sess := activeSession(t, e, "cs101")

	run, err := e.StartRecognition(ctx, sess.ID, stream.NewChanSource(make(chan model.Frame)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st, err := e.RunStatus(run.ID()); err != nil || st.State != stream.StateRunning {
		t.Fatalf("unexpected status %+v %v", st, err)
	}
	if _, err := e.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
	if st := run.Status(); st.State != stream.StateStopped && st.State != stream.StateSessionEnded {
		t.Fatalf("unexpected final state %+v", st)
	}
	if _, err := e.RunStatus("missing"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

// grayExtractor returns one detection whose embedding is chosen by the
// frame's gray level, bucketed to absorb JPEG rounding.
type grayExtractor map[uint8][]float32

func (g grayExtractor) Extract(_ context.Context, img image.Image) ([]model.Detection, error) {
	r, _, _, _ := img.At(img.Bounds().Min.X, img.Bounds().Min.Y).RGBA()
	emb, ok := g[uint8(r>>8)/32]
	if !ok {
		return nil, nil
	}
	return []model.Detection{{Embedding: emb}}, nil
}

func gray(t *testing.T, level uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	data, err := faceclient.EncodeJPEG(img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestRecognizeFrameIgnoresNearerFaceFromOtherCohort(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	log := logging.Discard()
	fx := grayExtractor{
		0: {0, 1},    // alice front
		2: {0.40, 1}, // bob front
		4: {0.36, 1}, // camera frame
		6: {5, 5},    // side angles
	}
	e := New(Config{
		Sessions:  attendance.NewService(repo, log, nil, time.Now),
		Enroll:    enrollment.NewService(repo, fx, log, enrollment.Options{Cache: enrollment.NewMemoryCache(time.Minute)}),
		Extractor: fx,
		Matcher:   matcher.New(matcher.Config{}),
		Log:       log,
	})
	for _, s := range []struct {
		key, cohort string
		front       uint8
	}{{"alice", "cs101", 16}, {"bob", "math", 80}} {
		_, err := e.EnrollIdentity(ctx, model.Identity{Key: s.key, Cohort: s.cohort}, map[model.Angle][]byte{
			model.AngleFront: gray(t, s.front),
			model.AngleLeft:  gray(t, 208),
			model.AngleRight: gray(t, 208),
		})
		if err != nil {
			t.Fatalf("enroll %s: %v", s.key, err)
		}
	}
	sess := activeSession(t, e, "cs101")

	res, err := e.RecognizeFrame(ctx, sess.ID, gray(t, 144))
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if !res.Matched || res.Student == nil || res.Student.Key != "alice" {
		t.Fatalf("expected alice matched within her cohort, got %+v", res)
	}
	if res.Confidence < 0.63 || res.Confidence > 0.65 {
		t.Fatalf("expected confidence 1 - 0.36, got %v", res.Confidence)
	}
}
