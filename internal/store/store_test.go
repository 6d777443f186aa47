package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"faceattend/internal/apperr"
	"faceattend/internal/logging"
	"faceattend/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(DriverSQLite, ":memory:", logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedIdentity(t *testing.T, db *DB, key, cohort string) model.Identity {
	t.Helper()
	ident, err := db.UpsertIdentity(context.Background(), model.Identity{Key: key, FirstName: "F" + key, LastName: "L" + key, Cohort: cohort})
	if err != nil {
		t.Fatalf("upsert identity %s: %v", key, err)
	}
	return ident
}

func enrollment(key string, angle model.Angle, at time.Time, v ...float32) model.EnrollmentRecord {
	return model.EnrollmentRecord{ID: uuid.NewString(), IdentityKey: key, Angle: angle, Embedding: v, CapturedAt: at}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	if err := db.migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestSaveEnrollmentsSoftReplaces(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedIdentity(t, db, "s1", "cs101")
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	if err := db.SaveEnrollments(ctx, nil, []model.EnrollmentRecord{
		enrollment("s1", model.AngleFront, t0, 1, 0),
		enrollment("s1", model.AngleLeft, t0, 0, 1),
	}); err != nil {
		t.Fatalf("first enrollment: %v", err)
	}
	if err := db.SaveEnrollments(ctx, nil, []model.EnrollmentRecord{enrollment("s1", model.AngleFront, t0.Add(time.Minute), 2, 0)}); err != nil {
		t.Fatalf("re-enrollment: %v", err)
	}

	all, err := db.Enrollments(ctx, "s1", false)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records kept, got %d", len(all))
	}
	active, _ := db.Enrollments(ctx, "s1", true)
	if len(active) != 2 {
		t.Fatalf("expected 2 active records, got %d", len(active))
	}
	for _, rec := range active {
		if rec.Angle == model.AngleFront && rec.Embedding[0] != 2 {
			t.Fatalf("expected newest front embedding active, got %v", rec.Embedding)
		}
	}
}

func TestSaveEnrollmentsUnknownIdentity(t *testing.T) {
	db := newTestDB(t)
	err := db.SaveEnrollments(context.Background(), nil, []model.EnrollmentRecord{enrollment("ghost", model.AngleFront, time.Now(), 1)})
	if apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestActiveFrontEnrollmentsScope(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	for i, key := range []string{"b", "a", "c"} {
		seedIdentity(t, db, key, "cs101")
		if err := db.SaveEnrollments(ctx, nil, []model.EnrollmentRecord{
			enrollment(key, model.AngleFront, t0.Add(time.Duration(i)*time.Second), float32(i+1)),
			enrollment(key, model.AngleRight, t0, 9),
		}); err != nil {
			t.Fatalf("enroll %s: %v", key, err)
		}
	}
	seedIdentity(t, db, "x", "math")
	_ = db.SaveEnrollments(ctx, nil, []model.EnrollmentRecord{enrollment("x", model.AngleFront, t0, 5)})
	if err := db.SetIdentityActive(ctx, "c", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	recs, err := db.ActiveFrontEnrollments(ctx, "cs101")
	if err != nil {
		t.Fatalf("known set: %v", err)
	}
	if len(recs) != 2 || recs[0].IdentityKey != "b" || recs[1].IdentityKey != "a" {
		t.Fatalf("expected [b a] in capture order, got %+v", recs)
	}
	all, _ := db.ActiveFrontEnrollments(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 across cohorts, got %d", len(all))
	}
}

func newSession(t *testing.T, db *DB, cohort string) model.Session {
	t.Helper()
	now := time.Now().UTC()
	s := model.Session{ID: uuid.NewString(), Name: "lecture", Cohort: cohort, StartTime: now.Add(-time.Minute), EndTime: now.Add(time.Hour), Status: model.SessionActive, CreatedAt: now}
	if err := db.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func TestEnsureRecordsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedIdentity(t, db, "s1", "cs101")
	seedIdentity(t, db, "s2", "cs101")
	s := newSession(t, db, "cs101")

	n, err := db.EnsureRecords(ctx, s.ID, []string{"s1", "s2"}, time.Now())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 created, got %d %v", n, err)
	}
	n, err = db.EnsureRecords(ctx, s.ID, []string{"s1", "s2"}, time.Now())
	if err != nil || n != 0 {
		t.Fatalf("expected 0 created on rerun, got %d %v", n, err)
	}
	recs, _ := db.Records(ctx, s.ID)
	if len(recs) != 2 || recs[0].Status != model.StatusAbsent || recs[0].RecognizedAt != nil {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestMarkPresentRefreshesMetadata(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedIdentity(t, db, "s1", "cs101")
	s := newSession(t, db, "cs101")

	c1, c2 := 0.8, 0.9
	first, err := db.MarkPresent(ctx, model.AttendanceRecord{SessionID: s.ID, IdentityKey: "s1", Confidence: &c1, EvidenceRef: "e1"})
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if first.Status != model.StatusPresent || first.RecognizedAt == nil {
		t.Fatalf("expected present with timestamp, got %+v", first)
	}
	second, err := db.MarkPresent(ctx, model.AttendanceRecord{SessionID: s.ID, IdentityKey: "s1", Confidence: &c2})
	if err != nil {
		t.Fatalf("remark: %v", err)
	}
	if second.ID != first.ID || *second.Confidence != 0.9 || second.EvidenceRef != "e1" {
		t.Fatalf("expected refreshed row keeping evidence, got %+v", second)
	}

	present, err := db.CountPresent(ctx, s.ID, "cs101")
	if err != nil || present != 1 {
		t.Fatalf("expected 1 present, got %d %v", present, err)
	}
	entries, err := db.PresentEntries(ctx, s.ID)
	if err != nil || len(entries) != 1 || entries[0].Name != "Fs1 Ls1" {
		t.Fatalf("unexpected present entries %+v %v", entries, err)
	}
}

func TestConcurrentMarkPresentSingleRow(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedIdentity(t, db, "s1", "cs101")
	s := newSession(t, db, "cs101")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := float64(i) / 10
			if _, err := db.MarkPresent(ctx, model.AttendanceRecord{SessionID: s.ID, IdentityKey: "s1", Confidence: &c}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent mark failed: %v", err)
	}
	recs, _ := db.Records(ctx, s.ID)
	if len(recs) != 1 {
		t.Fatalf("expected a single row, got %d", len(recs))
	}
}

func TestTransitionSession(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := newSession(t, db, "")

	got, err := db.TransitionSession(ctx, s.ID, model.SessionCompleted, time.Now())
	if err != nil || got.Status != model.SessionCompleted {
		t.Fatalf("complete: %+v %v", got, err)
	}
	if _, err := db.TransitionSession(ctx, s.ID, model.SessionCancelled, time.Now()); apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("expected conflict on terminal session, got %v", err)
	}
	if _, err := db.TransitionSession(ctx, "missing", model.SessionCompleted, time.Now()); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestActiveSessionsEndedBefore(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := newSession(t, db, "cs101")

	ended, err := db.ActiveSessionsEndedBefore(ctx, time.Now())
	if err != nil || len(ended) != 0 {
		t.Fatalf("expected none ended yet, got %v %v", ended, err)
	}
	ended, _ = db.ActiveSessionsEndedBefore(ctx, s.EndTime.Add(time.Second))
	if len(ended) != 1 || ended[0].ID != s.ID {
		t.Fatalf("expected session to be expired, got %+v", ended)
	}
}

func TestRefreshTokens(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	if err := db.UpsertDevice(ctx, "cam-1"); err != nil {
		t.Fatalf("device: %v", err)
	}
	if err := db.SaveRefreshToken(ctx, "cam-1", "tok", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save token: %v", err)
	}
	dev, err := db.RefreshTokenDevice(ctx, "tok", time.Now())
	if err != nil || dev != "cam-1" {
		t.Fatalf("lookup: %s %v", dev, err)
	}
	_ = db.RevokeRefreshToken(ctx, "tok")
	if _, err := db.RefreshTokenDevice(ctx, "tok", time.Now()); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected revoked token rejected, got %v", err)
	}
}
