package attendance

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"faceattend/internal/apperr"
	"faceattend/internal/metrics"
	"faceattend/internal/model"
)

// Repository persists sessions and their attendance records.
type Repository interface {
	GetIdentity(ctx context.Context, key string) (model.Identity, error)
	ActiveIdentities(ctx context.Context, cohort string) ([]model.Identity, error)
	CountActiveIdentities(ctx context.Context, cohort string) (int, error)

	CreateSession(ctx context.Context, s model.Session) error
	GetSession(ctx context.Context, id string) (model.Session, error)
	TransitionSession(ctx context.Context, id string, to model.SessionStatus, at time.Time) (model.Session, error)
	ActiveSessionsEndedBefore(ctx context.Context, t time.Time) ([]model.Session, error)

	EnsureRecords(ctx context.Context, sessionID string, identityKeys []string, at time.Time) (int, error)
	MarkPresent(ctx context.Context, rec model.AttendanceRecord) (model.AttendanceRecord, error)
	Records(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error)
	CountPresent(ctx context.Context, sessionID, cohort string) (int, error)
	PresentEntries(ctx context.Context, sessionID string) ([]model.PresentEntry, error)
}

// NewSession describes a session to create.
type NewSession struct {
	Name      string
	Cohort    string
	Start     time.Time
	End       time.Time
	Threshold float64
}

// Service is the per-session attendance state machine.
type Service struct {
	repo    Repository
	log     *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a service backed by a repository. now may be nil.
func NewService(repo Repository, log *logrus.Logger, m *metrics.Metrics, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, log: log, metrics: m, now: now}
}

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.now() }

// CreateSession validates and stores an active session, then initializes an
// absent record for every active identity of its cohort.
func (s *Service) CreateSession(ctx context.Context, in NewSession) (model.Session, error) {
	op := "attendance.CreateSession"
	in.Name = strings.TrimSpace(in.Name)
	switch {
	case in.Name == "":
		return model.Session{}, apperr.New(apperr.Invalid, op, "session name required")
	case strings.TrimSpace(in.Cohort) == "":
		return model.Session{}, apperr.New(apperr.Invalid, op, "session cohort required")
	case in.Start.IsZero() || in.End.IsZero():
		return model.Session{}, apperr.New(apperr.Invalid, op, "start and end time required")
	case !in.End.After(in.Start):
		return model.Session{}, apperr.New(apperr.Invalid, op, "end time must be after start time")
	case in.Threshold < 0:
		return model.Session{}, apperr.New(apperr.Invalid, op, "threshold must not be negative")
	}

	sess := model.Session{
		ID:        uuid.NewString(),
		Name:      in.Name,
		Cohort:    in.Cohort,
		StartTime: in.Start.UTC(),
		EndTime:   in.End.UTC(),
		Status:    model.SessionActive,
		Threshold: in.Threshold,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return model.Session{}, err
	}
	if _, err := s.Initialize(ctx, sess); err != nil {
		return sess, err
	}
	s.log.WithFields(logrus.Fields{"session_id": sess.ID, "cohort": sess.Cohort}).Info("session created")
	return sess, nil
}

// GetSession returns a session.
func (s *Service) GetSession(ctx context.Context, id string) (model.Session, error) {
	return s.repo.GetSession(ctx, id)
}

// Initialize creates an absent record for each active cohort identity that
// has none. Running it again creates nothing and changes nothing.
func (s *Service) Initialize(ctx context.Context, sess model.Session) (int, error) {
	idents, err := s.repo.ActiveIdentities(ctx, sess.Cohort)
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(idents))
	for _, ident := range idents {
		keys = append(keys, ident.Key)
	}
	created, err := s.repo.EnsureRecords(ctx, sess.ID, keys, s.now())
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"session_id": sess.ID, "created": created}).Debug("session records initialized")
	return created, nil
}

// MarkPresent moves the identity's record to present, creating it first when
// missing. Marking again refreshes timestamp and confidence; evidence is
// replaced only when given.
func (s *Service) MarkPresent(ctx context.Context, sessionID, identityKey string, confidence float64, evidenceRef string) (model.AttendanceRecord, error) {
	op := "attendance.MarkPresent"
	if _, err := s.repo.GetIdentity(ctx, identityKey); err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return model.AttendanceRecord{}, apperr.Newf(apperr.UnknownIdentity, op, "identity %s is not enrolled", identityKey)
		}
		return model.AttendanceRecord{}, err
	}
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return model.AttendanceRecord{}, err
	}

	now := s.now().UTC()
	c := confidence
	rec, err := s.repo.MarkPresent(ctx, model.AttendanceRecord{
		SessionID:    sessionID,
		IdentityKey:  identityKey,
		RecognizedAt: &now,
		Confidence:   &c,
		EvidenceRef:  evidenceRef,
	})
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	s.metrics.Mark()
	s.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"student_id": identityKey,
		"confidence": confidence,
	}).Info("marked present")
	return rec, nil
}

// Statistics summarises a session against the active identities of its cohort.
func (s *Service) Statistics(ctx context.Context, sessionID string) (model.Statistics, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return model.Statistics{}, err
	}
	total, err := s.repo.CountActiveIdentities(ctx, sess.Cohort)
	if err != nil {
		return model.Statistics{}, err
	}
	present, err := s.repo.CountPresent(ctx, sessionID, sess.Cohort)
	if err != nil {
		return model.Statistics{}, err
	}
	return Summarize(total, present), nil
}

// Summarize computes statistics from counts.
func Summarize(total, present int) model.Statistics {
	st := model.Statistics{Total: total, Present: present, Absent: total - present}
	if total > 0 {
		st.Percentage = float64(present) * 100 / float64(total)
	}
	return st
}

// Present lists present identities, most recently recognized first.
func (s *Service) Present(ctx context.Context, sessionID string) ([]model.PresentEntry, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.PresentEntries(ctx, sessionID)
}

// Absent lists active cohort identities not marked present, ordered by name.
func (s *Service) Absent(ctx context.Context, sessionID string) ([]model.Identity, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	recs, err := s.repo.Records(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(recs))
	for _, r := range recs {
		if r.Status == model.StatusPresent {
			present[r.IdentityKey] = true
		}
	}
	idents, err := s.repo.ActiveIdentities(ctx, sess.Cohort)
	if err != nil {
		return nil, err
	}
	out := make([]model.Identity, 0, len(idents))
	for _, ident := range idents {
		if !present[ident.Key] {
			out = append(out, ident)
		}
	}
	return out, nil
}

// Records returns the raw records of a session.
func (s *Service) Records(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.Records(ctx, sessionID)
}

// End completes an active session.
func (s *Service) End(ctx context.Context, sessionID string) (model.Session, error) {
	return s.transition(ctx, sessionID, model.SessionCompleted)
}

// Cancel cancels an active session.
func (s *Service) Cancel(ctx context.Context, sessionID string) (model.Session, error) {
	return s.transition(ctx, sessionID, model.SessionCancelled)
}

func (s *Service) transition(ctx context.Context, sessionID string, to model.SessionStatus) (model.Session, error) {
	sess, err := s.repo.TransitionSession(ctx, sessionID, to, s.now())
	if err != nil {
		return sess, err
	}
	s.log.WithFields(logrus.Fields{"session_id": sessionID, "status": to}).Info("session closed")
	return sess, nil
}

// CompleteExpired completes active sessions whose end time has passed and
// returns them.
func (s *Service) CompleteExpired(ctx context.Context) ([]model.Session, error) {
	expired, err := s.repo.ActiveSessionsEndedBefore(ctx, s.now())
	if err != nil {
		return nil, err
	}
	done := make([]model.Session, 0, len(expired))
	for _, sess := range expired {
		closed, err := s.End(ctx, sess.ID)
		if err != nil {
			if apperr.KindOf(err) == apperr.Conflict {
				continue
			}
			return done, err
		}
		done = append(done, closed)
	}
	return done, nil
}
