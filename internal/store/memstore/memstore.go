// Package memstore is an in-memory implementation of the repositories used
// by the enrollment, attendance and auth packages. It backs DB_DRIVER=memory
// and the package tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"faceattend/internal/apperr"
	"faceattend/internal/embedding"
	"faceattend/internal/model"
)

type refreshToken struct {
	deviceID  string
	expiresAt time.Time
	revoked   bool
}

// Store keeps all data behind one mutex.
type Store struct {
	mu          sync.Mutex
	identities  map[string]model.Identity
	enrollments []model.EnrollmentRecord
	sessions    map[string]model.Session
	records     map[string]map[string]model.AttendanceRecord
	devices     map[string]time.Time
	tokens      map[string]refreshToken
}

// New returns an empty store.
func New() *Store {
	return &Store{
		identities: make(map[string]model.Identity),
		sessions:   make(map[string]model.Session),
		records:    make(map[string]map[string]model.AttendanceRecord),
		devices:    make(map[string]time.Time),
		tokens:     make(map[string]refreshToken),
	}
}

func inCohort(ident model.Identity, cohort string) bool {
	return cohort == "" || ident.Cohort == cohort
}

// GetIdentity returns an identity by key.
func (s *Store) GetIdentity(_ context.Context, key string) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[key]
	if !ok {
		return model.Identity{}, apperr.Newf(apperr.NotFound, "memstore.GetIdentity", "identity %s not found", key)
	}
	return ident, nil
}

// UpsertIdentity creates or updates an identity, keeping an existing active flag.
func (s *Store) UpsertIdentity(_ context.Context, ident model.Identity) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertIdentity(ident), nil
}

func (s *Store) upsertIdentity(ident model.Identity) model.Identity {
	if prev, ok := s.identities[ident.Key]; ok {
		ident.Active = prev.Active
		ident.CreatedAt = prev.CreatedAt
	} else {
		ident.Active = true
		if ident.CreatedAt.IsZero() {
			ident.CreatedAt = time.Now().UTC()
		}
	}
	s.identities[ident.Key] = ident
	return ident
}

// SetIdentityActive flips the soft-delete flag.
func (s *Store) SetIdentityActive(_ context.Context, key string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[key]
	if !ok {
		return apperr.Newf(apperr.NotFound, "memstore.SetIdentityActive", "identity %s not found", key)
	}
	ident.Active = active
	s.identities[key] = ident
	return nil
}

func (s *Store) activeIdentities(cohort string) []model.Identity {
	var out []model.Identity
	for _, ident := range s.identities {
		if ident.Active && inCohort(ident, cohort) {
			out = append(out, ident)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		if out[i].FirstName != out[j].FirstName {
			return out[i].FirstName < out[j].FirstName
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// ActiveIdentities lists active identities of a cohort ordered by name.
func (s *Store) ActiveIdentities(_ context.Context, cohort string) ([]model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeIdentities(cohort), nil
}

// CountActiveIdentities counts active identities of a cohort.
func (s *Store) CountActiveIdentities(_ context.Context, cohort string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeIdentities(cohort)), nil
}

// SaveEnrollments soft-replaces the active record of each angle atomically.
func (s *Store) SaveEnrollments(_ context.Context, ident *model.Identity, records []model.EnrollmentRecord) error {
	if len(records) == 0 {
		return apperr.New(apperr.Invalid, "memstore.SaveEnrollments", "no records")
	}
	for _, rec := range records {
		if err := embedding.Validate(rec.Embedding); err != nil {
			return apperr.Wrap(apperr.Invalid, "memstore.SaveEnrollments", err)
		}
		if rec.IdentityKey != records[0].IdentityKey {
			return apperr.New(apperr.Invalid, "memstore.SaveEnrollments", "records span identities")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ident != nil {
		s.upsertIdentity(*ident)
	}
	key := records[0].IdentityKey
	if _, ok := s.identities[key]; !ok {
		return apperr.Newf(apperr.NotFound, "memstore.SaveEnrollments", "identity %s not found", key)
	}
	for _, rec := range records {
		for i := range s.enrollments {
			e := &s.enrollments[i]
			if e.IdentityKey == rec.IdentityKey && e.Angle == rec.Angle && e.Active {
				e.Active = false
			}
		}
		rec.Active = true
		rec.Embedding = append([]float32(nil), rec.Embedding...)
		rec.CapturedAt = rec.CapturedAt.UTC()
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		rec.FacesDetected, rec.Ambiguous = 0, false
		s.enrollments = append(s.enrollments, rec)
	}
	return nil
}

// ActiveFrontEnrollments returns active front records of active identities
// ordered by capture time then id.
func (s *Store) ActiveFrontEnrollments(_ context.Context, cohort string) ([]model.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.EnrollmentRecord
	for _, e := range s.enrollments {
		ident := s.identities[e.IdentityKey]
		if e.Angle == model.AngleFront && e.Active && ident.Active && inCohort(ident, cohort) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].CapturedAt.Before(out[j].CapturedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Enrollments lists an identity's records, newest first.
func (s *Store) Enrollments(_ context.Context, identityKey string, activeOnly bool) ([]model.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.EnrollmentRecord
	for _, e := range s.enrollments {
		if e.IdentityKey == identityKey && (!activeOnly || e.Active) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.After(out[j].CapturedAt) })
	return out, nil
}

// CreateSession inserts a session.
func (s *Store) CreateSession(_ context.Context, sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return apperr.Newf(apperr.Conflict, "memstore.CreateSession", "session %s exists", sess.ID)
	}
	s.sessions[sess.ID] = sess
	s.records[sess.ID] = make(map[string]model.AttendanceRecord)
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(_ context.Context, id string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, apperr.Newf(apperr.NotFound, "memstore.GetSession", "session %s not found", id)
	}
	return sess, nil
}

// TransitionSession moves an active session to a terminal status.
func (s *Store) TransitionSession(_ context.Context, id string, to model.SessionStatus, _ time.Time) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, apperr.Newf(apperr.NotFound, "memstore.TransitionSession", "session %s not found", id)
	}
	if sess.Status != model.SessionActive {
		return sess, apperr.Newf(apperr.Conflict, "memstore.TransitionSession", "session already %s", sess.Status)
	}
	sess.Status = to
	s.sessions[id] = sess
	return sess, nil
}

// ActiveSessionsEndedBefore lists active sessions whose window closed before t.
func (s *Store) ActiveSessionsEndedBefore(_ context.Context, t time.Time) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Session
	for _, sess := range s.sessions {
		if sess.Status == model.SessionActive && sess.EndTime.Before(t) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

// EnsureRecords creates missing absent records.
func (s *Store) EnsureRecords(_ context.Context, sessionID string, identityKeys []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.records[sessionID]
	if !ok {
		return 0, apperr.Newf(apperr.NotFound, "memstore.EnsureRecords", "session %s not found", sessionID)
	}
	created := 0
	for _, key := range identityKeys {
		if _, ok := recs[key]; ok {
			continue
		}
		recs[key] = model.AttendanceRecord{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			IdentityKey: key,
			Status:      model.StatusAbsent,
			CreatedAt:   at.UTC(),
			UpdatedAt:   at.UTC(),
		}
		created++
	}
	return created, nil
}

// MarkPresent upserts the (session, identity) record as present.
func (s *Store) MarkPresent(_ context.Context, rec model.AttendanceRecord) (model.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.records[rec.SessionID]
	if !ok {
		return model.AttendanceRecord{}, apperr.Newf(apperr.NotFound, "memstore.MarkPresent", "session %s not found", rec.SessionID)
	}
	now := time.Now().UTC()
	if rec.RecognizedAt != nil {
		now = rec.RecognizedAt.UTC()
	}
	cur, ok := recs[rec.IdentityKey]
	if !ok {
		cur = model.AttendanceRecord{
			ID:          rec.ID,
			SessionID:   rec.SessionID,
			IdentityKey: rec.IdentityKey,
			CreatedAt:   now,
		}
		if cur.ID == "" {
			cur.ID = uuid.NewString()
		}
	}
	cur.Status = model.StatusPresent
	cur.RecognizedAt = &now
	if rec.Confidence != nil {
		c := *rec.Confidence
		cur.Confidence = &c
	} else {
		cur.Confidence = nil
	}
	if rec.EvidenceRef != "" {
		cur.EvidenceRef = rec.EvidenceRef
	}
	cur.UpdatedAt = now
	recs[rec.IdentityKey] = cur
	return cur, nil
}

// Records lists all records of a session ordered by identity key.
func (s *Store) Records(_ context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AttendanceRecord, 0, len(s.records[sessionID]))
	for _, r := range s.records[sessionID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityKey < out[j].IdentityKey })
	return out, nil
}

// CountPresent counts present records of active cohort identities.
func (s *Store) CountPresent(_ context.Context, sessionID, cohort string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, r := range s.records[sessionID] {
		ident, ok := s.identities[key]
		if ok && ident.Active && inCohort(ident, cohort) && r.Status == model.StatusPresent {
			n++
		}
	}
	return n, nil
}

// PresentEntries lists present identities, most recent first.
func (s *Store) PresentEntries(_ context.Context, sessionID string) ([]model.PresentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PresentEntry
	for key, r := range s.records[sessionID] {
		if r.Status != model.StatusPresent {
			continue
		}
		entry := model.PresentEntry{
			IdentityKey:  key,
			Name:         s.identities[key].FullName(),
			RecognizedAt: *r.RecognizedAt,
			Confidence:   r.Confidence,
			EvidenceURL:  r.EvidenceRef,
		}
		for _, e := range s.enrollments {
			if e.IdentityKey == key && e.Angle == model.AngleFront && e.Active {
				entry.FrontImageURL = e.ImageRef
			}
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecognizedAt.Equal(out[j].RecognizedAt) {
			return out[i].RecognizedAt.After(out[j].RecognizedAt)
		}
		return out[i].IdentityKey < out[j].IdentityKey
	})
	return out, nil
}

// UpsertDevice ensures a device record exists.
func (s *Store) UpsertDevice(_ context.Context, deviceID string) error {
	if deviceID == "" {
		return apperr.New(apperr.Invalid, "memstore.UpsertDevice", "device id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		s.devices[deviceID] = time.Now().UTC()
	}
	return nil
}

// SaveRefreshToken stores a refresh token.
func (s *Store) SaveRefreshToken(_ context.Context, deviceID, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = refreshToken{deviceID: deviceID, expiresAt: expiresAt}
	return nil
}

// RefreshTokenDevice returns the device owning a live refresh token.
func (s *Store) RefreshTokenDevice(_ context.Context, token string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.tokens[token]
	if !ok || rt.revoked || !rt.expiresAt.After(now) {
		return "", apperr.New(apperr.NotFound, "memstore.RefreshTokenDevice", "refresh token expired or revoked")
	}
	return rt.deviceID, nil
}

// RevokeRefreshToken marks a token revoked.
func (s *Store) RevokeRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.tokens[token]; ok {
		rt.revoked = true
		s.tokens[token] = rt
	}
	return nil
}
