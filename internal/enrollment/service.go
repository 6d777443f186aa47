package enrollment

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"faceattend/internal/apperr"
	"faceattend/internal/evidence"
	"faceattend/internal/faceclient"
	"faceattend/internal/matcher"
	"faceattend/internal/metrics"
	"faceattend/internal/model"
)

// Repository is the persistence the enrollment service needs.
type Repository interface {
	GetIdentity(ctx context.Context, key string) (model.Identity, error)
	SetIdentityActive(ctx context.Context, key string, active bool) error
	SaveEnrollments(ctx context.Context, ident *model.Identity, records []model.EnrollmentRecord) error
	ActiveFrontEnrollments(ctx context.Context, cohort string) ([]model.EnrollmentRecord, error)
	Enrollments(ctx context.Context, identityKey string, activeOnly bool) ([]model.EnrollmentRecord, error)
}

// Options carries the optional collaborators of a Service.
type Options struct {
	Evidence evidence.Store
	Cache    KnownSetCache
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Service enrolls identities and serves known sets to the matcher.
type Service struct {
	repo      Repository
	extractor faceclient.Extractor
	evidence  evidence.Store
	cache     KnownSetCache
	metrics   *metrics.Metrics
	log       *logrus.Logger
	now       func() time.Time
}

// NewService wires a service.
func NewService(repo Repository, extractor faceclient.Extractor, log *logrus.Logger, opts Options) *Service {
	s := &Service{
		repo:      repo,
		extractor: extractor,
		evidence:  opts.Evidence,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		log:       log,
		now:       opts.Now,
	}
	if s.evidence == nil {
		s.evidence = evidence.Discard{}
	}
	if s.cache == nil {
		s.cache = noCache{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Outcome reports the result of a three-angle enrollment. Errors is keyed by
// angle and is empty on success.
type Outcome struct {
	Identity model.Identity           `json:"student"`
	Records  []model.EnrollmentRecord `json:"enrollments"`
	Errors   map[model.Angle]string   `json:"errors,omitempty"`
}

// extract runs the extractor and applies the first-face policy. Zero faces is
// NoFaceDetected; several faces keep the first and flag the record.
func (s *Service) extract(ctx context.Context, key string, angle model.Angle, img image.Image) (model.EnrollmentRecord, error) {
	op := "enrollment.Extract"
	if img == nil {
		return model.EnrollmentRecord{}, apperr.New(apperr.DecodeError, op, "no image for "+string(angle))
	}
	start := time.Now()
	dets, err := s.extractor.Extract(ctx, img)
	s.metrics.ObserveExtract(time.Since(start).Seconds())
	if err != nil {
		return model.EnrollmentRecord{}, err
	}
	if len(dets) == 0 {
		return model.EnrollmentRecord{}, apperr.Newf(apperr.NoFaceDetected, op, "no face detected in %s image", angle)
	}
	rec := model.EnrollmentRecord{
		ID:            uuid.NewString(),
		IdentityKey:   key,
		Angle:         angle,
		Embedding:     dets[0].Embedding,
		Active:        true,
		CapturedAt:    s.now().UTC(),
		FacesDetected: len(dets),
		Ambiguous:     len(dets) > 1,
	}
	if rec.Ambiguous {
		s.log.WithFields(logrus.Fields{
			"student_id": key,
			"angle":      angle,
			"faces":      len(dets),
			"kind":       apperr.MultipleFacesAmbiguous.String(),
		}).Warn("multiple faces in enrollment image, using the first")
	}
	return rec, nil
}

// storeImage saves the enrollment image as audit evidence. Failures are
// logged and leave the reference empty.
func (s *Service) storeImage(ctx context.Context, rec *model.EnrollmentRecord, img image.Image) {
	data, err := faceclient.EncodeJPEG(img)
	if err == nil {
		rec.ImageRef, err = s.evidence.Save(ctx, evidence.Name("enrollments", rec.IdentityKey, string(rec.Angle)), data)
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{"student_id": rec.IdentityKey, "angle": rec.Angle, "error": err.Error()}).Warn("failed to store enrollment image")
	}
}

// Enroll extracts one angle for an existing identity and soft-replaces its
// active record for that angle.
func (s *Service) Enroll(ctx context.Context, key string, angle model.Angle, img image.Image) (model.EnrollmentRecord, error) {
	op := "enrollment.Enroll"
	if !angle.Valid() {
		return model.EnrollmentRecord{}, apperr.Newf(apperr.Invalid, op, "unknown angle %q", angle)
	}
	ident, err := s.repo.GetIdentity(ctx, key)
	if err != nil {
		return model.EnrollmentRecord{}, err
	}

	rec, err := s.extract(ctx, key, angle, img)
	if err != nil {
		s.metrics.Enrollment(string(angle), apperr.KindOf(err).String())
		return model.EnrollmentRecord{}, err
	}
	s.storeImage(ctx, &rec, img)

	if err := s.repo.SaveEnrollments(ctx, nil, []model.EnrollmentRecord{rec}); err != nil {
		return model.EnrollmentRecord{}, err
	}
	s.cache.Invalidate(ctx, ident.Cohort)
	s.metrics.Enrollment(string(angle), "ok")
	s.log.WithFields(logrus.Fields{"student_id": key, "angle": angle, "faces": rec.FacesDetected}).Info("enrollment saved")
	return rec, nil
}

// EnrollIdentity creates or updates the identity and enrolls all three
// angles. The angles are extracted concurrently and nothing is written unless
// every angle yields a face.
func (s *Service) EnrollIdentity(ctx context.Context, ident model.Identity, images map[model.Angle]image.Image) (Outcome, error) {
	op := "enrollment.EnrollIdentity"
	ident.Key = strings.TrimSpace(ident.Key)
	if ident.Key == "" || strings.ContainsRune(ident.Key, 0) {
		return Outcome{}, apperr.New(apperr.Invalid, op, "student id required")
	}

	records := make([]model.EnrollmentRecord, len(model.Angles))
	errs := make([]error, len(model.Angles))
	var g errgroup.Group
	for i, angle := range model.Angles {
		g.Go(func() error {
			records[i], errs[i] = s.extract(ctx, ident.Key, angle, images[angle])
			return nil
		})
	}
	_ = g.Wait()

	out := Outcome{Identity: ident}
	var first error
	for i, angle := range model.Angles {
		if errs[i] == nil {
			continue
		}
		if out.Errors == nil {
			out.Errors = make(map[model.Angle]string)
		}
		out.Errors[angle] = errs[i].Error()
		s.metrics.Enrollment(string(angle), apperr.KindOf(errs[i]).String())
		if first == nil {
			first = errs[i]
		}
	}
	if first != nil {
		failed := make([]string, 0, len(out.Errors))
		for _, angle := range model.Angles {
			if _, ok := out.Errors[angle]; ok {
				failed = append(failed, string(angle))
			}
		}
		return out, apperr.Wrap(apperr.KindOf(first), op, fmt.Errorf("enrollment failed for %s: %w", strings.Join(failed, ", "), first))
	}

	var prevCohort string
	if prev, err := s.repo.GetIdentity(ctx, ident.Key); err == nil {
		prevCohort = prev.Cohort
	} else if apperr.KindOf(err) != apperr.NotFound {
		return out, err
	}

	for i, angle := range model.Angles {
		s.storeImage(ctx, &records[i], images[angle])
	}
	if err := s.repo.SaveEnrollments(ctx, &ident, records); err != nil {
		return out, err
	}
	s.cache.Invalidate(ctx, ident.Cohort, prevCohort)

	saved, err := s.repo.GetIdentity(ctx, ident.Key)
	if err != nil {
		return out, err
	}
	out.Identity = saved
	out.Records = records
	for _, angle := range model.Angles {
		s.metrics.Enrollment(string(angle), "ok")
	}
	s.log.WithFields(logrus.Fields{"student_id": ident.Key, "cohort": ident.Cohort}).Info("identity enrolled")
	return out, nil
}

// LoadKnownSet returns the active front embeddings of active identities in a
// cohort (all cohorts when empty), in capture order.
func (s *Service) LoadKnownSet(ctx context.Context, cohort string) (matcher.KnownSet, error) {
	if ks, ok := s.cache.Get(ctx, cohort); ok {
		return ks, nil
	}
	gen, genErr := s.cache.Generation(ctx, cohort)
	recs, err := s.repo.ActiveFrontEnrollments(ctx, cohort)
	if err != nil {
		return matcher.KnownSet{}, apperr.Wrap(apperr.Unavailable, "enrollment.LoadKnownSet", err)
	}
	ks := matcher.KnownSet{
		Embeddings: make([][]float32, 0, len(recs)),
		Identities: make([]string, 0, len(recs)),
	}
	for _, rec := range recs {
		ks.Embeddings = append(ks.Embeddings, rec.Embedding)
		ks.Identities = append(ks.Identities, rec.IdentityKey)
	}
	if genErr == nil {
		s.cache.Set(ctx, cohort, gen, ks)
	}
	s.log.WithFields(logrus.Fields{"cohort": cohort, "known": ks.Len()}).Debug("known set loaded")
	return ks, nil
}

// AllAngles returns the active record for each enrolled angle of an identity.
func (s *Service) AllAngles(ctx context.Context, key string) (map[model.Angle]model.EnrollmentRecord, error) {
	if _, err := s.repo.GetIdentity(ctx, key); err != nil {
		return nil, err
	}
	recs, err := s.repo.Enrollments(ctx, key, true)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Angle]model.EnrollmentRecord, len(model.Angles))
	for _, rec := range recs {
		if _, ok := out[rec.Angle]; !ok {
			out[rec.Angle] = rec
		}
	}
	return out, nil
}

// Identity returns a stored identity.
func (s *Service) Identity(ctx context.Context, key string) (model.Identity, error) {
	return s.repo.GetIdentity(ctx, key)
}

// History lists every enrollment record of an identity, newest first.
func (s *Service) History(ctx context.Context, key string) ([]model.EnrollmentRecord, error) {
	if _, err := s.repo.GetIdentity(ctx, key); err != nil {
		return nil, err
	}
	return s.repo.Enrollments(ctx, key, false)
}

// Deactivate soft-deletes an identity. Its enrollments and attendance stay.
func (s *Service) Deactivate(ctx context.Context, key string) error {
	ident, err := s.repo.GetIdentity(ctx, key)
	if err != nil {
		return err
	}
	if err := s.repo.SetIdentityActive(ctx, key, false); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, ident.Cohort)
	s.log.WithField("student_id", key).Info("identity deactivated")
	return nil
}
