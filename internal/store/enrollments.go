package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"faceattend/internal/apperr"
	"faceattend/internal/embedding"
	"faceattend/internal/model"
)

type enrollmentRow struct {
	ID          string    `db:"id"`
	IdentityKey string    `db:"identity_key"`
	Angle       string    `db:"angle"`
	Embedding   []byte    `db:"embedding"`
	ImageRef    string    `db:"image_ref"`
	Active      bool      `db:"is_active"`
	CapturedAt  time.Time `db:"captured_at"`
}

const enrollmentColumns = `e.id, e.identity_key, e.angle, e.embedding, e.image_ref, e.is_active, e.captured_at`

func (r enrollmentRow) record() (model.EnrollmentRecord, error) {
	vec, err := embedding.Decode(r.Embedding)
	if err != nil {
		return model.EnrollmentRecord{}, err
	}
	return model.EnrollmentRecord{
		ID:          r.ID,
		IdentityKey: r.IdentityKey,
		Angle:       model.Angle(r.Angle),
		Embedding:   vec,
		ImageRef:    r.ImageRef,
		Active:      r.Active,
		CapturedAt:  r.CapturedAt,
	}, nil
}

// SaveEnrollments writes new active enrollment records, deactivating the
// previous active record of each angle, in one transaction. When ident is
// non-nil it is upserted first in the same transaction. Writers for the same
// identity are serialized on the identity row.
func (d *DB) SaveEnrollments(ctx context.Context, ident *model.Identity, records []model.EnrollmentRecord) error {
	if len(records) == 0 {
		return apperr.New(apperr.Invalid, "store.SaveEnrollments", "no records")
	}
	key := records[0].IdentityKey
	for _, rec := range records {
		if rec.IdentityKey != key {
			return apperr.New(apperr.Invalid, "store.SaveEnrollments", "records span identities")
		}
	}

	return d.withTx(ctx, func(tx *sqlx.Tx) error {
		if ident != nil {
			if _, err := upsertIdentity(ctx, tx, *ident); err != nil {
				return err
			}
		}

		lock := `SELECT identity_key FROM identities WHERE identity_key = ?`
		if d.Driver == DriverPostgres {
			lock += ` FOR UPDATE`
		}
		var locked string
		if err := tx.GetContext(ctx, &locked, tx.Rebind(lock), key); err != nil {
			return noRows("store.SaveEnrollments", "identity "+key, err)
		}

		for _, rec := range records {
			blob, err := embedding.Encode(rec.Embedding)
			if err != nil {
				return apperr.Wrap(apperr.Invalid, "store.SaveEnrollments", err)
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE face_enrollments SET is_active = FALSE
				WHERE identity_key = ? AND angle = ? AND is_active = TRUE
			`), rec.IdentityKey, string(rec.Angle)); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO face_enrollments (id, identity_key, angle, embedding, image_ref, is_active, captured_at)
				VALUES (?, ?, ?, ?, ?, TRUE, ?)
			`), rec.ID, rec.IdentityKey, string(rec.Angle), blob, rec.ImageRef, rec.CapturedAt.UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

// ActiveFrontEnrollments returns the active front embeddings of active
// identities in a cohort (all cohorts when empty), ordered by capture time
// then id. Rows whose embedding cannot be decoded are skipped.
func (d *DB) ActiveFrontEnrollments(ctx context.Context, cohort string) ([]model.EnrollmentRecord, error) {
	var rows []enrollmentRow
	err := d.Client.SelectContext(ctx, &rows, d.Client.Rebind(`
		SELECT `+enrollmentColumns+`
		FROM face_enrollments e
		JOIN identities i ON i.identity_key = e.identity_key
		WHERE e.angle = 'front' AND e.is_active = TRUE AND i.is_active = TRUE
			AND (? = '' OR i.cohort = ?)
		ORDER BY e.captured_at, e.id
	`), cohort, cohort)
	if err != nil {
		return nil, err
	}
	return d.decodeRows(rows), nil
}

// Enrollments lists an identity's records, newest first.
func (d *DB) Enrollments(ctx context.Context, identityKey string, activeOnly bool) ([]model.EnrollmentRecord, error) {
	var rows []enrollmentRow
	err := d.Client.SelectContext(ctx, &rows, d.Client.Rebind(`
		SELECT `+enrollmentColumns+`
		FROM face_enrollments e
		WHERE e.identity_key = ? AND (? = FALSE OR e.is_active = TRUE)
		ORDER BY e.captured_at DESC, e.id DESC
	`), identityKey, activeOnly)
	if err != nil {
		return nil, err
	}
	return d.decodeRows(rows), nil
}

func (d *DB) decodeRows(rows []enrollmentRow) []model.EnrollmentRecord {
	out := make([]model.EnrollmentRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			d.log.WithFields(logrus.Fields{"enrollment_id": row.ID, "error": err.Error()}).Warn("skipping undecodable embedding")
			continue
		}
		out = append(out, rec)
	}
	return out
}
