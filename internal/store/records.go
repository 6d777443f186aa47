package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"faceattend/internal/model"
)

type recordRow struct {
	ID           string     `db:"id"`
	SessionID    string     `db:"session_id"`
	IdentityKey  string     `db:"identity_key"`
	Status       string     `db:"status"`
	RecognizedAt *time.Time `db:"recognized_at"`
	Confidence   *float64   `db:"confidence"`
	EvidenceRef  string     `db:"evidence_ref"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

const recordColumns = `id, session_id, identity_key, status, recognized_at, confidence, evidence_ref, created_at, updated_at`

func (r recordRow) record() model.AttendanceRecord {
	rec := model.AttendanceRecord{
		ID:          r.ID,
		SessionID:   r.SessionID,
		IdentityKey: r.IdentityKey,
		Status:      model.AttendanceStatus(r.Status),
		Confidence:  r.Confidence,
		EvidenceRef: r.EvidenceRef,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.RecognizedAt != nil {
		t := r.RecognizedAt.UTC()
		rec.RecognizedAt = &t
	}
	return rec
}

// EnsureRecords creates an absent record for every identity that has none in
// the session and returns how many were created.
func (d *DB) EnsureRecords(ctx context.Context, sessionID string, identityKeys []string, at time.Time) (int, error) {
	created := 0
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt := tx.Rebind(`
			INSERT INTO attendance_records (id, session_id, identity_key, status, evidence_ref, created_at, updated_at)
			VALUES (?, ?, ?, 'absent', '', ?, ?)
			ON CONFLICT (session_id, identity_key) DO NOTHING
		`)
		for _, key := range identityKeys {
			res, err := tx.ExecContext(ctx, stmt, uuid.NewString(), sessionID, key, at.UTC(), at.UTC())
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			created += int(n)
		}
		return nil
	})
	return created, err
}

// MarkPresent sets the (session, identity) record to present in a single
// upsert, creating it when missing. An empty evidence ref keeps the stored one.
func (d *DB) MarkPresent(ctx context.Context, rec model.AttendanceRecord) (model.AttendanceRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var recognizedAt time.Time
	if rec.RecognizedAt != nil {
		recognizedAt = rec.RecognizedAt.UTC()
	} else {
		recognizedAt = time.Now().UTC()
	}

	var out model.AttendanceRecord
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO attendance_records (id, session_id, identity_key, status, recognized_at, confidence, evidence_ref, created_at, updated_at)
			VALUES (?, ?, ?, 'present', ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, identity_key) DO UPDATE SET
				status = 'present',
				recognized_at = excluded.recognized_at,
				confidence = excluded.confidence,
				evidence_ref = CASE WHEN excluded.evidence_ref <> '' THEN excluded.evidence_ref ELSE attendance_records.evidence_ref END,
				updated_at = excluded.updated_at
		`), rec.ID, rec.SessionID, rec.IdentityKey, recognizedAt, rec.Confidence, rec.EvidenceRef, recognizedAt, recognizedAt)
		if err != nil {
			return err
		}
		var row recordRow
		if err := tx.GetContext(ctx, &row, tx.Rebind(`
			SELECT `+recordColumns+` FROM attendance_records WHERE session_id = ? AND identity_key = ?
		`), rec.SessionID, rec.IdentityKey); err != nil {
			return err
		}
		out = row.record()
		return nil
	})
	return out, err
}

// Records lists all records of a session.
func (d *DB) Records(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	var rows []recordRow
	if err := d.Client.SelectContext(ctx, &rows, d.Client.Rebind(`
		SELECT `+recordColumns+` FROM attendance_records WHERE session_id = ? ORDER BY identity_key
	`), sessionID); err != nil {
		return nil, err
	}
	out := make([]model.AttendanceRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

// CountPresent counts present records of the session held by active
// identities of the cohort.
func (d *DB) CountPresent(ctx context.Context, sessionID, cohort string) (int, error) {
	var n int
	err := d.Client.GetContext(ctx, &n, d.Client.Rebind(`
		SELECT COUNT(*) FROM attendance_records r
		JOIN identities i ON i.identity_key = r.identity_key
		WHERE r.session_id = ? AND r.status = 'present' AND i.is_active = TRUE
			AND (? = '' OR i.cohort = ?)
	`), sessionID, cohort, cohort)
	return n, err
}

type presentRow struct {
	IdentityKey   string    `db:"identity_key"`
	FirstName     string    `db:"first_name"`
	LastName      string    `db:"last_name"`
	RecognizedAt  time.Time `db:"recognized_at"`
	Confidence    *float64  `db:"confidence"`
	EvidenceRef   string    `db:"evidence_ref"`
	FrontImageRef string    `db:"front_image_ref"`
}

// PresentEntries lists present identities, most recently recognized first,
// with their active front enrollment image.
func (d *DB) PresentEntries(ctx context.Context, sessionID string) ([]model.PresentEntry, error) {
	var rows []presentRow
	err := d.Client.SelectContext(ctx, &rows, d.Client.Rebind(`
		SELECT r.identity_key, i.first_name, i.last_name, r.recognized_at, r.confidence, r.evidence_ref,
			COALESCE(e.image_ref, '') AS front_image_ref
		FROM attendance_records r
		JOIN identities i ON i.identity_key = r.identity_key
		LEFT JOIN face_enrollments e
			ON e.identity_key = r.identity_key AND e.angle = 'front' AND e.is_active = TRUE
		WHERE r.session_id = ? AND r.status = 'present'
		ORDER BY r.recognized_at DESC, r.identity_key
	`), sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]model.PresentEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.PresentEntry{
			IdentityKey:   row.IdentityKey,
			Name:          model.Identity{FirstName: row.FirstName, LastName: row.LastName}.FullName(),
			RecognizedAt:  row.RecognizedAt.UTC(),
			Confidence:    row.Confidence,
			EvidenceURL:   row.EvidenceRef,
			FrontImageURL: row.FrontImageRef,
		})
	}
	return out, nil
}
