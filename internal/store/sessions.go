package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"faceattend/internal/apperr"
	"faceattend/internal/model"
)

type sessionRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Cohort    string    `db:"cohort"`
	StartTime time.Time `db:"start_time"`
	EndTime   time.Time `db:"end_time"`
	Status    string    `db:"status"`
	Threshold float64   `db:"threshold"`
	CreatedAt time.Time `db:"created_at"`
}

const sessionColumns = `id, name, cohort, start_time, end_time, status, threshold, created_at`

func (r sessionRow) session() model.Session {
	return model.Session{
		ID:        r.ID,
		Name:      r.Name,
		Cohort:    r.Cohort,
		StartTime: r.StartTime.UTC(),
		EndTime:   r.EndTime.UTC(),
		Status:    model.SessionStatus(r.Status),
		Threshold: r.Threshold,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

// CreateSession inserts a session.
func (d *DB) CreateSession(ctx context.Context, s model.Session) error {
	query, args, err := sqlx.Named(`
		INSERT INTO attendance_sessions (id, name, cohort, start_time, end_time, status, threshold, created_at, updated_at)
		VALUES (:id, :name, :cohort, :start_time, :end_time, :status, :threshold, :created_at, :created_at)
	`, map[string]interface{}{
		"id":         s.ID,
		"name":       s.Name,
		"cohort":     s.Cohort,
		"start_time": s.StartTime.UTC(),
		"end_time":   s.EndTime.UTC(),
		"status":     string(s.Status),
		"threshold":  s.Threshold,
		"created_at": s.CreatedAt.UTC(),
	})
	if err != nil {
		return err
	}
	_, err = d.Client.ExecContext(ctx, d.Client.Rebind(query), args...)
	return err
}

// GetSession returns a session by id.
func (d *DB) GetSession(ctx context.Context, id string) (model.Session, error) {
	var row sessionRow
	if err := d.Client.GetContext(ctx, &row, d.Client.Rebind(`SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = ?`), id); err != nil {
		return model.Session{}, noRows("store.GetSession", "session "+id, err)
	}
	return row.session(), nil
}

// TransitionSession moves an active session to a terminal status. A session
// that is already terminal yields Conflict.
func (d *DB) TransitionSession(ctx context.Context, id string, to model.SessionStatus, at time.Time) (model.Session, error) {
	res, err := d.Client.ExecContext(ctx, d.Client.Rebind(`
		UPDATE attendance_sessions SET status = ?, updated_at = ?
		WHERE id = ? AND status = 'active'
	`), string(to), at.UTC(), id)
	if err != nil {
		return model.Session{}, err
	}
	s, err := d.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s, apperr.Newf(apperr.Conflict, "store.TransitionSession", "session already %s", s.Status)
	}
	return s, nil
}

// ActiveSessionsEndedBefore lists active sessions whose window closed before t.
func (d *DB) ActiveSessionsEndedBefore(ctx context.Context, t time.Time) ([]model.Session, error) {
	var rows []sessionRow
	err := d.Client.SelectContext(ctx, &rows, d.Client.Rebind(`
		SELECT `+sessionColumns+` FROM attendance_sessions
		WHERE status = 'active' AND end_time < ?
		ORDER BY end_time
	`), t.UTC())
	if err != nil {
		return nil, err
	}
	out := make([]model.Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.session())
	}
	return out, nil
}
