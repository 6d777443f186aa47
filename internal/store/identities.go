package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"faceattend/internal/apperr"
	"faceattend/internal/model"
)

const identityColumns = `identity_key, first_name, last_name, email, cohort, is_active, created_at`

// noRows maps sql.ErrNoRows to a NotFound error.
func noRows(op, what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Newf(apperr.NotFound, op, "%s not found", what)
	}
	return err
}

// GetIdentity returns an identity by key.
func (d *DB) GetIdentity(ctx context.Context, key string) (model.Identity, error) {
	return getIdentity(ctx, d.Client, key)
}

func getIdentity(ctx context.Context, q sqlx.ExtContext, key string) (model.Identity, error) {
	var ident model.Identity
	query := q.Rebind(`SELECT ` + identityColumns + ` FROM identities WHERE identity_key = ?`)
	if err := sqlx.GetContext(ctx, q, &ident, query, key); err != nil {
		return model.Identity{}, noRows("store.GetIdentity", "identity "+key, err)
	}
	return ident, nil
}

// UpsertIdentity creates the identity or updates its attributes. The active
// flag of an existing identity is left alone.
func (d *DB) UpsertIdentity(ctx context.Context, ident model.Identity) (model.Identity, error) {
	var out model.Identity
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, err = upsertIdentity(ctx, tx, ident)
		return err
	})
	return out, err
}

func upsertIdentity(ctx context.Context, tx *sqlx.Tx, ident model.Identity) (model.Identity, error) {
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = time.Now().UTC()
	}
	ident.Active = true
	query, args, err := sqlx.Named(`
		INSERT INTO identities (identity_key, first_name, last_name, email, cohort, is_active, created_at)
		VALUES (:identity_key, :first_name, :last_name, :email, :cohort, :is_active, :created_at)
		ON CONFLICT (identity_key) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			email = excluded.email,
			cohort = excluded.cohort
	`, ident)
	if err != nil {
		return model.Identity{}, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return model.Identity{}, err
	}
	return getIdentity(ctx, tx, ident.Key)
}

// SetIdentityActive flips the soft-delete flag.
func (d *DB) SetIdentityActive(ctx context.Context, key string, active bool) error {
	res, err := d.Client.ExecContext(ctx, d.Client.Rebind(`UPDATE identities SET is_active = ? WHERE identity_key = ?`), active, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "store.SetIdentityActive", "identity %s not found", key)
	}
	return nil
}

// ActiveIdentities lists active identities of a cohort (all cohorts when
// empty), ordered by last name then first name.
func (d *DB) ActiveIdentities(ctx context.Context, cohort string) ([]model.Identity, error) {
	var out []model.Identity
	err := d.Client.SelectContext(ctx, &out, d.Client.Rebind(`
		SELECT `+identityColumns+` FROM identities
		WHERE is_active = TRUE AND (? = '' OR cohort = ?)
		ORDER BY last_name, first_name, identity_key
	`), cohort, cohort)
	return out, err
}

// CountActiveIdentities counts active identities of a cohort.
func (d *DB) CountActiveIdentities(ctx context.Context, cohort string) (int, error) {
	var n int
	err := d.Client.GetContext(ctx, &n, d.Client.Rebind(`
		SELECT COUNT(*) FROM identities WHERE is_active = TRUE AND (? = '' OR cohort = ?)
	`), cohort, cohort)
	return n, err
}
