package store

import (
	"context"
	"errors"
	"time"

	"faceattend/internal/apperr"
)

// UpsertDevice ensures a device record exists.
func (d *DB) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := d.Client.ExecContext(ctx, d.Client.Rebind(`
		INSERT INTO devices (device_id, created_at)
		VALUES (?, ?)
		ON CONFLICT (device_id) DO NOTHING
	`), deviceID, time.Now().UTC())
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (d *DB) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := d.Client.ExecContext(ctx, d.Client.Rebind(`
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES (?, ?, ?)
	`), deviceID, token, expiresAt.UTC())
	return err
}

// RefreshTokenDevice returns the device owning a live refresh token.
func (d *DB) RefreshTokenDevice(ctx context.Context, token string, now time.Time) (string, error) {
	var row struct {
		DeviceID  string    `db:"device_id"`
		ExpiresAt time.Time `db:"expires_at"`
		Revoked   bool      `db:"revoked"`
	}
	if err := d.Client.GetContext(ctx, &row, d.Client.Rebind(`
		SELECT device_id, expires_at, revoked FROM refresh_tokens WHERE token = ?
	`), token); err != nil {
		return "", noRows("store.RefreshTokenDevice", "refresh token", err)
	}
	if row.Revoked || !row.ExpiresAt.After(now) {
		return "", apperr.New(apperr.NotFound, "store.RefreshTokenDevice", "refresh token expired or revoked")
	}
	return row.DeviceID, nil
}

// RevokeRefreshToken marks a token revoked.
func (d *DB) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := d.Client.ExecContext(ctx, d.Client.Rebind(`UPDATE refresh_tokens SET revoked = TRUE WHERE token = ?`), token)
	return err
}
