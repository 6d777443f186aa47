package auth

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"faceattend/internal/apperr"
)

// DeviceStore persists devices and their refresh tokens.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, deviceID string) error
	SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error
	RefreshTokenDevice(ctx context.Context, token string, now time.Time) (string, error)
	RevokeRefreshToken(ctx context.Context, token string) error
}

// Service registers capture devices and rotates their tokens.
type Service struct {
	store  DeviceStore
	signer *Signer
	log    *logrus.Logger
}

// NewService creates a device auth service.
func NewService(store DeviceStore, signer *Signer, log *logrus.Logger) *Service {
	return &Service{store: store, signer: signer, log: log}
}

// Signer returns the token signer used by the middleware.
func (s *Service) Signer() *Signer { return s.signer }

// Register records the device and issues its first token pair.
func (s *Service) Register(ctx context.Context, deviceID string) (TokenPair, error) {
	op := "auth.Register"
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return TokenPair{}, apperr.New(apperr.Invalid, op, "device_id required")
	}
	if err := s.store.UpsertDevice(ctx, deviceID); err != nil {
		return TokenPair{}, err
	}
	pair, err := s.issue(ctx, op, deviceID)
	if err != nil {
		return TokenPair{}, err
	}
	s.log.WithField("device_id", deviceID).Info("device registered")
	return pair, nil
}

// Refresh exchanges a live refresh token for a new pair. The old refresh
// token is revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	op := "auth.Refresh"
	claims, err := s.signer.Parse(refreshToken, TokenRefresh)
	if err != nil {
		return TokenPair{}, apperr.Wrap(apperr.Unauthorized, op, err)
	}
	deviceID, err := s.store.RefreshTokenDevice(ctx, refreshToken, s.signer.now())
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return TokenPair{}, apperr.New(apperr.Unauthorized, op, "refresh token revoked or expired")
		}
		return TokenPair{}, err
	}
	if deviceID != claims.DeviceID {
		return TokenPair{}, apperr.New(apperr.Unauthorized, op, "refresh token device mismatch")
	}
	if err := s.store.RevokeRefreshToken(ctx, refreshToken); err != nil {
		return TokenPair{}, err
	}
	return s.issue(ctx, op, deviceID)
}

// Revoke invalidates a refresh token.
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	return s.store.RevokeRefreshToken(ctx, refreshToken)
}

func (s *Service) issue(ctx context.Context, op, deviceID string) (TokenPair, error) {
	pair, err := s.signer.Issue(deviceID)
	if err != nil {
		return TokenPair{}, apperr.Wrap(apperr.Internal, op, err)
	}
	if err := s.store.SaveRefreshToken(ctx, deviceID, pair.RefreshToken, pair.RefreshExp); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}
