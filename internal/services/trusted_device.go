package services

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaypanel/backend/internal/models"
	"github.com/relaypanel/backend/pkg/logger"
	"github.com/relaypanel/backend/pkg/utils"
)

// TrustedDeviceTTL is fixed at issue time. Last-used tracking never extends
// it; after 30 days the device re-proves the second factor.
const TrustedDeviceTTL = 30 * 24 * time.Hour

const trustTokenBytes = 32

var ErrTrustedDeviceNotFound = errors.New("trusted device not found")

// TrustedDeviceService manages the remember-this-device bypass for the
// second factor. Only the SHA-256 of a trust token is stored; the plaintext
// exists client-side only.
type TrustedDeviceService struct {
	DB *gorm.DB
}

func NewTrustedDeviceService(db *gorm.DB) *TrustedDeviceService {
	return &TrustedDeviceService{DB: db}
}

// Issue mints a new trust token after a successful second-factor
// verification and returns the plaintext exactly once.
func (s *TrustedDeviceService) Issue(user *models.User, name, userAgent string) (string, *models.TrustedDevice, error) {
	token := utils.RandomHex(trustTokenBytes)

	device := models.TrustedDevice{
		UserID:    user.ID,
		TokenHash: hashTrustToken(token),
		Name:      name,
		UserAgent: userAgent,
		ExpiresAt: time.Now().Add(TrustedDeviceTTL),
	}
	if err := s.DB.Create(&device).Error; err != nil {
		return "", nil, err
	}

	logger.InfoWithUser(user.ID.String(), "trusted_device_issued", map[string]interface{}{
		"device_id": device.ID.String(),
	})
	return token, &device, nil
}

// Validate reports whether the token belongs to a live trusted device of the
// given user. A hit refreshes last_used_at but never the expiry.
func (s *TrustedDeviceService) Validate(userID uuid.UUID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	var device models.TrustedDevice
	err := s.DB.
		Where("user_id = ? AND token_hash = ? AND disabled = ? AND expires_at > ?",
			userID, hashTrustToken(token), false, time.Now()).
		First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	now := time.Now()
	if err := s.DB.Model(&device).Update("last_used_at", now).Error; err != nil {
		return false, err
	}

	return true, nil
}

func (s *TrustedDeviceService) List(userID uuid.UUID) ([]models.TrustedDevice, error) {
	var devices []models.TrustedDevice
	err := s.DB.
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&devices).Error
	return devices, err
}

// Revoke removes one device. Scoped by owner so a user cannot revoke
// another user's device by guessing IDs.
func (s *TrustedDeviceService) Revoke(userID, deviceID uuid.UUID) error {
	result := s.DB.
		Where("id = ? AND user_id = ?", deviceID, userID).
		Delete(&models.TrustedDevice{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTrustedDeviceNotFound
	}

	logger.InfoWithUser(userID.String(), "trusted_device_revoked", map[string]interface{}{
		"device_id": deviceID.String(),
	})
	return nil
}

func (s *TrustedDeviceService) RevokeAll(userID uuid.UUID) error {
	return s.DB.Where("user_id = ?", userID).Delete(&models.TrustedDevice{}).Error
}

func hashTrustToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
