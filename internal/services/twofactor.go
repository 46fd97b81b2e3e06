package services

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"

	"github.com/relaypanel/backend/internal/models"
	"github.com/relaypanel/backend/pkg/logger"
	"github.com/relaypanel/backend/pkg/utils"
)

const (
	totpIssuer     = "Relay Panel"
	totpSecretSize = 32

	backupCodeCount  = 8
	backupCodeLength = 10
	// No 0/1/I/L/O: users read these back over the phone.
	backupCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
)

var (
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor authentication is already enabled")
	ErrTwoFactorNotEnabled     = errors.New("two-factor authentication is not enabled")
	ErrTwoFactorNotPending     = errors.New("two-factor setup has not been started")
	ErrInvalidTwoFactorCode    = errors.New("invalid two-factor code")
	ErrInvalidPassword         = errors.New("invalid password")
)

type TwoFactorService struct {
	DB *gorm.DB
}

func NewTwoFactorService(db *gorm.DB) *TwoFactorService {
	return &TwoFactorService{DB: db}
}

// BeginSetup generates a fresh secret into the temp column. Nothing is
// active yet: the user must echo one valid code back before the secret is
// promoted. Re-running setup overwrites any earlier unconfirmed secret.
func (s *TwoFactorService) BeginSetup(user *models.User) (secret string, provisioningURI string, err error) {
	if user.TwoFactorStatus() == models.TwoFactorActive {
		return "", "", ErrTwoFactorAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: user.Email,
		SecretSize:  totpSecretSize,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", err
	}

	encrypted, err := utils.EncryptAESGCM(key.Secret())
	if err != nil {
		return "", "", err
	}

	if err := s.DB.Model(user).Update("two_factor_temp_secret", encrypted).Error; err != nil {
		return "", "", err
	}

	return key.Secret(), key.URL(), nil
}

// ConfirmSetup promotes the temp secret after the user proves they enrolled
// it, clears the temp column and mints the backup codes. The plaintext codes
// are returned exactly once.
func (s *TwoFactorService) ConfirmSetup(user *models.User, code string) ([]string, error) {
	if user.TwoFactorStatus() == models.TwoFactorActive {
		return nil, ErrTwoFactorAlreadyEnabled
	}
	if user.TwoFactorStatus() != models.TwoFactorPending {
		return nil, ErrTwoFactorNotPending
	}

	secret := utils.DecryptOrPlaintext(user.TwoFactorTempSecret)
	if !validateTOTP(code, secret) {
		return nil, ErrInvalidTwoFactorCode
	}

	codes, hashes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}
	hashesJSON, err := json.Marshal(hashes)
	if err != nil {
		return nil, err
	}

	if err := s.DB.Model(user).Updates(map[string]interface{}{
		"two_factor_enabled":      true,
		"two_factor_secret":       user.TwoFactorTempSecret,
		"two_factor_temp_secret":  "",
		"two_factor_backup_codes": string(hashesJSON),
	}).Error; err != nil {
		return nil, err
	}

	logger.InfoWithUser(user.ID.String(), "two_factor_enabled", nil)
	return codes, nil
}

// Disable requires the current password plus one valid code, then clears the
// secret, temp secret and backup codes together and revokes every trusted
// device: the trust was established under the factor being removed.
func (s *TwoFactorService) Disable(user *models.User, password, code string) error {
	if user.TwoFactorStatus() != models.TwoFactorActive {
		return ErrTwoFactorNotEnabled
	}
	if !utils.CheckPassword(password, user.PasswordHash) {
		return ErrInvalidPassword
	}

	if _, ok, err := s.VerifyCode(user, code); err != nil {
		return err
	} else if !ok {
		return ErrInvalidTwoFactorCode
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(user).Updates(map[string]interface{}{
			"two_factor_enabled":      false,
			"two_factor_secret":       "",
			"two_factor_temp_secret":  "",
			"two_factor_backup_codes": "",
		}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", user.ID).Delete(&models.TrustedDevice{}).Error
	})
	if err != nil {
		return err
	}

	logger.InfoWithUser(user.ID.String(), "two_factor_disabled", nil)
	return nil
}

// RegenerateBackupCodes replaces the remaining codes under the same proof
// requirements as Disable.
func (s *TwoFactorService) RegenerateBackupCodes(user *models.User, password, code string) ([]string, error) {
	if user.TwoFactorStatus() != models.TwoFactorActive {
		return nil, ErrTwoFactorNotEnabled
	}
	if !utils.CheckPassword(password, user.PasswordHash) {
		return nil, ErrInvalidPassword
	}
	if _, ok, err := s.VerifyCode(user, code); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrInvalidTwoFactorCode
	}

	codes, hashes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}
	hashesJSON, err := json.Marshal(hashes)
	if err != nil {
		return nil, err
	}

	if err := s.DB.Model(user).Update("two_factor_backup_codes", string(hashesJSON)).Error; err != nil {
		return nil, err
	}

	logger.InfoWithUser(user.ID.String(), "backup_codes_regenerated", nil)
	return codes, nil
}

// VerifyCode accepts either a live TOTP code (±1 period of clock skew) or a
// one-time backup code. A consumed backup code is removed from the stored
// list with a conditional write, so the same code can never redeem twice even
// across concurrent requests. No match is a plain false, not an error.
func (s *TwoFactorService) VerifyCode(user *models.User, code string) (models.LoginMethod, bool, error) {
	if user.TwoFactorStatus() != models.TwoFactorActive {
		return "", false, ErrTwoFactorNotEnabled
	}

	normalized := strings.ReplaceAll(strings.TrimSpace(code), " ", "")

	secret := utils.DecryptOrPlaintext(user.TwoFactorSecret)
	if validateTOTP(normalized, secret) {
		return models.LoginMethodTOTP, true, nil
	}

	consumed, err := s.consumeBackupCode(user, normalized)
	if err != nil {
		return "", false, err
	}
	if consumed {
		return models.LoginMethodBackupCode, true, nil
	}

	return "", false, nil
}

func (s *TwoFactorService) consumeBackupCode(user *models.User, code string) (bool, error) {
	candidate := strings.ToUpper(code)
	if len(candidate) < 6 || user.TwoFactorBackupCodes == "" {
		return false, nil
	}

	var hashes []string
	if err := json.Unmarshal([]byte(user.TwoFactorBackupCodes), &hashes); err != nil {
		return false, err
	}

	matchIndex := -1
	for i, hash := range hashes {
		if utils.CheckPassword(candidate, hash) {
			matchIndex = i
			break
		}
	}
	if matchIndex == -1 {
		return false, nil
	}

	remaining := append(hashes[:matchIndex:matchIndex], hashes[matchIndex+1:]...)
	updatedJSON, err := json.Marshal(remaining)
	if err != nil {
		return false, err
	}

	// Conditional on the previous list value: if a concurrent request
	// consumed a code first, this write matches zero rows and the attempt
	// fails rather than double-spending.
	result := s.DB.Model(&models.User{}).
		Where("id = ? AND two_factor_backup_codes = ?", user.ID, user.TwoFactorBackupCodes).
		Update("two_factor_backup_codes", string(updatedJSON))
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	user.TwoFactorBackupCodes = string(updatedJSON)
	logger.InfoWithUser(user.ID.String(), "backup_code_used", map[string]interface{}{
		"remaining_codes": len(remaining),
	})
	return true, nil
}

func validateTOTP(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func generateBackupCodes() (plaintextCodes []string, hashedCodes []string, err error) {
	for i := 0; i < backupCodeCount; i++ {
		code, err := randomBackupCode()
		if err != nil {
			return nil, nil, err
		}
		plaintextCodes = append(plaintextCodes, code)

		hashed, err := utils.HashPassword(code)
		if err != nil {
			return nil, nil, err
		}
		hashedCodes = append(hashedCodes, hashed)
	}
	return plaintextCodes, hashedCodes, nil
}

func randomBackupCode() (string, error) {
	code := make([]byte, backupCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupCodeAlphabet))))
		if err != nil {
			return "", err
		}
		code[i] = backupCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}
