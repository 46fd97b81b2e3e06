package services

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/relaypanel/backend/internal/models"
)

var ErrInviteCodeInvalid = errors.New("invite code is invalid or exhausted")

// ConsumeInviteCode burns one use of the code. The increment is conditional
// on a slot still being free, so two concurrent redemptions of the last slot
// cannot both land. A MaxUses of zero means unlimited.
func ConsumeInviteCode(db *gorm.DB, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrInviteCodeInvalid
	}

	result := db.Model(&models.InviteCode{}).
		Where("code = ? AND disabled = ? AND (max_uses = 0 OR used_count < max_uses)", code, false).
		Update("used_count", gorm.Expr("used_count + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInviteCodeInvalid
	}
	return nil
}
