package models

import "github.com/google/uuid"

type LoginMethod string

const (
	LoginMethodPassword      LoginMethod = "password"
	LoginMethodTOTP          LoginMethod = "totp"
	LoginMethodBackupCode    LoginMethod = "backup_code"
	LoginMethodPasskey       LoginMethod = "passkey"
	LoginMethodGoogle        LoginMethod = "google"
	LoginMethodGitHub        LoginMethod = "github"
	LoginMethodTrustedDevice LoginMethod = "trusted_device"
)

// LoginLog records every authentication attempt, successful or not, so
// brute-force activity stays auditable. Failure rows are written before the
// error is returned to the caller.
type LoginLog struct {
	BaseModel
	UserID    *uuid.UUID  `json:"userID,omitempty" gorm:"type:uuid;index"`
	Email     string      `json:"email" gorm:"type:varchar(255);index"`
	Method    LoginMethod `json:"method" gorm:"type:varchar(32);not null"`
	Success   bool        `json:"success" gorm:"not null"`
	Reason    string      `json:"reason,omitempty" gorm:"type:varchar(255)"`
	IPAddress string      `json:"ipAddress" gorm:"type:varchar(64)"`
	UserAgent string      `json:"userAgent" gorm:"type:text"`
}
