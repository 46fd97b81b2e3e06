package models

import "time"

type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

// TwoFactorState is derived from which secret column is populated. The
// columns are never both meaningful at once: setup writes the temp column,
// confirmation promotes it and clears the temp, disable clears everything.
type TwoFactorState string

const (
	TwoFactorUnconfigured TwoFactorState = "unconfigured"
	TwoFactorPending      TwoFactorState = "pending_confirmation"
	TwoFactorActive       TwoFactorState = "active"
)

type User struct {
	BaseModel
	Email        string   `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	Username     string   `json:"username" gorm:"type:varchar(100);uniqueIndex;not null"`
	PasswordHash string   `json:"-" gorm:"type:text;not null"`
	Role         UserRole `json:"role" gorm:"type:varchar(20);not null;default:'user'"`

	// Opaque token the proxy-node API uses to fetch this user's
	// subscription config. Issued at creation, rotated outside this core.
	SubscriptionToken string `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`

	// Account validity, independent of the session lifetime. An expired
	// account fails login outright even with correct credentials.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	LastLoginIP string     `json:"-" gorm:"type:varchar(64)"`

	TwoFactorEnabled     bool   `json:"twoFactorEnabled" gorm:"default:false"`
	TwoFactorSecret      string `json:"-" gorm:"type:text"`
	TwoFactorTempSecret  string `json:"-" gorm:"type:text"`
	TwoFactorBackupCodes string `json:"-" gorm:"type:text"`

	GoogleSub         *string    `json:"-" gorm:"type:varchar(255);uniqueIndex"`
	GitHubID          *string    `json:"-" gorm:"column:github_id;type:varchar(255);uniqueIndex"`
	OAuthProvider     *string    `json:"oauthProvider,omitempty" gorm:"column:oauth_provider;type:varchar(32)"`
	FirstOAuthLoginAt *time.Time `json:"-" gorm:"column:first_oauth_login_at"`
	LastOAuthLoginAt  *time.Time `json:"-" gorm:"column:last_oauth_login_at"`

	InviteCode *string `json:"-" gorm:"type:varchar(32)"`
}

func (u *User) TwoFactorStatus() TwoFactorState {
	switch {
	case u.TwoFactorEnabled && u.TwoFactorSecret != "":
		return TwoFactorActive
	case u.TwoFactorTempSecret != "":
		return TwoFactorPending
	default:
		return TwoFactorUnconfigured
	}
}

func (u *User) IsExpired() bool {
	return u.ExpiresAt != nil && time.Now().After(*u.ExpiresAt)
}
