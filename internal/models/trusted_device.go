package models

import (
	"time"

	"github.com/google/uuid"
)

// TrustedDevice lets a recognized browser skip the second factor for a
// bounded window. Only the SHA-256 of the opaque token is stored; the raw
// token is shown to the client once at issue time.
type TrustedDevice struct {
	BaseModel
	UserID     uuid.UUID  `json:"userID" gorm:"type:uuid;index;not null"`
	TokenHash  string     `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`
	Name       string     `json:"name" gorm:"type:varchar(255);not null"`
	UserAgent  string     `json:"userAgent" gorm:"type:text"`
	Disabled   bool       `json:"disabled" gorm:"default:false"`
	ExpiresAt  time.Time  `json:"expiresAt" gorm:"not null;index"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	User       User       `json:"-" gorm:"foreignKey:UserID"`
}
