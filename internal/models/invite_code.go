package models

import "github.com/google/uuid"

// InviteCode links new registrations to a referrer. Usage accounting is a
// conditional UPDATE (used_count < max_uses) so two concurrent redemptions of
// the last slot cannot both succeed.
type InviteCode struct {
	BaseModel
	Code      string     `json:"code" gorm:"type:varchar(32);uniqueIndex;not null"`
	OwnerID   *uuid.UUID `json:"ownerID,omitempty" gorm:"type:uuid;index"`
	MaxUses   int        `json:"maxUses" gorm:"default:0"`
	UsedCount int        `json:"usedCount" gorm:"default:0"`
	Disabled  bool       `json:"disabled" gorm:"default:false"`
}
