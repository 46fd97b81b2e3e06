package services

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaypanel/backend/internal/models"
	"github.com/relaypanel/backend/pkg/logger"
	"github.com/relaypanel/backend/pkg/utils"
)

// LoginLogService persists the authentication trail. Writes are synchronous:
// a failed attempt must be on disk before the error leaves the handler, so
// a crash right after a rejection cannot lose the evidence.
type LoginLogService struct {
	DB *gorm.DB
}

func NewLoginLogService(db *gorm.DB) *LoginLogService {
	return &LoginLogService{DB: db}
}

// Record writes one attempt. Best effort beyond the insert: a logging
// failure is itself logged but never turns a successful login into an error.
func (s *LoginLogService) Record(entry models.LoginLog) {
	if err := s.DB.Create(&entry).Error; err != nil {
		logger.Error("failed to record login attempt", err, map[string]interface{}{
			"email":  entry.Email,
			"method": string(entry.Method),
		})
	}
}

// ListForUser returns the user's own attempts, newest first.
func (s *LoginLogService) ListForUser(userID uuid.UUID, p utils.PaginationParams) ([]models.LoginLog, int64, error) {
	query := s.DB.Model(&models.LoginLog{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []models.LoginLog
	err := utils.ApplyPagination(query, p).
		Order("created_at DESC").
		Find(&logs).Error
	return logs, total, err
}
