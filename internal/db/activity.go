package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/roundhouse/internal/models"
)

// StartTurn records a new active turn and returns its row.
func StartTurn(db *gorm.DB, rec models.TurnRecord) (*models.TurnRecord, error) {
	if rec.Status == "" {
		rec.Status = "active"
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if err := db.Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("db: start turn for %s: %w", rec.ConversationKey, err)
	}
	return &rec, nil
}

// CompleteTurn marks a turn finished.
func CompleteTurn(db *gorm.DB, id uint) error {
	now := time.Now()
	result := db.Model(&models.TurnRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       "completed",
		"completed_at": &now,
	})
	if result.Error != nil {
		return fmt.Errorf("db: complete turn %d: %w", id, result.Error)
	}
	return nil
}

// FailTurn marks a turn failed with its error text.
func FailTurn(db *gorm.DB, id uint, cause error) error {
	now := time.Now()
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	result := db.Model(&models.TurnRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       "failed",
		"error":        detail,
		"completed_at": &now,
	})
	if result.Error != nil {
		return fmt.Errorf("db: fail turn %d: %w", id, result.Error)
	}
	return nil
}

// RecentTurns returns the newest turns, most recent first.
func RecentTurns(db *gorm.DB, limit int) ([]models.TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var turns []models.TurnRecord
	err := db.Order("started_at DESC").Limit(limit).Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("db: recent turns: %w", err)
	}
	return turns, nil
}

// ExpireStaleTurns marks active turns older than cutoff as failed. Returns
// the number of rows changed. The idle sweep uses this to clear turns whose
// worker died without reporting completion.
func ExpireStaleTurns(db *gorm.DB, cutoff time.Time) (int64, error) {
	result := db.Model(&models.TurnRecord{}).
		Where("status = ? AND started_at < ?", "active", cutoff).
		Updates(map[string]interface{}{
			"status": "failed",
			"error":  "expired by idle sweep",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("db: expire stale turns: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// LogWorkerEvent appends a worker lifecycle event.
func LogWorkerEvent(db *gorm.DB, log models.WorkerLog) error {
	if err := db.Create(&log).Error; err != nil {
		return fmt.Errorf("db: log worker event for %s: %w", log.ConversationKey, err)
	}
	return nil
}
