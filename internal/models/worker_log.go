package models

import "time"

// WorkerLog captures worker process lifecycle events and captured output
// for debugging.
type WorkerLog struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	ConversationKey string `gorm:"size:191;index"`
	Backend         string `gorm:"size:32;index"`
	Port            int
	Event           string `gorm:"size:16"` // "start", "restart", "stop", "output"
	Detail          string `gorm:"type:mediumtext"`
	CreatedAt       time.Time
}
