package models

import "time"

// TurnRecord tracks one user turn routed through a backend worker, from
// inbound chat message to final response. Used for the dashboard activity
// feed and the idle-session sweep.
type TurnRecord struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	ConversationKey string `gorm:"size:191;index:idx_convo_started"`
	SessionID       string `gorm:"size:64;index"`
	Backend         string `gorm:"size:32"`
	Platform        string `gorm:"size:16"`
	UserID          string `gorm:"size:64"`
	UserName        string `gorm:"size:64"`
	Query           string `gorm:"type:mediumtext"`
	Status          string `gorm:"size:16;default:active;index"` // active, completed, failed
	Error           string `gorm:"type:text"`
	StartedAt       time.Time `gorm:"index:idx_convo_started"`
	CompletedAt     *time.Time
	CreatedAt       time.Time
}
