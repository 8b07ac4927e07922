package models

import "time"

// KeyValue is the durable string map behind cooldowns and runtime settings.
type KeyValue struct {
	Key       string    `gorm:"primaryKey;size:255" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
