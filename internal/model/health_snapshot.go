package model

import (
	"time"

	"gorm.io/gorm"
)

// Health status labels derived from the score.
const (
	HealthGood   = "good"
	HealthMedium = "medium"
	HealthPoor   = "poor"
)

// HealthSnapshot persists the last known health state of a credential so
// a restart does not forget which keys were struggling. The in-memory
// record in the health monitor is authoritative while running.
type HealthSnapshot struct {
	gorm.Model
	CredentialID uint      `gorm:"uniqueIndex;not null"`
	Score        float64   `gorm:"default:100;not null"`
	AvgLatencyMs float64   `gorm:"default:0;not null"`
	LastStatus   string    `gorm:"type:varchar(20)"`
	LastTestedAt time.Time `gorm:"default:null"`
}
