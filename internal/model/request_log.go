package model

import "gorm.io/gorm"

// RequestLog is an append-only record of one provider call outcome,
// real or probe. It feeds the recent-activity view and nothing else.
type RequestLog struct {
	gorm.Model
	CredentialID uint   `gorm:"index;not null"`
	Provider     string `gorm:"type:varchar(100);index;not null"`
	ModelName    string `gorm:"type:varchar(100)"`
	Success      bool   `gorm:"not null"`
	LatencyMs    int64  `gorm:"not null"`
	Probe        bool   `gorm:"not null;default:false"`
}
