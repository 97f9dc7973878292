package model

import "gorm.io/gorm"

// UsageCounter persists one quota counter for a (credential, model, day)
// triple. Model is empty for the credential's umbrella counter. Day is
// the YYYY-MM-DD label of the reset window, not the calendar date.
type UsageCounter struct {
	gorm.Model
	CredentialID uint   `gorm:"uniqueIndex:idx_counter;not null"`
	ModelName    string `gorm:"type:varchar(100);uniqueIndex:idx_counter"`
	Day          string `gorm:"type:varchar(10);uniqueIndex:idx_counter;not null"`
	Used         int    `gorm:"default:0;not null"`
	Quota        int    `gorm:"not null"`
}
