package model

import "gorm.io/gorm"

// Credential represents one registered AI provider API key. A
// deactivated credential is retained for its usage and health history
// and is never hard-deleted.
type Credential struct {
	gorm.Model
	PublicID string `gorm:"type:varchar(64);uniqueIndex;not null"`
	Provider string `gorm:"type:varchar(100);index;not null"`
	OwnerID  string `gorm:"type:varchar(100);index;not null"`
	Nickname string `gorm:"type:varchar(100)"`
	Secret   string `gorm:"type:varchar(255);not null"`
	Active   bool   `gorm:"index;not null;default:true"`
}

// SecretSuffix returns the last 4 characters of the secret, or the full
// secret if it is shorter. Full secrets are never rendered back.
func (c *Credential) SecretSuffix() string {
	if len(c.Secret) > 4 {
		return c.Secret[len(c.Secret)-4:]
	}
	return c.Secret
}
