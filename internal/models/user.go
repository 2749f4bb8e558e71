package models

import "time"

type User struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex" json:"username"`
	Name         string    `json:"name"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// PushSubscription stores a browser push endpoint for one device of a user.
// A user keeps at most one subscription per endpoint.
type PushSubscription struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	UserID    string `gorm:"index" json:"user_id"`
	Endpoint  string `json:"endpoint"`
	P256DH    string `json:"p256dh"`
	Auth      string `json:"auth"`
	CreatedAt time.Time
}
