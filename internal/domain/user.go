package domain

import "time"

// User represents a Telegram user known to at least one mirror.
type User struct {
	UserID         int64     `bson:"user_id" json:"user_id"`
	Role           string    `bson:"role" json:"role"`
	ActiveIn       []string  `bson:"active_in" json:"active_in"`
	CreatedMirrors []string  `bson:"created_mirrors" json:"created_mirrors"`
	IsActive       bool      `bson:"is_active" json:"is_active"`
	CreatedAt      time.Time `bson:"created_at,omitempty" json:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at,omitempty" json:"updated_at"`
}
