package domain

import (
	"strings"
	"time"
)

// SeedCreator is the created_by value of the mirror provisioned at bootstrap.
const SeedCreator int64 = 0

// Bot represents one mirror credential.
type Bot struct {
	Token     string    `bson:"token" json:"-"`
	CreatedBy int64     `bson:"created_by" json:"created_by"`
	IsActive  bool      `bson:"is_active" json:"is_active"`
	CreatedAt time.Time `bson:"created_at,omitempty" json:"created_at"`
}

// BotID returns the public numeric prefix of a token, safe to log.
func BotID(token string) string {
	if idx := strings.Index(token, ":"); idx > 0 {
		return token[:idx]
	}
	return "unknown"
}
