// Package user provides helpers for user registration and lifecycle updates.
package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_mirror_fleet_bot/internal/domain"
	"tg_mirror_fleet_bot/internal/logging"
)

type userCollection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Registrar ensures users are present in the database and records which
// mirrors they talk to.
type Registrar struct {
	users  userCollection
	logger *logrus.Entry
}

// NewRegistrar constructs a Registrar for the provided users collection.
func NewRegistrar(users userCollection, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		users:  users,
		logger: logger,
	}
}

// EnsureUser upserts the user with the default role when missing, marks it
// active and adds token to active_in if not already present.
func (r *Registrar) EnsureUser(ctx context.Context, userID int64, token string) (bool, error) {
	if r == nil || r.users == nil {
		return false, errors.New("user registrar is not initialized")
	}
	if ctx == nil {
		return false, errors.New("context is required")
	}
	if userID <= 0 {
		return false, errors.New("user id is required")
	}
	if token == "" {
		return false, errors.New("token is required")
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	update := bson.M{
		"$set": bson.M{
			"is_active":  true,
			"updated_at": now,
		},
		"$addToSet": bson.M{
			"active_in": token,
		},
		"$setOnInsert": bson.M{
			"user_id":         userID,
			"role":            domain.RoleDefault,
			"created_mirrors": bson.A{},
			"created_at":      now,
		},
	}

	result, err := r.users.UpdateOne(ctx,
		bson.M{"user_id": userID},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("ensure user: %w", err)
	}

	created := result != nil && result.UpsertedCount > 0
	if created {
		r.logger.WithFields(logging.Fields{
			"event":   "user_registered",
			"user_id": userID,
			"bot_id":  domain.BotID(token),
		}).Info("registered new user")
		return true, nil
	}

	r.logger.WithFields(logging.Fields{
		"event":   "user_seen",
		"user_id": userID,
		"bot_id":  domain.BotID(token),
	}).Debug("reactivated user")

	return false, nil
}

// RecordCreatedMirror appends token to the user's created_mirrors set.
func (r *Registrar) RecordCreatedMirror(ctx context.Context, userID int64, token string) error {
	if r == nil || r.users == nil {
		return errors.New("user registrar is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if userID <= 0 || token == "" {
		return errors.New("user id and token are required")
	}

	_, err := r.users.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$set":      bson.M{"updated_at": time.Now().UTC().Truncate(time.Millisecond)},
			"$addToSet": bson.M{"created_mirrors": token},
		},
	)
	if err != nil {
		return fmt.Errorf("record created mirror: %w", err)
	}

	return nil
}
