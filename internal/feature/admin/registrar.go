// Package admin provisions the first admin and answers authorization
// questions for privileged commands.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_mirror_fleet_bot/internal/config"
	"tg_mirror_fleet_bot/internal/domain"
	"tg_mirror_fleet_bot/internal/logging"
)

// ErrSeedAdminMissing is returned when the users collection is empty and no
// seed admin id was configured.
var ErrSeedAdminMissing = errors.New("no users in database and " + config.KeySeedAdmin + " is not set")

// PromoteResult describes the outcome of a promotion request.
type PromoteResult int

const (
	Promoted PromoteResult = iota
	AlreadyAdmin
	NoSuchUser
)

type userCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Registrar bootstraps the seed admin and manages the admin role.
type Registrar struct {
	users  userCollection
	repo   *domain.UserRepository
	logger *logrus.Entry
}

// NewRegistrar constructs a Registrar for the provided users collection.
func NewRegistrar(users userCollection, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	registrar := &Registrar{
		users:  users,
		logger: logger,
	}
	if users != nil {
		registrar.repo = domain.NewUserRepository(users)
	}

	return registrar
}

// EnsureSeedAdmin inserts adminID with role=admin when the users collection
// is empty. An empty collection without a configured admin is fatal.
func (r *Registrar) EnsureSeedAdmin(ctx context.Context, adminID int64) error {
	if r == nil || r.users == nil {
		return errors.New("admin registrar is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	count, err := r.users.CountDocuments(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}

	if count > 0 {
		r.logger.WithFields(logging.Fields{
			"event": "seed_admin_skipped",
			"users": count,
		}).Debug("users already present, skipping seed admin")
		return nil
	}

	if adminID <= 0 {
		return ErrSeedAdminMissing
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	result, err := r.users.UpdateOne(ctx,
		bson.M{"user_id": adminID},
		bson.M{
			"$set": bson.M{
				"role":       domain.RoleAdmin,
				"is_active":  true,
				"updated_at": now,
			},
			"$setOnInsert": bson.M{
				"user_id":         adminID,
				"active_in":       bson.A{},
				"created_mirrors": bson.A{},
				"created_at":      now,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("ensure seed admin: %w", err)
	}

	r.logger.WithFields(logging.Fields{
		"event":          "seed_admin",
		"user_id":        adminID,
		"upserted_admin": upsertedCount(result),
	}).Info("provisioned seed admin")

	return nil
}

// IsAdmin reports whether userID is a known user with role=admin. Unknown
// users are never admins.
func (r *Registrar) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	user, err := r.find(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	return domain.IsAdminRole(user.Role), nil
}

// Promote sets role=admin on targetID.
func (r *Registrar) Promote(ctx context.Context, targetID int64) (PromoteResult, error) {
	user, err := r.find(ctx, targetID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return NoSuchUser, nil
		}
		return NoSuchUser, err
	}

	if domain.IsAdminRole(user.Role) {
		return AlreadyAdmin, nil
	}

	result, err := r.users.UpdateOne(ctx,
		bson.M{"user_id": targetID},
		bson.M{"$set": bson.M{
			"role":       domain.RoleAdmin,
			"updated_at": time.Now().UTC().Truncate(time.Millisecond),
		}},
	)
	if err != nil {
		return NoSuchUser, fmt.Errorf("promote user: %w", err)
	}
	if result != nil && result.MatchedCount == 0 {
		return NoSuchUser, nil
	}

	r.logger.WithFields(logging.Fields{
		"event":   "admin_promoted",
		"user_id": targetID,
	}).Info("promoted user to admin")

	return Promoted, nil
}

func (r *Registrar) find(ctx context.Context, userID int64) (domain.User, error) {
	if r == nil || r.repo == nil {
		return domain.User{}, errors.New("admin registrar is not initialized")
	}
	if userID <= 0 {
		return domain.User{}, fmt.Errorf("find user %d: %w", userID, domain.ErrNotFound)
	}

	return r.repo.GetByID(ctx, userID)
}

func upsertedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.UpsertedCount
}
