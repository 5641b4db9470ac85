// Package mirror provisions the seed mirror credential at startup.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_mirror_fleet_bot/internal/config"
	"tg_mirror_fleet_bot/internal/domain"
	"tg_mirror_fleet_bot/internal/logging"
)

// ErrSeedMirrorMissing is returned when the bots collection is empty and no
// seed token was configured.
var ErrSeedMirrorMissing = errors.New("no bots in database and " + config.KeySeedToken + " is not set")

type botCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Registrar ensures at least one mirror credential exists.
type Registrar struct {
	bots   botCollection
	logger *logrus.Entry
}

// NewRegistrar constructs a Registrar for the provided bots collection.
func NewRegistrar(bots botCollection, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		bots:   bots,
		logger: logger,
	}
}

// EnsureSeedMirror inserts token as an active mirror created by
// domain.SeedCreator when the bots collection is empty.
func (r *Registrar) EnsureSeedMirror(ctx context.Context, token string) (bool, error) {
	if r == nil || r.bots == nil {
		return false, errors.New("mirror registrar is not initialized")
	}
	if ctx == nil {
		return false, errors.New("context is required")
	}

	count, err := r.bots.CountDocuments(ctx, bson.M{})
	if err != nil {
		return false, fmt.Errorf("count bots: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return false, ErrSeedMirrorMissing
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	result, err := r.bots.UpdateOne(ctx,
		bson.M{"token": token},
		bson.M{
			"$set": bson.M{"is_active": true},
			"$setOnInsert": bson.M{
				"token":      token,
				"created_by": domain.SeedCreator,
				"created_at": now,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("ensure seed mirror: %w", err)
	}

	created := result != nil && result.UpsertedCount > 0
	r.logger.WithFields(logging.Fields{
		"event":   "seed_mirror",
		"bot_id":  domain.BotID(token),
		"created": created,
	}).Info("provisioned seed mirror")

	return created, nil
}
