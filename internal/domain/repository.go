package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrNotFound is returned when a lookup matches no document.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a unique index.
	ErrDuplicate = errors.New("duplicate")
)

type userCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// UserRepository reads users from MongoDB.
type UserRepository struct {
	collection userCollection
}

// NewUserRepository constructs a UserRepository.
func NewUserRepository(collection userCollection) *UserRepository {
	return &UserRepository{collection: collection}
}

// GetByID fetches a user by Telegram user_id. ErrNotFound is wrapped when no
// such user exists.
func (r *UserRepository) GetByID(ctx context.Context, userID int64) (User, error) {
	if r == nil || r.collection == nil {
		return User{}, errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return User{}, errors.New("context is required")
	}
	if userID == 0 {
		return User{}, errors.New("user_id is required")
	}

	result := r.collection.FindOne(ctx, bson.M{"user_id": userID})
	if result == nil {
		return User{}, errors.New("find user returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return User{}, fmt.Errorf("find user %d: %w", userID, ErrNotFound)
		}
		return User{}, fmt.Errorf("find user: %w", err)
	}

	var user User
	if err := result.Decode(&user); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}

	return user, nil
}

// ForEach streams every user, active or not, to fn. Iteration stops at the
// first error returned by fn.
func (r *UserRepository) ForEach(ctx context.Context, fn func(User) error) error {
	if r == nil || r.collection == nil {
		return errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	cursor, err := r.collection.Find(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("find users: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var user User
		if err := cursor.Decode(&user); err != nil {
			return fmt.Errorf("decode user: %w", err)
		}
		if err := fn(user); err != nil {
			return err
		}
	}

	if err := cursor.Err(); err != nil {
		return fmt.Errorf("iterate users: %w", err)
	}

	return nil
}

type botCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// BotRepository persists and retrieves mirror credentials in MongoDB.
type BotRepository struct {
	collection botCollection
}

// NewBotRepository constructs a BotRepository.
func NewBotRepository(collection botCollection) *BotRepository {
	return &BotRepository{collection: collection}
}

// Create inserts a mirror record. ErrDuplicate is wrapped when the token is
// already registered.
func (r *BotRepository) Create(ctx context.Context, bot Bot) (Bot, error) {
	if r == nil || r.collection == nil {
		return Bot{}, errors.New("bot repository is not initialized")
	}
	if ctx == nil {
		return Bot{}, errors.New("context is required")
	}
	if bot.Token == "" {
		return Bot{}, errors.New("token is required")
	}
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	if _, err := r.collection.InsertOne(ctx, bot); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Bot{}, fmt.Errorf("insert bot %s: %w", BotID(bot.Token), ErrDuplicate)
		}
		return Bot{}, fmt.Errorf("insert bot: %w", err)
	}

	return bot, nil
}

// ListActive returns every mirror flagged is_active=true.
func (r *BotRepository) ListActive(ctx context.Context) ([]Bot, error) {
	if r == nil || r.collection == nil {
		return nil, errors.New("bot repository is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	cursor, err := r.collection.Find(ctx, bson.M{"is_active": true})
	if err != nil {
		return nil, fmt.Errorf("find active bots: %w", err)
	}

	bots := make([]Bot, 0)
	if err := cursor.All(ctx, &bots); err != nil {
		return nil, fmt.Errorf("decode active bots: %w", err)
	}

	return bots, nil
}

// SetActive flips is_active for token. ErrNotFound is wrapped when no
// mirror with that token exists.
func (r *BotRepository) SetActive(ctx context.Context, token string, active bool) error {
	if r == nil || r.collection == nil {
		return errors.New("bot repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if token == "" {
		return errors.New("token is required")
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"token": token},
		bson.M{"$set": bson.M{
			"is_active":  active,
			"updated_at": time.Now().UTC().Truncate(time.Millisecond),
		}},
	)
	if err != nil {
		return fmt.Errorf("update bot %s: %w", BotID(token), err)
	}
	if result != nil && result.MatchedCount == 0 {
		return fmt.Errorf("update bot %s: %w", BotID(token), ErrNotFound)
	}

	return nil
}
