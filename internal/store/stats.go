package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// Stats is a point-in-time summary of the registries.
type Stats struct {
	Users       int64 `json:"users"`
	ActiveUsers int64 `json:"active_users"`
	Bots        int64 `json:"bots"`
	ActiveBots  int64 `json:"active_bots"`
}

// StatsProvider exposes helper methods to retrieve collection counts for basic
// diagnostics without leaking MongoDB internals to callers.
type StatsProvider struct {
	users countCollection
	bots  countCollection
}

// NewStatsProvider constructs a StatsProvider backed by the provided user and
// bot collections.
func NewStatsProvider(users, bots countCollection) *StatsProvider {
	return &StatsProvider{
		users: users,
		bots:  bots,
	}
}

// CountUsers returns the number of documents in the users collection.
func (p *StatsProvider) CountUsers(ctx context.Context) (int64, error) {
	if p == nil || p.users == nil {
		return 0, errors.New("stats provider is not initialized")
	}
	return count(ctx, p.users, bson.D{}, "users")
}

// CountBots returns the number of documents in the bots collection.
func (p *StatsProvider) CountBots(ctx context.Context) (int64, error) {
	if p == nil || p.bots == nil {
		return 0, errors.New("stats provider is not initialized")
	}
	return count(ctx, p.bots, bson.D{}, "bots")
}

// Snapshot collects all counters; the first failing count aborts.
func (p *StatsProvider) Snapshot(ctx context.Context) (Stats, error) {
	if p == nil || p.users == nil || p.bots == nil {
		return Stats{}, errors.New("stats provider is not initialized")
	}

	var (
		out Stats
		err error
	)

	if out.Users, err = count(ctx, p.users, bson.D{}, "users"); err != nil {
		return Stats{}, err
	}
	if out.ActiveUsers, err = count(ctx, p.users, bson.D{{Key: "is_active", Value: true}}, "active users"); err != nil {
		return Stats{}, err
	}
	if out.Bots, err = count(ctx, p.bots, bson.D{}, "bots"); err != nil {
		return Stats{}, err
	}
	if out.ActiveBots, err = count(ctx, p.bots, bson.D{{Key: "is_active", Value: true}}, "active bots"); err != nil {
		return Stats{}, err
	}

	return out, nil
}

func count(ctx context.Context, coll countCollection, filter bson.D, what string) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}

	n, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", what, err)
	}

	return n, nil
}
