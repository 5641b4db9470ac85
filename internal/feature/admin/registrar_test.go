package admin

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_mirror_fleet_bot/internal/domain"
)

func TestEnsureSeedAdminInsertsWhenEmpty(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()
	fake := &fakeUsers{updateOneResult: &mongo.UpdateResult{UpsertedCount: 1}}

	registrar := NewRegistrar(fake, logrus.NewEntry(hookLogger))

	if err := registrar.EnsureSeedAdmin(context.Background(), 999); err != nil {
		t.Fatalf("EnsureSeedAdmin returned error: %v", err)
	}

	if len(fake.updateOneCalls) != 1 {
		t.Fatalf("expected one upsert call, got %d", len(fake.updateOneCalls))
	}
	call := fake.updateOneCalls[0]

	filter, ok := call.filter.(bson.M)
	if !ok || filter["user_id"] != int64(999) {
		t.Fatalf("expected filter on user_id 999, got %v", call.filter)
	}

	update, ok := call.update.(bson.M)
	if !ok {
		t.Fatalf("expected update bson.M, got %T", call.update)
	}
	setFields, _ := update["$set"].(bson.M)
	if setFields["role"] != domain.RoleAdmin || setFields["is_active"] != true {
		t.Fatalf("expected admin role and active flag, got %v", setFields)
	}
	onInsert, _ := update["$setOnInsert"].(bson.M)
	if _, ok := onInsert["active_in"].(bson.A); !ok {
		t.Fatalf("expected active_in array on insert, got %v", onInsert)
	}
	if !call.upsert {
		t.Fatalf("expected upsert option to be set")
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Data["event"] != "seed_admin" {
		t.Fatalf("expected seed_admin log entry, got %v", entry)
	}
	if entry.Data["upserted_admin"] != int64(1) {
		t.Fatalf("expected upserted_admin=1, got %v", entry.Data["upserted_admin"])
	}
}

func TestEnsureSeedAdminSkipsWhenUsersExist(t *testing.T) {
	fake := &fakeUsers{count: 3}
	registrar := NewRegistrar(fake, nil)

	if err := registrar.EnsureSeedAdmin(context.Background(), 0); err != nil {
		t.Fatalf("expected no error when users exist, got %v", err)
	}
	if len(fake.updateOneCalls) != 0 {
		t.Fatalf("expected no writes, got %d", len(fake.updateOneCalls))
	}
}

func TestEnsureSeedAdminFailsWithoutConfiguredAdmin(t *testing.T) {
	registrar := NewRegistrar(&fakeUsers{}, nil)

	err := registrar.EnsureSeedAdmin(context.Background(), 0)
	if !errors.Is(err, ErrSeedAdminMissing) {
		t.Fatalf("expected ErrSeedAdminMissing, got %v", err)
	}
}

func TestEnsureSeedAdminPropagatesErrors(t *testing.T) {
	countErr := errors.New("count failed")
	registrar := NewRegistrar(&fakeUsers{countErr: countErr}, nil)
	if err := registrar.EnsureSeedAdmin(context.Background(), 1); !errors.Is(err, countErr) {
		t.Fatalf("expected count error, got %v", err)
	}

	updateErr := errors.New("update failed")
	registrar = NewRegistrar(&fakeUsers{updateOneErr: updateErr}, nil)
	if err := registrar.EnsureSeedAdmin(context.Background(), 1); !errors.Is(err, updateErr) {
		t.Fatalf("expected update error, got %v", err)
	}
}

func TestIsAdmin(t *testing.T) {
	fake := &fakeUsers{users: map[int64]bson.M{
		1: {"user_id": int64(1), "role": domain.RoleAdmin},
		2: {"user_id": int64(2), "role": domain.RoleDefault},
	}}
	registrar := NewRegistrar(fake, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		userID int64
		want   bool
	}{
		{"admin", 1, true},
		{"default role", 2, false},
		{"unknown user", 42, false},
		{"zero id", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := registrar.IsAdmin(ctx, tt.userID)
			if err != nil {
				t.Fatalf("IsAdmin returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("IsAdmin(%d) = %v, want %v", tt.userID, got, tt.want)
			}
		})
	}
}

func TestIsAdminPropagatesStoreErrors(t *testing.T) {
	findErr := errors.New("mongo down")
	registrar := NewRegistrar(&fakeUsers{findErr: findErr}, nil)

	ok, err := registrar.IsAdmin(context.Background(), 1)
	if !errors.Is(err, findErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if ok {
		t.Fatalf("expected false on store error")
	}
}

func TestLookupsRequireUsersCollection(t *testing.T) {
	registrar := NewRegistrar(nil, nil)

	if _, err := registrar.IsAdmin(context.Background(), 1); err == nil {
		t.Fatalf("expected error without users collection")
	}
	if _, err := registrar.Promote(context.Background(), 1); err == nil {
		t.Fatalf("expected error without users collection")
	}
}

func TestPromote(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()
	fake := &fakeUsers{
		users: map[int64]bson.M{
			1:  {"user_id": int64(1), "role": domain.RoleAdmin},
			99: {"user_id": int64(99), "role": domain.RoleDefault},
		},
		updateOneResult: &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1},
	}
	registrar := NewRegistrar(fake, logrus.NewEntry(hookLogger))
	ctx := context.Background()

	result, err := registrar.Promote(ctx, 99)
	if err != nil || result != Promoted {
		t.Fatalf("expected Promoted, got %v err=%v", result, err)
	}
	if len(fake.updateOneCalls) != 1 {
		t.Fatalf("expected one role update, got %d", len(fake.updateOneCalls))
	}
	setFields, _ := fake.updateOneCalls[0].update.(bson.M)["$set"].(bson.M)
	if setFields["role"] != domain.RoleAdmin {
		t.Fatalf("expected role update to admin, got %v", setFields)
	}
	if hook.LastEntry() == nil || hook.LastEntry().Data["event"] != "admin_promoted" {
		t.Fatalf("expected admin_promoted log entry")
	}

	result, err = registrar.Promote(ctx, 1)
	if err != nil || result != AlreadyAdmin {
		t.Fatalf("expected AlreadyAdmin, got %v err=%v", result, err)
	}

	result, err = registrar.Promote(ctx, 12345)
	if err != nil || result != NoSuchUser {
		t.Fatalf("expected NoSuchUser, got %v err=%v", result, err)
	}

	if len(fake.updateOneCalls) != 1 {
		t.Fatalf("expected no further writes, got %d", len(fake.updateOneCalls))
	}
}

type updateCall struct {
	filter interface{}
	update interface{}
	upsert bool
}

type fakeUsers struct {
	count           int64
	countErr        error
	users           map[int64]bson.M
	findErr         error
	updateOneResult *mongo.UpdateResult
	updateOneErr    error
	updateOneCalls  []updateCall
}

func (f *fakeUsers) CountDocuments(context.Context, interface{}, ...*options.CountOptions) (int64, error) {
	return f.count, f.countErr
}

func (f *fakeUsers) FindOne(_ context.Context, filter interface{}, _ ...*options.FindOneOptions) *mongo.SingleResult {
	if f.findErr != nil {
		return mongo.NewSingleResultFromDocument(bson.M{}, f.findErr, nil)
	}

	filterDoc, _ := filter.(bson.M)
	userID, _ := filterDoc["user_id"].(int64)
	doc, ok := f.users[userID]
	if !ok {
		return mongo.NewSingleResultFromDocument(bson.M{}, mongo.ErrNoDocuments, nil)
	}

	return mongo.NewSingleResultFromDocument(doc, nil, nil)
}

func (f *fakeUsers) Find(context.Context, interface{}, ...*options.FindOptions) (*mongo.Cursor, error) {
	docs := make([]interface{}, 0, len(f.users))
	for _, doc := range f.users {
		docs = append(docs, doc)
	}
	return mongo.NewCursorFromDocuments(docs, nil, nil)
}

func (f *fakeUsers) UpdateOne(_ context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	upsert := len(opts) > 0 && opts[0] != nil && opts[0].Upsert != nil && *opts[0].Upsert
	f.updateOneCalls = append(f.updateOneCalls, updateCall{filter: filter, update: update, upsert: upsert})
	return f.updateOneResult, f.updateOneErr
}
