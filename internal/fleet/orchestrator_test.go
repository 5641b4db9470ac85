package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tg_mirror_fleet_bot/internal/config"
	"tg_mirror_fleet_bot/internal/domain"
)

func testToken(n int) string {
	return fmt.Sprintf("%09d:%s", n, strings.Repeat("A", 35))
}

func TestBootstrapStartsLiveAndDeactivatesDead(t *testing.T) {
	defer goleak.VerifyNone(t)

	live, dead := testToken(1), testToken(2)
	store := newFakeBotStore(domain.Bot{Token: live, IsActive: true}, domain.Bot{Token: dead, IsActive: true})
	checker := &fakeChecker{reject: map[string]bool{dead: true}}
	factory := newFakeFactory()

	hookLogger, hook := logtest.NewNullLogger()
	orch := New(store, nil, checker, factory.build, config.DefaultFleetTuning(), logrus.NewEntry(hookLogger))

	require.NoError(t, orch.Bootstrap(context.Background()))

	require.Equal(t, 1, orch.Running())
	require.True(t, orch.IsRunning(live))
	require.False(t, orch.IsRunning(dead))
	require.Equal(t, []string{"000000001"}, orch.RunningBotIDs())
	require.False(t, store.active(dead))
	require.True(t, store.active(live))

	factory.waitStarted(t, live)

	var sawDead bool
	for _, entry := range hook.AllEntries() {
		if entry.Data["event"] == "mirror_dead" && entry.Data["bot_id"] == "000000002" {
			sawDead = true
		}
		for _, value := range entry.Data {
			require.NotEqual(t, dead, value, "token must not be logged")
		}
	}
	require.True(t, sawDead, "expected mirror_dead log entry")

	require.NoError(t, orch.Shutdown(context.Background()))
	require.Equal(t, 0, orch.Running())
}

func TestBootstrapFailsWhenStoreUnavailable(t *testing.T) {
	store := newFakeBotStore()
	store.listErr = errors.New("mongo down")

	orch := New(store, nil, &fakeChecker{}, newFakeFactory().build, config.DefaultFleetTuning(), nil)
	defer orch.Shutdown(context.Background())

	err := orch.Bootstrap(context.Background())
	require.ErrorIs(t, err, store.listErr)
}

func TestBootstrapHonorsConcurrencyLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	var records []domain.Bot
	for i := 1; i <= 6; i++ {
		records = append(records, domain.Bot{Token: testToken(i), IsActive: true})
	}

	checker := &fakeChecker{delay: 20 * time.Millisecond}
	tuning := config.DefaultFleetTuning()
	tuning.BootstrapConcurrency = 2

	orch := New(newFakeBotStore(records...), nil, checker, newFakeFactory().build, tuning, nil)

	require.NoError(t, orch.Bootstrap(context.Background()))
	require.Equal(t, 6, orch.Running())
	require.LessOrEqual(t, checker.maxInFlight.Load(), int64(2))

	require.NoError(t, orch.Shutdown(context.Background()))
}

func TestCreateMirror(t *testing.T) {
	defer goleak.VerifyNone(t)

	good, expired := testToken(10), testToken(11)
	store := newFakeBotStore()
	checker := &fakeChecker{reject: map[string]bool{expired: true}}
	ledger := &fakeLedger{}
	factory := newFakeFactory()

	orch := New(store, ledger, checker, factory.build, config.DefaultFleetTuning(), nil)
	ctx := context.Background()

	err := orch.CreateMirror(ctx, "not-a-token", 1)
	require.ErrorIs(t, err, ErrInvalidTokenFormat)
	require.Zero(t, checker.calls.Load(), "format check must precede liveness")

	err = orch.CreateMirror(ctx, expired, 1)
	require.ErrorIs(t, err, ErrTokenRejected)
	require.Empty(t, store.records)

	require.NoError(t, orch.CreateMirror(ctx, " "+good+" ", 1))
	require.Equal(t, domain.Bot{Token: good, CreatedBy: 1, IsActive: true}, store.records[good])
	require.Equal(t, []string{good}, ledger.tokens[1])
	factory.waitStarted(t, good)

	err = orch.CreateMirror(ctx, good, 2)
	require.ErrorIs(t, err, ErrMirrorExists)

	require.NoError(t, orch.Shutdown(ctx))
}

func TestCreateMirrorMapsStoreDuplicate(t *testing.T) {
	token := testToken(12)
	store := newFakeBotStore(domain.Bot{Token: token, IsActive: false})

	orch := New(store, nil, &fakeChecker{}, newFakeFactory().build, config.DefaultFleetTuning(), nil)
	defer orch.Shutdown(context.Background())

	err := orch.CreateMirror(context.Background(), token, 5)
	require.ErrorIs(t, err, ErrMirrorExists)
	require.Zero(t, orch.Running())
}

func TestCreateMirrorDeactivatesRecordWhenStartFails(t *testing.T) {
	token := testToken(14)
	store := newFakeBotStore()
	factory := newFakeFactory()
	factory.buildErr = errors.New("client construction failed")

	orch := New(store, &fakeLedger{}, &fakeChecker{}, factory.build, config.DefaultFleetTuning(), nil)
	defer orch.Shutdown(context.Background())

	err := orch.CreateMirror(context.Background(), token, 3)
	require.ErrorIs(t, err, factory.buildErr)
	require.Contains(t, store.records, token)
	require.False(t, store.active(token), "unstarted mirror must not stay active")
	require.False(t, orch.IsRunning(token))
}

func TestCreateMirrorAfterShutdown(t *testing.T) {
	orch := New(newFakeBotStore(), nil, &fakeChecker{}, newFakeFactory().build, config.DefaultFleetTuning(), nil)
	require.NoError(t, orch.Shutdown(context.Background()))

	err := orch.CreateMirror(context.Background(), testToken(13), 1)
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestDeactivateLeavesListenerRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	token := testToken(20)
	store := newFakeBotStore(domain.Bot{Token: token, IsActive: true})
	orch := New(store, nil, &fakeChecker{}, newFakeFactory().build, config.DefaultFleetTuning(), nil)
	ctx := context.Background()

	require.NoError(t, orch.Bootstrap(ctx))
	require.NoError(t, orch.Deactivate(ctx, token, ReasonBroadcast))

	require.False(t, store.active(token))
	require.True(t, orch.IsRunning(token))

	sender, ok := orch.Sender(token)
	require.True(t, ok)
	require.NotNil(t, sender)

	require.NoError(t, orch.Shutdown(ctx))
}

func TestStopAndEarlyExitReleaseRegistry(t *testing.T) {
	defer goleak.VerifyNone(t)

	stopped, exiting := testToken(30), testToken(31)
	factory := newFakeFactory()
	factory.exitImmediately = map[string]bool{exiting: true}

	store := newFakeBotStore(domain.Bot{Token: stopped, IsActive: true}, domain.Bot{Token: exiting, IsActive: true})
	orch := New(store, nil, &fakeChecker{}, factory.build, config.DefaultFleetTuning(), nil)
	ctx := context.Background()

	require.NoError(t, orch.Bootstrap(ctx))

	require.Eventually(t, func() bool { return !orch.IsRunning(exiting) }, time.Second, 5*time.Millisecond)

	require.True(t, orch.Stop(ctx, stopped))
	require.False(t, orch.IsRunning(stopped))
	require.False(t, orch.Stop(ctx, stopped))

	require.NoError(t, orch.Shutdown(ctx))
}

func TestShutdownTimesOutOnStuckListener(t *testing.T) {
	token := testToken(40)
	release := make(chan struct{})
	factory := newFakeFactory()
	factory.block = release

	orch := New(newFakeBotStore(domain.Bot{Token: token, IsActive: true}), nil, &fakeChecker{}, factory.build, config.DefaultFleetTuning(), nil)
	require.NoError(t, orch.Bootstrap(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := orch.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, orch.Shutdown(context.Background()))
}

func TestValidTokenFormat(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"valid", "123456789:ABCDEFGHIJabcdefghij0123456789_-xyz", true},
		{"surrounding space", " 123456789:ABCDEFGHIJabcdefghij0123456789_-xyz ", true},
		{"long secret", "123456789:ABCDEFGHIJabcdefghij0123456789_-xyzw", false},
		{"long prefix", "1234567890:ABCDEFGHIJabcdefghij0123456789_-xyz", false},
		{"short prefix", "12345678:ABCDEFGHIJabcdefghij0123456789_-x", false},
		{"short secret", "123456789:ABC", false},
		{"bad character", "123456789:ABCDEFGHIJabcdefghij0123456789_-x!z", false},
		{"missing colon", "123456789ABCDEFGHIJabcdefghij0123456789_-xyz", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ValidTokenFormat(tt.token))
		})
	}
}

type fakeBotStore struct {
	mu      sync.Mutex
	records map[string]domain.Bot
	order   []string
	listErr error
}

func newFakeBotStore(bots ...domain.Bot) *fakeBotStore {
	store := &fakeBotStore{records: make(map[string]domain.Bot)}
	for _, b := range bots {
		store.records[b.Token] = b
		store.order = append(store.order, b.Token)
	}
	return store
}

func (s *fakeBotStore) ListActive(context.Context) ([]domain.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}

	var active []domain.Bot
	for _, token := range s.order {
		if b := s.records[token]; b.IsActive {
			active = append(active, b)
		}
	}
	return active, nil
}

func (s *fakeBotStore) Create(_ context.Context, b domain.Bot) (domain.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[b.Token]; exists {
		return domain.Bot{}, fmt.Errorf("insert bot: %w", domain.ErrDuplicate)
	}
	s.records[b.Token] = b
	s.order = append(s.order, b.Token)
	return b, nil
}

func (s *fakeBotStore) SetActive(_ context.Context, token string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.records[token]
	if !ok {
		return domain.ErrNotFound
	}
	b.IsActive = active
	s.records[token] = b
	return nil
}

func (s *fakeBotStore) active(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[token].IsActive
}

type fakeChecker struct {
	reject      map[string]bool
	delay       time.Duration
	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (c *fakeChecker) CheckToken(ctx context.Context, token string) error {
	c.calls.Add(1)
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	for {
		prev := c.maxInFlight.Load()
		if n <= prev || c.maxInFlight.CompareAndSwap(prev, n) {
			break
		}
	}

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if c.reject[token] {
		return errors.New("Unauthorized")
	}
	return nil
}

type fakeLedger struct {
	mu     sync.Mutex
	tokens map[int64][]string
}

func (l *fakeLedger) RecordCreatedMirror(_ context.Context, userID int64, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tokens == nil {
		l.tokens = make(map[int64][]string)
	}
	l.tokens[userID] = append(l.tokens[userID], token)
	return nil
}

type fakeFactory struct {
	mu              sync.Mutex
	started         map[string]chan struct{}
	exitImmediately map[string]bool
	block           chan struct{}
	buildErr        error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{started: make(map[string]chan struct{})}
}

func (f *fakeFactory) build(token string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.buildErr != nil {
		return nil, f.buildErr
	}

	ch := make(chan struct{})
	f.started[token] = ch

	return &fakeInstance{
		started: ch,
		exit:    f.exitImmediately[token],
		block:   f.block,
	}, nil
}

func (f *fakeFactory) waitStarted(t *testing.T, token string) {
	t.Helper()

	f.mu.Lock()
	ch, ok := f.started[token]
	f.mu.Unlock()
	require.True(t, ok, "mirror was never built")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("mirror did not start")
	}
}

type fakeInstance struct {
	started chan struct{}
	exit    bool
	block   chan struct{}
}

func (i *fakeInstance) Start(ctx context.Context) {
	close(i.started)
	if i.exit {
		return
	}
	if i.block != nil {
		<-i.block
		return
	}
	<-ctx.Done()
}

func (i *fakeInstance) SendMessage(context.Context, *bot.SendMessageParams) (*models.Message, error) {
	return &models.Message{}, nil
}
