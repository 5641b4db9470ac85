// Package fleet owns the set of running mirror listeners.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tg_mirror_fleet_bot/internal/config"
	"tg_mirror_fleet_bot/internal/domain"
	"tg_mirror_fleet_bot/internal/logging"
	"tg_mirror_fleet_bot/internal/metrics"
)

var (
	// ErrInvalidTokenFormat is returned when a submitted token does not match
	// the credential shape.
	ErrInvalidTokenFormat = errors.New("invalid token format")
	// ErrTokenRejected is returned when the provider refuses the credential.
	ErrTokenRejected = errors.New("token rejected by provider")
	// ErrMirrorExists is returned when the token is already registered.
	ErrMirrorExists = errors.New("mirror already exists")
	// ErrShuttingDown is returned when a mirror is spawned after Shutdown.
	ErrShuttingDown = errors.New("fleet is shutting down")
)

// Sources label where a mirror start was requested from.
const (
	SourceBootstrap = "bootstrap"
	SourceCreate    = "create"
)

// Reasons label why a mirror was flagged inactive.
const (
	ReasonLiveness  = "liveness"
	ReasonBroadcast = "broadcast"
)

// Sender delivers a message through one mirror identity.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Instance is a running mirror: it polls for updates until its context ends
// and can send messages under its own identity.
type Instance interface {
	Sender
	Start(ctx context.Context)
}

// Factory builds an Instance for token without contacting the provider.
type Factory func(token string) (Instance, error)

// LivenessChecker confirms that the provider accepts a token.
type LivenessChecker interface {
	CheckToken(ctx context.Context, token string) error
}

type botStore interface {
	ListActive(ctx context.Context) ([]domain.Bot, error)
	Create(ctx context.Context, bot domain.Bot) (domain.Bot, error)
	SetActive(ctx context.Context, token string, active bool) error
}

type creatorLedger interface {
	RecordCreatedMirror(ctx context.Context, userID int64, token string) error
}

type handle struct {
	instance  Instance
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// Orchestrator spawns one listener per live credential and keeps a registry
// of running instances keyed by token.
type Orchestrator struct {
	bots     botStore
	creators creatorLedger
	checker  LivenessChecker
	factory  Factory
	tuning   config.FleetTuning
	logger   *logrus.Entry

	root   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	mirrors map[string]*handle
	closed  bool
	wg      sync.WaitGroup
}

// New constructs an Orchestrator. Listeners run under a context owned by the
// orchestrator, so they outlive the request that created them.
func New(bots botStore, creators creatorLedger, checker LivenessChecker, factory Factory, tuning config.FleetTuning, logger *logrus.Entry) *Orchestrator {
	if logger == nil {
		logger = logging.Logger()
	}
	if tuning.BootstrapConcurrency <= 0 {
		tuning.BootstrapConcurrency = config.DefaultFleetTuning().BootstrapConcurrency
	}
	if tuning.LivenessTimeout <= 0 {
		tuning.LivenessTimeout = config.DefaultFleetTuning().LivenessTimeout
	}

	root, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		bots:     bots,
		creators: creators,
		checker:  checker,
		factory:  factory,
		tuning:   tuning,
		logger:   logger,
		root:     root,
		cancel:   cancel,
		mirrors:  make(map[string]*handle),
	}
}

// Bootstrap starts a listener for every active, live mirror and flags dead
// ones inactive. Only a failure to list mirrors is returned.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	if err := o.ready(ctx); err != nil {
		return err
	}

	bots, err := o.bots.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active mirrors: %w", err)
	}

	var started, dead atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.tuning.BootstrapConcurrency)

	for _, record := range bots {
		token := record.Token
		g.Go(func() error {
			if o.bootstrapOne(gctx, token) {
				started.Add(1)
			} else {
				dead.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	o.logger.WithFields(logging.Fields{
		"event":   "fleet_bootstrap",
		"total":   len(bots),
		"started": started.Load(),
		"skipped": dead.Load(),
	}).Info("fleet bootstrap complete")

	return nil
}

func (o *Orchestrator) bootstrapOne(ctx context.Context, token string) bool {
	logger := o.logger.WithField("bot_id", domain.BotID(token))

	if err := o.check(ctx, token); err != nil {
		logger.WithFields(logging.Fields{
			"event": "mirror_dead",
		}).WithError(err).Warn("mirror failed liveness check")
		metrics.MirrorStarted(SourceBootstrap, false)

		if err := o.Deactivate(ctx, token, ReasonLiveness); err != nil {
			logger.WithField("event", "mirror_deactivate_failed").WithError(err).Error("failed to deactivate dead mirror")
		}
		return false
	}

	if err := o.spawn(token, SourceBootstrap); err != nil {
		logger.WithField("event", "mirror_spawn_failed").WithError(err).Error("failed to start mirror")
		return false
	}

	return true
}

// CreateMirror validates, checks, persists, and starts a new mirror. The
// listener is started in the background; CreateMirror does not wait for it.
func (o *Orchestrator) CreateMirror(ctx context.Context, token string, createdBy int64) error {
	if err := o.ready(ctx); err != nil {
		return err
	}

	token = strings.TrimSpace(token)
	if !ValidTokenFormat(token) {
		return ErrInvalidTokenFormat
	}
	if o.IsRunning(token) {
		return ErrMirrorExists
	}

	if err := o.check(ctx, token); err != nil {
		metrics.MirrorStarted(SourceCreate, false)
		return fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}

	if _, err := o.bots.Create(ctx, domain.Bot{
		Token:     token,
		CreatedBy: createdBy,
		IsActive:  true,
	}); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return ErrMirrorExists
		}
		return fmt.Errorf("save mirror: %w", err)
	}

	logger := o.logger.WithFields(logging.Fields{
		"bot_id":  domain.BotID(token),
		"user_id": createdBy,
	})

	if o.creators != nil {
		if err := o.creators.RecordCreatedMirror(ctx, createdBy, token); err != nil {
			logger.WithField("event", "created_mirror_record_failed").WithError(err).Warn("failed to record mirror creator")
		}
	}

	if err := o.spawn(token, SourceCreate); err != nil {
		if rollbackErr := o.bots.SetActive(ctx, token, false); rollbackErr != nil {
			logger.WithField("event", "mirror_rollback_failed").WithError(rollbackErr).Error("failed to deactivate unstarted mirror")
		}
		return fmt.Errorf("start mirror: %w", err)
	}

	logger.WithField("event", "mirror_created").Info("mirror created")

	return nil
}

// Deactivate flags token inactive in the store. A running listener for that
// token keeps polling until the process restarts or Stop is called.
func (o *Orchestrator) Deactivate(ctx context.Context, token, reason string) error {
	if err := o.ready(ctx); err != nil {
		return err
	}

	if err := o.bots.SetActive(ctx, token, false); err != nil {
		return fmt.Errorf("deactivate mirror: %w", err)
	}

	metrics.MirrorDeactivated(reason)
	o.logger.WithFields(logging.Fields{
		"event":  "mirror_deactivated",
		"bot_id": domain.BotID(token),
		"reason": reason,
	}).Warn("mirror deactivated")

	return nil
}

// Sender returns the running instance for token, if any.
func (o *Orchestrator) Sender(token string) (Sender, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	h, ok := o.mirrors[token]
	if !ok {
		return nil, false
	}

	return h.instance, true
}

// IsRunning reports whether a listener is registered for token.
func (o *Orchestrator) IsRunning(token string) bool {
	_, ok := o.Sender(token)
	return ok
}

// Running reports how many listeners are currently registered.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.mirrors)
}

// RunningBotIDs lists the public ids of running mirrors, sorted.
func (o *Orchestrator) RunningBotIDs() []string {
	o.mu.Lock()
	ids := make([]string, 0, len(o.mirrors))
	for token := range o.mirrors {
		ids = append(ids, domain.BotID(token))
	}
	o.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Stop cancels the listener for token and waits for it to exit.
func (o *Orchestrator) Stop(ctx context.Context, token string) bool {
	o.mu.Lock()
	h, ok := o.mirrors[token]
	o.mu.Unlock()
	if !ok {
		return false
	}

	h.cancel()

	select {
	case <-h.done:
	case <-ctx.Done():
	}

	return true
}

// Shutdown stops every listener and waits for them until ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.WithField("event", "fleet_stopped").Info("all mirrors stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for mirrors: %w", ctx.Err())
	}
}

func (o *Orchestrator) spawn(token, source string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrShuttingDown
	}
	if _, exists := o.mirrors[token]; exists {
		return ErrMirrorExists
	}

	instance, err := o.factory(token)
	if err != nil {
		metrics.MirrorStarted(source, false)
		return fmt.Errorf("build mirror: %w", err)
	}

	ctx, cancel := context.WithCancel(o.root)
	h := &handle{
		instance:  instance,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	o.mirrors[token] = h

	metrics.MirrorStarted(source, true)
	metrics.MirrorRunning(1)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(h.done)
		defer cancel()

		instance.Start(ctx)
		o.release(token, h)
	}()

	o.logger.WithFields(logging.Fields{
		"event":  "mirror_started",
		"bot_id": domain.BotID(token),
		"source": source,
	}).Info("mirror listener started")

	return nil
}

func (o *Orchestrator) release(token string, h *handle) {
	o.mu.Lock()
	if current, ok := o.mirrors[token]; ok && current == h {
		delete(o.mirrors, token)
	}
	o.mu.Unlock()

	metrics.MirrorRunning(-1)
	o.logger.WithFields(logging.Fields{
		"event":  "mirror_stopped",
		"bot_id": domain.BotID(token),
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	}).Info("mirror listener stopped")
}

func (o *Orchestrator) check(ctx context.Context, token string) error {
	checkCtx, cancel := context.WithTimeout(ctx, o.tuning.LivenessTimeout)
	defer cancel()

	return o.checker.CheckToken(checkCtx, token)
}

func (o *Orchestrator) ready(ctx context.Context) error {
	if o == nil || o.bots == nil || o.checker == nil || o.factory == nil {
		return errors.New("fleet orchestrator is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	return nil
}
