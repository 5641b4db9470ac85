// Package broadcast fans an admin message out to every user through every
// mirror that user has talked to.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tg_mirror_fleet_bot/internal/domain"
	"tg_mirror_fleet_bot/internal/fleet"
	"tg_mirror_fleet_bot/internal/logging"
	"tg_mirror_fleet_bot/internal/metrics"
)

// CompletedText is sent to the initiator once every delivery was attempted.
const CompletedText = "Sending completed"

// Message is the payload to replicate. Entities carry formatting and are
// forwarded verbatim.
type Message struct {
	Text     string
	Entities []models.MessageEntity
}

// Report summarises one broadcast round.
type Report struct {
	ID          string
	Attempts    int
	Delivered   map[string]int
	Deactivated []string
}

type userSource interface {
	ForEach(ctx context.Context, fn func(domain.User) error) error
}

type fleetView interface {
	Sender(token string) (fleet.Sender, bool)
	Deactivate(ctx context.Context, token, reason string) error
}

// SenderFactory builds a sender for a token that has no running listener.
type SenderFactory func(token string) (fleet.Sender, error)

// Engine performs broadcasts.
type Engine struct {
	users       userSource
	fleet       fleetView
	newSender   SenderFactory
	sendTimeout time.Duration
	logger      *logrus.Entry
}

func NewEngine(users userSource, mirrors fleetView, newSender SenderFactory, sendTimeout time.Duration, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Engine{
		users:       users,
		fleet:       mirrors,
		newSender:   newSender,
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// Broadcast sends msg to every (user, mirror) pair recorded in the users
// collection, regardless of the user's is_active flag. Delivery failures are
// logged and skipped. Once the loop finishes the initiator at chatID is told
// through origin, then every mirror with zero successful deliveries is
// deactivated. A store failure aborts the round before any deactivation.
func (e *Engine) Broadcast(ctx context.Context, origin fleet.Sender, chatID int64, msg Message) (Report, error) {
	if e == nil || e.users == nil || e.fleet == nil {
		return Report{}, errors.New("broadcast engine is not initialized")
	}
	if ctx == nil {
		return Report{}, errors.New("context is required")
	}

	report := Report{
		ID:        uuid.NewString(),
		Delivered: make(map[string]int),
	}
	logger := e.logger.WithField("broadcast_id", report.ID)
	started := time.Now()

	logger.WithFields(logging.Fields{
		"event":   "broadcast_started",
		"chat_id": chatID,
	}).Info("broadcast started")

	constructed := make(map[string]fleet.Sender)

	err := e.users.ForEach(ctx, func(user domain.User) error {
		seen := make(map[string]struct{}, len(user.ActiveIn))
		for _, token := range user.ActiveIn {
			if _, dup := seen[token]; dup || token == "" {
				continue
			}
			seen[token] = struct{}{}

			if _, ok := report.Delivered[token]; !ok {
				report.Delivered[token] = 0
			}
			report.Attempts++

			if e.deliver(ctx, logger, constructed, token, user.UserID, msg) {
				report.Delivered[token]++
			}
		}

		return ctx.Err()
	})
	if err != nil {
		return report, fmt.Errorf("broadcast %s: %w", report.ID, err)
	}

	if origin != nil {
		if _, err := origin.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   CompletedText,
		}); err != nil {
			logger.WithField("event", "broadcast_reply_failed").WithError(err).Warn("failed to notify initiator")
		}
	}

	tokens := make([]string, 0, len(report.Delivered))
	for token, delivered := range report.Delivered {
		if delivered == 0 {
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)

	for _, token := range tokens {
		if err := e.fleet.Deactivate(ctx, token, fleet.ReasonBroadcast); err != nil {
			logger.WithFields(logging.Fields{
				"event":  "broadcast_deactivate_failed",
				"bot_id": domain.BotID(token),
			}).WithError(err).Error("failed to deactivate mirror")
			continue
		}
		report.Deactivated = append(report.Deactivated, token)
	}

	metrics.BroadcastCompleted(time.Since(started))
	logger.WithFields(logging.Fields{
		"event":       "broadcast_completed",
		"attempts":    report.Attempts,
		"mirrors":     len(report.Delivered),
		"deactivated": len(report.Deactivated),
	}).Info("broadcast completed")

	return report, nil
}

func (e *Engine) deliver(ctx context.Context, logger *logrus.Entry, constructed map[string]fleet.Sender, token string, userID int64, msg Message) bool {
	botID := domain.BotID(token)
	logger = logger.WithFields(logging.Fields{
		"bot_id":  botID,
		"user_id": userID,
	})

	sender, err := e.resolve(constructed, token)
	if err != nil {
		metrics.BroadcastDelivery(botID, false)
		logger.WithField("event", "broadcast_sender_failed").WithError(err).Warn("no sender for mirror")
		return false
	}

	sendCtx := ctx
	if e.sendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, e.sendTimeout)
		defer cancel()
	}

	if _, err := sender.SendMessage(sendCtx, &bot.SendMessageParams{
		ChatID:   userID,
		Text:     msg.Text,
		Entities: msg.Entities,
	}); err != nil {
		metrics.BroadcastDelivery(botID, false)
		logger.WithField("event", "broadcast_send_failed").WithError(err).Warn("delivery failed")
		return false
	}

	metrics.BroadcastDelivery(botID, true)
	return true
}

func (e *Engine) resolve(constructed map[string]fleet.Sender, token string) (fleet.Sender, error) {
	if sender, ok := e.fleet.Sender(token); ok {
		return sender, nil
	}
	if sender, ok := constructed[token]; ok {
		return sender, nil
	}
	if e.newSender == nil {
		return nil, errors.New("mirror is not running")
	}

	sender, err := e.newSender(token)
	if err != nil {
		return nil, fmt.Errorf("construct sender: %w", err)
	}
	constructed[token] = sender

	return sender, nil
}
