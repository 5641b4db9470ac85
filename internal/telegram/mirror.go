// Package telegram binds mirror identities to the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_mirror_fleet_bot/internal/dialogue"
	"tg_mirror_fleet_bot/internal/domain"
	"tg_mirror_fleet_bot/internal/fleet"
	"tg_mirror_fleet_bot/internal/logging"
)

const drainTimeout = 10 * time.Second

type botClient interface {
	Start(ctx context.Context)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Router handles one message for one mirror.
type Router interface {
	Handle(ctx context.Context, conv dialogue.Conversation, msg *models.Message)
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"my_chat_member",
	}

	createBot = func(token string, options ...bot.Option) (botClient, error) {
		return bot.New(token, options...)
	}
)

// Mirror is one bot identity polling for updates. Messages from private
// chats are queued per chat and handed to the router in arrival order.
// Routed work runs under a mirror-owned context that stays live until the
// queue has drained after polling stops.
type Mirror struct {
	token    string
	bot      botClient
	router   Router
	states   *dialogue.Store
	queue    *dialogue.Queue
	work     context.Context
	stopWork context.CancelFunc
	logger   *logrus.Entry
}

// NewMirror builds a Mirror for token without calling the API.
func NewMirror(token string, router Router, logger *logrus.Entry) (*Mirror, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	if router == nil {
		return nil, errors.New("router is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	work, stopWork := context.WithCancel(context.Background())
	m := &Mirror{
		token:    token,
		router:   router,
		states:   dialogue.NewStore(),
		queue:    dialogue.NewQueue(),
		work:     work,
		stopWork: stopWork,
		logger:   logger.WithField("bot_id", domain.BotID(token)),
	}

	tgBot, err := createBot(token,
		bot.WithSkipGetMe(),
		bot.WithNotAsyncHandlers(),
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(m.handleUpdate),
		bot.WithErrorsHandler(errorHandler(m.logger, token)),
	)
	if err != nil {
		stopWork()
		return nil, redact(fmt.Errorf("init telegram bot client: %w", err), token)
	}
	m.bot = tgBot

	return m, nil
}

// NewFactory returns a fleet.Factory producing mirrors routed to router.
func NewFactory(router Router, logger *logrus.Entry) fleet.Factory {
	return func(token string) (fleet.Instance, error) {
		m, err := NewMirror(token, router, logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// Start polls until ctx is canceled, then waits up to drainTimeout for
// queued messages before canceling the work they are still doing.
func (m *Mirror) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	m.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	m.bot.Start(ctx)
	m.queue.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := m.queue.Wait(drainCtx); err != nil {
		m.logger.WithFields(logging.Fields{
			"event":         "telegram_drain_timeout",
			"pending_chats": m.queue.Pending(),
		}).WithError(err).Warn("queued messages still running")
	}
	m.stopWork()

	m.logger.WithFields(logging.Fields{
		"event":          "telegram_stopped",
		"open_dialogues": m.states.Len(),
	}).Info("telegram polling stopped")
}

// SendMessage sends under this mirror's identity. Errors never carry the
// token.
func (m *Mirror) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	msg, err := m.bot.SendMessage(ctx, params)
	if err != nil {
		return nil, redact(err, m.token)
	}
	return msg, nil
}

func (m *Mirror) handleUpdate(_ context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil {
		return
	}

	meta := extractUpdateMeta(update)
	fields := logging.Fields{
		"event":       "telegram_update",
		"update_type": meta.updateType,
	}
	if meta.textLen > 0 {
		fields["text_len"] = meta.textLen
	}
	if meta.userID != 0 {
		fields["user_id"] = meta.userID
	}
	if meta.chatID != 0 {
		fields["chat_id"] = meta.chatID
	}
	if meta.status != "" {
		fields["status"] = meta.status
	}

	if update.MyChatMember != nil {
		m.logger.WithFields(fields).Info("membership changed")
		return
	}
	m.logger.WithFields(fields).Debug("telegram update received")

	msg := update.Message
	if msg == nil {
		return
	}
	if msg.Chat.Type != models.ChatTypePrivate {
		m.logger.WithFields(logging.Fields{
			"event":     "telegram_ignored",
			"chat_id":   msg.Chat.ID,
			"chat_type": msg.Chat.Type,
		}).Debug("ignoring non-private chat")
		return
	}

	if !m.queue.Submit(msg.Chat.ID, func() { m.dispatch(msg) }) {
		m.logger.WithFields(logging.Fields{
			"event":   "telegram_dropped",
			"chat_id": msg.Chat.ID,
		}).Warn("mirror is stopping, message dropped")
	}
}

func (m *Mirror) dispatch(msg *models.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logging.Fields{
				"event":   "handler_panic",
				"chat_id": msg.Chat.ID,
				"panic":   fmt.Sprint(r),
			}).Error("message handler panicked")
		}
	}()

	m.router.Handle(m.work, dialogue.Conversation{
		Token:   m.token,
		Replier: m,
		States:  m.states,
	}, msg)
}

type updateMeta struct {
	userID     int64
	chatID     int64
	textLen    int
	status     string
	updateType string
}

func extractUpdateMeta(update *models.Update) updateMeta {
	switch {
	case update.Message != nil:
		return updateMeta{
			userID:     userID(update.Message.From),
			chatID:     chatID(&update.Message.Chat),
			textLen:    len(strings.TrimSpace(update.Message.Text)),
			updateType: "message",
		}
	case update.MyChatMember != nil:
		return updateMeta{
			userID:     userID(&update.MyChatMember.From),
			chatID:     chatID(&update.MyChatMember.Chat),
			status:     string(update.MyChatMember.NewChatMember.Type),
			updateType: "my_chat_member",
		}
	default:
		return updateMeta{updateType: "unknown"}
	}
}

func errorHandler(logger *logrus.Entry, token string) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(redact(err, token)).Error("telegram polling error")
	}
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}

func chatID(chat *models.Chat) int64 {
	if chat == nil {
		return 0
	}

	return chat.ID
}
