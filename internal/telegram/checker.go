package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_mirror_fleet_bot/internal/domain"
	"tg_mirror_fleet_bot/internal/fleet"
	"tg_mirror_fleet_bot/internal/logging"
)

type prober interface {
	GetMe(ctx context.Context) (*models.User, error)
}

type sendClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

var (
	newProber = func(token string) (prober, error) {
		return bot.New(token, bot.WithSkipGetMe())
	}

	newSendClient = func(token string) (sendClient, error) {
		return bot.New(token, bot.WithSkipGetMe())
	}
)

// Checker asks the API whether a token still belongs to a live bot.
type Checker struct {
	logger *logrus.Entry
}

func NewChecker(logger *logrus.Entry) *Checker {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Checker{logger: logger}
}

// CheckToken calls getMe with token. Any error, including a timeout from ctx,
// means the token is not usable.
func (c *Checker) CheckToken(ctx context.Context, token string) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("telegram token is required")
	}

	client, err := newProber(token)
	if err != nil {
		return redact(fmt.Errorf("init telegram bot client: %w", err), token)
	}

	me, err := client.GetMe(ctx)
	if err != nil {
		return redact(fmt.Errorf("getMe: %w", err), token)
	}
	if me == nil {
		return errors.New("getMe: empty response")
	}

	c.logger.WithFields(logging.Fields{
		"event":    "mirror_alive",
		"bot_id":   domain.BotID(token),
		"username": me.Username,
	}).Debug("token accepted")

	return nil
}

type apiSender struct {
	token  string
	client sendClient
}

// NewSender builds a send-only client for a mirror that has no listener.
func NewSender(token string) (fleet.Sender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram token is required")
	}

	client, err := newSendClient(token)
	if err != nil {
		return nil, redact(fmt.Errorf("init telegram bot client: %w", err), token)
	}

	return &apiSender{token: token, client: client}, nil
}

func (s *apiSender) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	msg, err := s.client.SendMessage(ctx, params)
	if err != nil {
		return nil, redact(err, s.token)
	}
	return msg, nil
}
