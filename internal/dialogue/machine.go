package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_mirror_fleet_bot/internal/broadcast"
	"tg_mirror_fleet_bot/internal/domain"
	"tg_mirror_fleet_bot/internal/feature/admin"
	"tg_mirror_fleet_bot/internal/fleet"
	"tg_mirror_fleet_bot/internal/logging"
	"tg_mirror_fleet_bot/internal/metrics"
)

// Replies sent by the machine.
const (
	ReplyGreeting        = "Starting Message"
	ReplyNotAdmin        = "You are not admin"
	ReplyAskToken        = "Type token"
	ReplyAskMessage      = "Type message you want to send to users"
	ReplyUnknownCommand  = "Unknown command"
	ReplyMirrorAdded     = "You added new mirror"
	ReplyTokenRejected   = "Token is expired"
	ReplyInvalidToken    = "Invalid token format"
	ReplyMirrorExists    = "This mirror already exists"
	ReplyNoToken         = "You didn't send a token"
	ReplyNoMessage       = "You didn't send a message"
	ReplyAddAdminUsage   = "Usage: /addadmin <user_id>"
	ReplyAlreadyAdmin    = "User is already admin"
	ReplyNoSuchUser      = "No such user"
	ReplyPromotedFormat  = "User %d is now admin"
	ReplyUnknownSender   = "No sender"
	ReplyInternalFailure = "Something went wrong, try again later"
)

// Authorizer answers role questions and grants the admin role.
type Authorizer interface {
	IsAdmin(ctx context.Context, userID int64) (bool, error)
	Promote(ctx context.Context, targetID int64) (admin.PromoteResult, error)
}

// UserRegistrar records that a user talked to a mirror.
type UserRegistrar interface {
	EnsureUser(ctx context.Context, userID int64, token string) (bool, error)
}

// MirrorCreator registers and starts a new mirror.
type MirrorCreator interface {
	CreateMirror(ctx context.Context, token string, createdBy int64) error
}

// Broadcaster replicates a message to every user.
type Broadcaster interface {
	Broadcast(ctx context.Context, origin fleet.Sender, chatID int64, msg broadcast.Message) (broadcast.Report, error)
}

// Conversation identifies the mirror a message arrived on: its token, the
// sender used for replies, and the state store of that mirror.
type Conversation struct {
	Token   string
	Replier fleet.Sender
	States  *Store
}

// Machine routes inbound messages through the command state machine. One
// Machine is shared by every mirror; per-chat state lives in Conversation.
type Machine struct {
	auth        Authorizer
	users       UserRegistrar
	mirrors     MirrorCreator
	broadcaster Broadcaster
	logger      *logrus.Entry
}

func NewMachine(auth Authorizer, users UserRegistrar, mirrors MirrorCreator, broadcaster Broadcaster, logger *logrus.Entry) *Machine {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Machine{
		auth:        auth,
		users:       users,
		mirrors:     mirrors,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Handle processes one message. Callers must serialise calls per chat.
func (m *Machine) Handle(ctx context.Context, conv Conversation, msg *models.Message) {
	if m == nil || msg == nil || conv.Replier == nil || conv.States == nil {
		return
	}

	chatID := msg.Chat.ID
	logCtx := logging.Context{
		BotID:  domain.BotID(conv.Token),
		ChatID: chatID,
	}
	if msg.From != nil {
		logCtx.UserID = msg.From.ID
	}
	logger := m.logger.WithFields(logCtx.Fields())

	t := turn{
		Machine: m,
		ctx:     ctx,
		conv:    conv,
		msg:     msg,
		chatID:  chatID,
		logger:  logger,
	}

	state := conv.States.Get(chatID)
	switch state {
	case StateCreateMirror:
		conv.States.Reset(chatID)
		t.createMirror()
	case StateNotify:
		conv.States.Reset(chatID)
		t.notify()
	default:
		t.command()
	}
}

type turn struct {
	*Machine
	ctx    context.Context
	conv   Conversation
	msg    *models.Message
	chatID int64
	logger *logrus.Entry
}

func (t turn) command() {
	cmd, err := ParseCommand(t.msg.Text)
	switch {
	case errors.Is(err, ErrNotCommand):
		return
	case errors.Is(err, ErrUnknownCommand):
		metrics.CommandHandled("unknown", "rejected")
		t.reply(ReplyUnknownCommand)
		return
	}
	argErr := err

	if t.msg.From == nil {
		metrics.CommandHandled(cmd.Kind.String(), "no_sender")
		t.reply(ReplyUnknownSender)
		return
	}
	userID := t.msg.From.ID

	if cmd.Kind.AdminOnly() {
		isAdmin, err := t.auth.IsAdmin(t.ctx, userID)
		if err != nil {
			t.fail(cmd.Kind, err)
			return
		}
		if !isAdmin {
			metrics.CommandHandled(cmd.Kind.String(), "forbidden")
			t.logger.WithField("event", "command_forbidden").Info("non-admin issued " + cmd.Kind.String())
			t.reply(ReplyNotAdmin)
			return
		}
	}

	switch cmd.Kind {
	case CommandStart:
		if _, err := t.users.EnsureUser(t.ctx, userID, t.conv.Token); err != nil {
			t.fail(cmd.Kind, err)
			return
		}
		t.reply(ReplyGreeting)
	case CommandCreateMirror:
		t.conv.States.Set(t.chatID, StateCreateMirror)
		t.reply(ReplyAskToken)
	case CommandNotify:
		t.conv.States.Set(t.chatID, StateNotify)
		t.reply(ReplyAskMessage)
	case CommandAddAdmin:
		if argErr != nil {
			metrics.CommandHandled(cmd.Kind.String(), "invalid")
			t.reply(ReplyAddAdminUsage)
			return
		}
		t.promote(cmd.TargetID)
		return
	}

	metrics.CommandHandled(cmd.Kind.String(), "ok")
}

func (t turn) promote(target int64) {
	result, err := t.auth.Promote(t.ctx, target)
	if err != nil {
		t.fail(CommandAddAdmin, err)
		return
	}

	metrics.CommandHandled(CommandAddAdmin.String(), "ok")
	switch result {
	case admin.AlreadyAdmin:
		t.reply(ReplyAlreadyAdmin)
	case admin.NoSuchUser:
		t.reply(ReplyNoSuchUser)
	default:
		t.reply(fmt.Sprintf(ReplyPromotedFormat, target))
	}
}

func (t turn) createMirror() {
	token := strings.TrimSpace(t.msg.Text)
	if token == "" {
		t.reply(ReplyNoToken)
		return
	}
	if t.msg.From == nil {
		t.reply(ReplyUnknownSender)
		return
	}

	err := t.mirrors.CreateMirror(t.ctx, token, t.msg.From.ID)
	switch {
	case err == nil:
		t.reply(ReplyMirrorAdded)
	case errors.Is(err, fleet.ErrInvalidTokenFormat):
		t.reply(ReplyInvalidToken)
	case errors.Is(err, fleet.ErrTokenRejected):
		t.logger.WithField("event", "mirror_rejected").WithError(err).Info("submitted token rejected")
		t.reply(ReplyTokenRejected)
	case errors.Is(err, fleet.ErrMirrorExists):
		t.reply(ReplyMirrorExists)
	default:
		t.fail(CommandCreateMirror, err)
	}
}

func (t turn) notify() {
	if t.msg.Text == "" {
		t.reply(ReplyNoMessage)
		return
	}

	_, err := t.broadcaster.Broadcast(t.ctx, t.conv.Replier, t.chatID, broadcast.Message{
		Text:     t.msg.Text,
		Entities: t.msg.Entities,
	})
	if err != nil {
		t.fail(CommandNotify, err)
	}
}

func (t turn) fail(kind CommandKind, err error) {
	metrics.CommandHandled(kind.String(), "error")
	t.logger.WithFields(logging.Fields{
		"event":   "command_failed",
		"command": kind.String(),
	}).WithError(err).Error("command failed")
	t.reply(ReplyInternalFailure)
}

func (t turn) reply(text string) {
	if _, err := t.conv.Replier.SendMessage(t.ctx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   text,
	}); err != nil {
		t.logger.WithField("event", "reply_failed").WithError(err).Warn("failed to send reply")
	}
}
