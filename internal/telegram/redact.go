package telegram

import (
	"strings"

	"tg_mirror_fleet_bot/internal/domain"
)

// redactedError hides the token in err's message while keeping the chain
// intact for errors.Is and errors.As.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }

func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, token string) error {
	if err == nil || token == "" {
		return err
	}

	msg := err.Error()
	if !strings.Contains(msg, token) {
		return err
	}

	return &redactedError{
		msg: strings.ReplaceAll(msg, token, domain.BotID(token)+":***"),
		err: err,
	}
}
