package dialogue

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CommandKind identifies a recognised slash command.
type CommandKind int

const (
	CommandStart CommandKind = iota + 1
	CommandCreateMirror
	CommandNotify
	CommandAddAdmin
)

func (k CommandKind) String() string {
	switch k {
	case CommandStart:
		return "start"
	case CommandCreateMirror:
		return "createmirror"
	case CommandNotify:
		return "notify"
	case CommandAddAdmin:
		return "addadmin"
	default:
		return "unknown"
	}
}

// AdminOnly reports whether the command requires the admin role.
func (k CommandKind) AdminOnly() bool {
	return k == CommandCreateMirror || k == CommandNotify || k == CommandAddAdmin
}

// Command is a parsed slash command. TargetID is set for CommandAddAdmin.
type Command struct {
	Kind     CommandKind
	TargetID int64
}

var (
	ErrNotCommand      = errors.New("not a command")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrInvalidArgument = errors.New("invalid command argument")
)

// ParseCommand parses text such as "/addadmin 42" or "/start@MirrorBot".
// Command names are case-insensitive. When the command is recognised but its
// argument is not, the returned Command still carries the Kind alongside
// ErrInvalidArgument.
func ParseCommand(text string) (Command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Command{}, ErrNotCommand
	}

	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	args := fields[1:]

	switch strings.ToLower(name) {
	case "start":
		return Command{Kind: CommandStart}, nil
	case "createmirror":
		return Command{Kind: CommandCreateMirror}, nil
	case "notify":
		return Command{Kind: CommandNotify}, nil
	case "addadmin":
		cmd := Command{Kind: CommandAddAdmin}
		if len(args) != 1 {
			return cmd, fmt.Errorf("%w: expected exactly one user id", ErrInvalidArgument)
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return cmd, fmt.Errorf("%w: %q is not a user id", ErrInvalidArgument, args[0])
		}
		cmd.TargetID = id
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
	}
}
