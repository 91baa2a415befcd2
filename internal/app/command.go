package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/1ureka/roomcall/internal/protocol"
)

type commandKind int

const (
	cmdChat commandKind = iota
	cmdCall
	cmdAccept
	cmdReject
	cmdHangup
	cmdUpload
	cmdStatus
	cmdHelp
	cmdQuit
)

// command is one parsed REPL line.
type command struct {
	kind commandKind
	text string            // chat line or upload path
	call protocol.CallKind // for cmdCall
}

var errUnknownCommand = errors.New("unknown command, type /help")

const helpText = `commands:
  <text>              send a chat line (start with // to send a leading slash)
  /call [audio|video] call the room (video by default)
  /accept             answer the incoming call
  /reject             decline the incoming call
  /hangup             end the current call
  /upload <file>      upload a recording to the room
  /status             show connection and call state
  /quit               leave the room`

// parseCommand turns an input line into a command. Lines not starting with a
// slash are chat.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdChat, text: line}, nil
	}
	if strings.HasPrefix(line, "//") {
		return command{kind: cmdChat, text: line[1:]}, nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "call":
		kind := protocol.CallVideo
		if arg != "" {
			kind = protocol.CallKind(strings.ToLower(arg))
		}
		if !kind.Valid() {
			return command{}, fmt.Errorf("invalid call type %q: use audio or video", arg)
		}
		return command{kind: cmdCall, call: kind}, nil
	case "accept":
		return command{kind: cmdAccept}, nil
	case "reject":
		return command{kind: cmdReject}, nil
	case "hangup", "end":
		return command{kind: cmdHangup}, nil
	case "upload":
		if arg == "" {
			return command{}, errors.New("usage: /upload <file>")
		}
		return command{kind: cmdUpload, text: arg}, nil
	case "status":
		return command{kind: cmdStatus}, nil
	case "help", "?":
		return command{kind: cmdHelp}, nil
	case "quit", "exit":
		return command{kind: cmdQuit}, nil
	default:
		return command{}, errUnknownCommand
	}
}
