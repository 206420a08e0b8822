// Package command parses raw chat text into the closed set of relay
// operations. Parsing is pure: no I/O, no state, so the dispatcher can
// switch exhaustively over the result and tests need no fixtures.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies one parsed operation.
type Kind int

const (
	// KindHelp shows the capability summary. Unknown slash commands
	// also land here.
	KindHelp Kind = iota

	// KindSessions lists the N most recent sessions
	KindSessions

	// KindUse rebinds to a session by display index or literal id
	KindUse

	// KindHistory shows the last N messages of a session
	KindHistory

	// KindNew enters pending-new-session mode
	KindNew

	// KindStatus shows the current binding
	KindStatus

	// KindAsk is an explicit prompt turn
	KindAsk

	// KindPlain is a bare prompt turn
	KindPlain

	// KindBareIndex is a lone positive integer sent right after a
	// listing: a switch shortcut
	KindBareIndex

	// KindFind fuzzy-searches session titles
	KindFind
)

// Listing and history bounds enforced by the parser.
const (
	SessionsDefault = 10
	SessionsMax     = 30
	HistoryDefault  = 10
	HistoryMax      = 50
)

// ErrBadArgument marks malformed command arguments. The wrapped message
// carries a usage hint suitable for a direct user reply.
var ErrBadArgument = errors.New("bad argument")

// Command is one parsed operation.
type Command struct {
	Kind Kind

	// Text is the prompt for Ask/Plain and the query for Find
	Text string

	// Token selects a session for Use/History: a display index or a
	// literal session id. Empty for History means the active session.
	Token string

	// CWD is the optional working directory for New
	CWD string

	// N is the count for Sessions/History and the index for BareIndex
	N int
}

// Parse translates one inbound message into a Command. listingShown
// reports whether the most recent reply in this chat was a session
// listing; only then does a lone number act as a switch shortcut.
func Parse(text string, listingShown bool) (Command, error) {
	text = strings.TrimSpace(text)

	if !strings.HasPrefix(text, "/") {
		if listingShown {
			if n, ok := parsePositiveInt(text); ok {
				return Command{Kind: KindBareIndex, N: n}, nil
			}
		}
		return Command{Kind: KindPlain, Text: text}, nil
	}

	name, arg := splitCommand(text)
	switch name {
	case "start", "help":
		return Command{Kind: KindHelp}, nil

	case "sessions":
		n := SessionsDefault
		if arg != "" {
			parsed, ok := parsePositiveInt(arg)
			if !ok {
				return Command{}, fmt.Errorf("%w: usage /sessions [N]", ErrBadArgument)
			}
			n = parsed
		}
		if n > SessionsMax {
			n = SessionsMax
		}
		return Command{Kind: KindSessions, N: n}, nil

	case "use":
		if arg == "" {
			return Command{}, fmt.Errorf("%w: usage /use <index|session_id>", ErrBadArgument)
		}
		return Command{Kind: KindUse, Token: arg}, nil

	case "history":
		cmd := Command{Kind: KindHistory, N: HistoryDefault}
		fields := strings.Fields(arg)
		if len(fields) >= 1 {
			cmd.Token = fields[0]
		}
		if len(fields) >= 2 {
			n, ok := parsePositiveInt(fields[1])
			if !ok {
				return Command{}, fmt.Errorf("%w: usage /history [index|session_id] [N]", ErrBadArgument)
			}
			if n > HistoryMax {
				n = HistoryMax
			}
			cmd.N = n
		}
		return cmd, nil

	case "new":
		return Command{Kind: KindNew, CWD: arg}, nil

	case "status":
		return Command{Kind: KindStatus}, nil

	case "ask":
		if arg == "" {
			return Command{}, fmt.Errorf("%w: usage /ask <text>", ErrBadArgument)
		}
		return Command{Kind: KindAsk, Text: arg}, nil

	case "find":
		if arg == "" {
			return Command{}, fmt.Errorf("%w: usage /find <query>", ErrBadArgument)
		}
		return Command{Kind: KindFind, Text: arg}, nil

	default:
		return Command{Kind: KindHelp}, nil
	}
}

// splitCommand separates "/cmd@botname arg..." into a lowercased command
// name and its raw argument. Group chats suffix commands with the bot
// username; it is addressing, not an argument.
func splitCommand(text string) (name, arg string) {
	name, arg, _ = strings.Cut(text[1:], " ")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(arg)
}

func parsePositiveInt(raw string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// HelpText is the transport-agnostic capability summary.
const HelpText = `Commands:
/sessions [N] - list the N most recent sessions (title + index)
/use <index|session_id> - switch the active session
/history [index|session_id] [N] - show the last N messages
/find <query> - fuzzy-search sessions by title
/new [cwd] - next plain message starts a fresh session
/status - show the current binding
/ask <text> - ask in the active session
After /sessions you can also send a bare index to switch.
Any plain message continues the active session.`
