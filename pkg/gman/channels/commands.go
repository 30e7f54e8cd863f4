package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/jholhewres/gman/pkg/gman/command"
	"github.com/jholhewres/gman/pkg/gman/delivery"
	"github.com/jholhewres/gman/pkg/gman/pipeline"
)

// DefaultPrefix starts every text command.
const DefaultPrefix = "!"

// HelpCommand lists the available tools.
const HelpCommand = "help"

// ParsedCommand is a prefix command split into its name and the raw
// argument string. Args keeps quoting intact for the tokenizer.
type ParsedCommand struct {
	Name string
	Args string
}

// IsCommand returns true if content starts with prefix followed by a name.
func IsCommand(content, prefix string) bool {
	_, ok := ParseCommand(content, prefix)
	return ok
}

// ParseCommand splits "!name args..." into its parts. The name is
// lower-cased; the arguments are returned verbatim apart from surrounding
// whitespace.
func ParseCommand(content, prefix string) (ParsedCommand, bool) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, prefix) {
		return ParsedCommand{}, false
	}
	rest := content[len(prefix):]
	end := strings.IndexFunc(rest, unicode.IsSpace)
	if end < 0 {
		end = len(rest)
	}
	name := strings.ToLower(rest[:end])
	if name == "" {
		return ParsedCommand{}, false
	}
	return ParsedCommand{Name: name, Args: strings.TrimSpace(rest[end:])}, true
}

// HelpText renders the command list for prefix.
func HelpText(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	aliases := command.Aliases()

	var b strings.Builder
	b.WriteString("**Available commands**\n")
	for _, g := range command.Grammars() {
		fmt.Fprintf(&b, "`%s%s`", prefix, g.Usage())
		if names := aliases[g.Tool()]; len(names) > 0 {
			fmt.Fprintf(&b, " (also %s)", joinPrefixed(prefix, names))
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "`%s%s` shows this list.\n", prefix, HelpCommand)
	b.WriteString("URLs after an input flag are downloaded before the tool runs; the result is sent back as an attachment.")
	return b.String()
}

func joinPrefixed(prefix string, names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for i, n := range sorted {
		sorted[i] = "`" + prefix + n + "`"
	}
	return strings.Join(sorted, ", ")
}

// Starter starts pipeline invocations. *pipeline.Pipeline satisfies it.
type Starter interface {
	Start(ctx context.Context, req pipeline.Request, m delivery.Messenger) *pipeline.Task
}

// Router turns chat messages into pipeline invocations. It is shared by
// every text front end.
type Router struct {
	starter   Starter
	deliverer *delivery.Deliverer
	prefix    string
	logger    *slog.Logger
}

// NewRouter creates a Router for prefix. An empty prefix means
// DefaultPrefix.
func NewRouter(starter Starter, deliverer *delivery.Deliverer, prefix string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Router{
		starter:   starter,
		deliverer: deliverer,
		prefix:    prefix,
		logger:    logger.With("component", "router"),
	}
}

// Prefix returns the command prefix.
func (r *Router) Prefix() string { return r.prefix }

// Dispatch handles one message. Tool commands start an invocation and
// return its task; the help command replies directly and returns a nil
// task. Messages that are not commands return ErrNotACommand and commands
// naming no known tool return ErrUnknownCommand, so other bots sharing the
// prefix are left alone.
func (r *Router) Dispatch(ctx context.Context, msg *IncomingMessage, m delivery.Messenger) (*pipeline.Task, error) {
	cmd, ok := ParseCommand(msg.Content, r.prefix)
	if !ok {
		return nil, ErrNotACommand
	}

	if cmd.Name == HelpCommand {
		return nil, r.deliverer.Text(ctx, m, HelpText(r.prefix))
	}

	if _, known := command.Lookup(cmd.Name); !known {
		r.logger.Debug("ignoring unknown command", "name", cmd.Name, "from", msg.From)
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
	}

	req := pipeline.NewRequest(cmd.Name, cmd.Args, msg.Caller())
	if !msg.Timestamp.IsZero() {
		req.IssuedAt = msg.Timestamp
	}
	r.logger.Info("command received",
		"tool", cmd.Name,
		"channel", msg.Channel,
		"from", msg.From,
		"chat", msg.ChatID,
	)
	return r.starter.Start(ctx, req, m), nil
}

// Submit starts an invocation for a request that arrived already
// structured, such as a slash command.
func (r *Router) Submit(ctx context.Context, req pipeline.Request, m delivery.Messenger) *pipeline.Task {
	r.logger.Info("command received", "tool", req.Tool, "caller", req.Caller)
	return r.starter.Start(ctx, req, m)
}
