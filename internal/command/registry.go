// Package command dispatches chat commands behind declarative checks.
package command

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/pluginhost/internal/permission"
	"github.com/dshills/pluginhost/internal/transport"
)

// DefaultPrefix starts a command when the message does not open with a
// mention.
const DefaultPrefix = "!"

// Command is a chat command. Checks run in order before Run.
type Command struct {
	Name        string
	Description string

	// Plugin owns the command. Empty for host commands.
	Plugin string

	Checks []Check
	Run    func(c *Context) error
}

func (cmd *Command) guildOnly() bool {
	if cmd == nil {
		return false
	}
	return slices.ContainsFunc(cmd.Checks, func(c Check) bool {
		return c.Name == CheckGuild
	})
}

// EvaluatorSource finds the permission evaluator of a plugin.
type EvaluatorSource interface {
	Evaluator(plugin string) (*permission.Evaluator, bool)
}

// Registry manages commands by name.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command

	prefix     string
	evaluators EvaluatorSource
	available  func(plugin string) bool
	host       *permission.Evaluator
	logger     hclog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithPrefix sets the text prefix that starts a command.
func WithPrefix(prefix string) Option {
	return func(r *Registry) {
		r.prefix = prefix
	}
}

// WithEvaluators sets where plugin commands find their evaluator.
func WithEvaluators(src EvaluatorSource) Option {
	return func(r *Registry) {
		r.evaluators = src
	}
}

// WithHostEvaluator sets the evaluator used by host commands.
func WithHostEvaluator(e *permission.Evaluator) Option {
	return func(r *Registry) {
		r.host = e
	}
}

// WithAvailability sets the predicate deciding whether a plugin's commands
// may run. Without one every command is available.
func WithAvailability(fn func(plugin string) bool) Option {
	return func(r *Registry) {
		r.available = fn
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger hclog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty command registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		commands: make(map[string]*Command),
		prefix:   DefaultPrefix,
		logger:   hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a command. Names are case-insensitive.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || strings.TrimSpace(cmd.Name) == "" || cmd.Run == nil {
		return ErrInvalidCommand
	}
	name := strings.ToLower(cmd.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.commands[name]; ok {
		return fmt.Errorf("%w: %s (owned by %q)", ErrDuplicateCommand, name, cur.Plugin)
	}
	cmd.Name = name
	r.commands[name] = cmd
	return nil
}

// Unregister removes a command by name.
func (r *Registry) Unregister(name string) bool {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commands[name]; !ok {
		return false
	}
	delete(r.commands, name)
	return true
}

// RemovePlugin removes every command owned by plugin and returns how many
// were removed.
func (r *Registry) RemovePlugin(plugin string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, cmd := range r.commands {
		if cmd.Plugin == plugin {
			delete(r.commands, name)
			n++
		}
	}
	return n
}

// Lookup returns the command registered under name.
func (r *Registry) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// Commands returns every command sorted by name.
func (r *Registry) Commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Parse builds an invocation from message text. Text must open with the
// registry prefix or a user mention. ok is false for ordinary chat.
func (r *Registry) Parse(text string) (c *Context, ok bool) {
	mention, rest, mentioned := ParseMention(text)
	if !mentioned {
		rest = strings.TrimLeft(text, " \t")
		if r.prefix == "" || !strings.HasPrefix(rest, r.prefix) {
			return nil, false
		}
		rest = rest[len(r.prefix):]
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil, false
	}
	return &Context{
		Name:    strings.ToLower(fields[0]),
		Args:    fields[1:],
		Mention: mention,
	}, true
}

// HandleMessage parses msg and dispatches it. Messages that are not commands
// are ignored and return nil.
func (r *Registry) HandleMessage(ctx context.Context, tr transport.Transport, msg *transport.Message, actor permission.Actor, botID uint64) error {
	if msg == nil || msg.AuthorID == botID {
		return nil
	}
	c, ok := r.Parse(msg.Content.Text)
	if !ok {
		return nil
	}
	c.Message = msg
	c.Actor = actor
	c.Transport = tr
	c.BotID = botID
	return r.Dispatch(ctx, c)
}

// Dispatch runs the command named by c.Name. The first failing check answers
// with its failure message and the command does not run.
func (r *Registry) Dispatch(ctx context.Context, c *Context) (err error) {
	cmd, ok := r.Lookup(c.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, c.Name)
	}
	if cmd.Plugin != "" && r.available != nil && !r.available(cmd.Plugin) {
		return fmt.Errorf("%w: %s (%s)", ErrUnavailable, cmd.Name, cmd.Plugin)
	}

	c.Command = cmd
	c.Evaluator = r.evaluatorFor(cmd.Plugin)
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.Cancel()

	for _, check := range cmd.Checks {
		if check.Predicate == nil || check.Predicate(c) {
			continue
		}
		r.logger.Debug("command rejected", "command", cmd.Name, "check", check.Name, "user", c.Actor.UserID)
		if _, rerr := c.Reply(check.Failure); rerr != nil {
			r.logger.Warn("sending check failure", "command", cmd.Name, "error", rerr)
		}
		return &CheckError{Command: cmd.Name, Check: check.Name, Message: check.Failure}
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s: %v", ErrPanic, cmd.Name, p)
		}
	}()
	if err := cmd.Run(c); err != nil {
		return fmt.Errorf("command %s: %w", cmd.Name, err)
	}
	return nil
}

func (r *Registry) evaluatorFor(plugin string) *permission.Evaluator {
	if plugin == "" {
		return r.host
	}
	if r.evaluators == nil {
		return nil
	}
	ev, ok := r.evaluators.Evaluator(plugin)
	if !ok {
		return nil
	}
	return ev
}
