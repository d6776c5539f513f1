package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xferd/session"
)

// Func executes a command. A non-empty result is sent back as one reply
// line; an empty result sends nothing.
type Func func(ctx context.Context, s *session.Session, args []string) (string, error)

// Command binds a verb and its aliases to a handler.
type Command struct {
	Name    string
	Aliases []string
	Usage   string
	Run     Func
}

// Registry maps verbs to commands. Lookups are case-insensitive.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	log      logrus.FieldLogger
}

// NewRegistry creates an empty registry. A nil logger selects the standard
// logger.
func NewRegistry(logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		commands: make(map[string]*Command),
		log:      logger,
	}
}

// Register adds cmd under its name and aliases. Registering a verb twice is
// an error.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || cmd.Name == "" || cmd.Run == nil {
		return fmt.Errorf("command must have a name and a handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	verbs := append([]string{cmd.Name}, cmd.Aliases...)
	for _, v := range verbs {
		if _, exists := r.commands[strings.ToUpper(v)]; exists {
			return fmt.Errorf("command %q already registered", strings.ToUpper(v))
		}
	}
	for _, v := range verbs {
		r.commands[strings.ToUpper(v)] = cmd
	}
	return nil
}

// Lookup finds the command registered for verb.
func (r *Registry) Lookup(verb string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.ToUpper(verb)]
	return cmd, ok
}

// Verbs lists every registered verb and alias.
func (r *Registry) Verbs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.commands))
	for v := range r.commands {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Execute runs verb and returns the reply line. Unknown verbs and handler
// errors become "Error: ..." replies; a panicking handler does not take the
// connection down.
func (r *Registry) Execute(ctx context.Context, s *session.Session, verb string, args []string) (reply string) {
	verb = strings.ToUpper(verb)
	log := s.Logger().WithFields(logrus.Fields{
		"function": "Execute",
		"command":  verb,
	})

	cmd, ok := r.Lookup(verb)
	if !ok {
		log.Warn("Unknown command")
		return fmt.Sprintf("Error: Unknown command '%s'", verb)
	}

	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", fmt.Sprint(p)).Error("Command handler panicked")
			reply = "Error: internal error"
		}
	}()

	result, err := cmd.Run(ctx, s, args)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Command failed")
		return "Error: " + err.Error()
	}
	log.Debug("Command executed")
	return result
}
