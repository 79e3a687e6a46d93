package permission

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// Actor is the identity a permission is evaluated for.
type Actor struct {
	// UserID is the acting user.
	UserID uint64

	// Roles held by the actor in the current scope.
	Roles []uint64

	// Scoped is false when role membership cannot be determined,
	// e.g. in a direct message.
	Scoped bool
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role uint64) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Recorder observes evaluation outcomes.
type Recorder interface {
	PermissionDecision(plugin string, allowed bool)
}

// Evaluator decides permissions against a plugin's current set.
// It is safe for concurrent use.
type Evaluator struct {
	plugin   string
	store    *Store
	logger   hclog.Logger
	recorder Recorder

	// warned holds the names already logged for the latest store version.
	warned atomic.Pointer[warnings]
}

type warnings struct {
	version uint64
	names   sync.Map
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithLogger sets the logger used for missing-permission warnings.
func WithLogger(logger hclog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// WithRecorder sets a decision recorder.
func WithRecorder(r Recorder) EvaluatorOption {
	return func(e *Evaluator) {
		e.recorder = r
	}
}

// NewEvaluator creates an evaluator for the named plugin reading from store.
func NewEvaluator(plugin string, store *Store, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		plugin: plugin,
		store:  store,
		logger: hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = NewStore(nil)
	}
	return e
}

// Store returns the backing store.
func (e *Evaluator) Store() *Store {
	return e.store
}

// Lookup returns the current permission with the given name.
func (e *Evaluator) Lookup(name string) (Permission, bool) {
	return e.store.Current().Get(name)
}

// Evaluate reports whether actor holds the named permission. requireScope is
// set when the caller only runs within a role scope; an unscoped actor is then
// denied whatever the rule says. Missing permissions deny.
func (e *Evaluator) Evaluate(name string, actor Actor, requireScope bool) bool {
	allowed := e.evaluate(name, actor, requireScope)
	if e.recorder != nil {
		e.recorder.PermissionDecision(e.plugin, allowed)
	}
	return allowed
}

func (e *Evaluator) evaluate(name string, actor Actor, requireScope bool) bool {
	if name == "" {
		return false
	}

	version := e.store.Version()
	p, ok := e.store.Current().Get(name)
	if !ok {
		e.warnMissing(version, name)
		return false
	}

	return Check(p, actor, requireScope)
}

// Check applies a single permission to an actor.
func Check(p Permission, actor Actor, requireScope bool) bool {
	if !actor.Scoped && requireScope {
		return false
	}

	switch p.kind {
	case KindEveryone:
		return true
	case KindRole:
		if !actor.Scoped {
			return false
		}
		for _, id := range p.positive {
			if actor.HasRole(id) {
				return true
			}
		}
		return false
	case KindUser:
		return p.allows(actor.UserID)
	default:
		return false
	}
}

// warnMissing logs name once per store version. Warnings of older versions
// are dropped when a newer version is first seen.
func (e *Evaluator) warnMissing(version uint64, name string) {
	w := e.warned.Load()
	for w == nil || w.version < version {
		if e.warned.CompareAndSwap(w, &warnings{version: version}) {
			w = e.warned.Load()
			break
		}
		w = e.warned.Load()
	}
	if _, loaded := w.names.LoadOrStore(name, struct{}{}); loaded {
		return
	}
	e.logger.Warn("permission not defined, denying", "plugin", e.plugin, "permission", name)
}
