package plugin

import (
	"context"
	"errors"
	"fmt"
)

// Op names a step in a batch.
type Op string

// Batch steps.
const (
	OpDiscover Op = "discover"
	OpResolve  Op = "resolve"
	OpLoad     Op = "load"
	OpEnable   Op = "enable"
	OpDisable  Op = "disable"
	OpUnload   Op = "unload"
)

// Result is the outcome of one step for one plugin.
type Result struct {
	Plugin string
	Op     Op
	Err    error
}

// OK returns true if the step succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Report collects per-plugin results of a batch. There is no all-or-nothing
// outcome: every plugin succeeds or fails on its own.
type Report struct {
	Results []Result
}

func (r *Report) add(plugin string, op Op, err error) {
	r.Results = append(r.Results, Result{Plugin: plugin, Op: op, Err: err})
}

// Failed returns the failed results in batch order.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Succeeded returns the successful results in batch order.
func (r *Report) Succeeded() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err == nil {
			out = append(out, res)
		}
	}
	return out
}

// OK returns true if no step failed.
func (r *Report) OK() bool {
	return len(r.Failed()) == 0
}

// Err joins every failure, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %s: %w", res.Plugin, res.Op, res.Err))
	}
	return errors.Join(errs...)
}

// FailureKind classifies err for operator output.
func FailureKind(err error) string {
	var (
		missing    *MissingDependencyError
		cycle      *CycleError
		unresolved *UnresolvedDependencyError
		notReady   *DependencyNotReadyError
		active     *DependantActiveError
		hook       *HookError
		transition *TransitionError
		desc       *DescriptorError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &unresolved):
		return "unresolved-dependency"
	case errors.As(err, &missing):
		return "missing-dependency"
	case errors.As(err, &cycle):
		return "cycle"
	case errors.As(err, &notReady):
		return "dependency-not-ready"
	case errors.As(err, &active):
		return "dependant-active"
	case errors.Is(err, ErrHookTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrHookCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &hook):
		return "hook-failure"
	case errors.As(err, &transition):
		return "invalid-transition"
	case errors.Is(err, ErrPluginNotFound):
		return "not-found"
	case errors.As(err, &desc):
		return "invalid-descriptor"
	default:
		return "error"
	}
}
