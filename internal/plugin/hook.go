package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultHookTimeout bounds a lifecycle hook when no timeout is configured.
const DefaultHookTimeout = 30 * time.Second

// runHook calls fn with a context bounded by the hook timeout. A panic in fn
// becomes a HookError. If ctx ends before fn returns, the error wraps
// ErrHookTimeout or ErrHookCancelled and the returned channel is closed once
// fn finally returns; it is nil when fn has already returned.
func (m *Manager) runHook(ctx context.Context, plugin string, hook Hook, fn func(context.Context) error) (<-chan struct{}, error) {
	var (
		hctx   context.Context
		cancel context.CancelFunc
	)
	if m.hookTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, m.hookTimeout)
	} else {
		hctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	result := make(chan error, 1)
	done := make(chan struct{})
	start := time.Now()
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- fn(hctx)
	}()

	var (
		err      error
		finished bool
	)
	select {
	case err = <-result:
		finished = true
	case <-hctx.Done():
		select {
		case err = <-result:
			finished = true
		default:
		}
	}
	cerr := hctx.Err()
	elapsed := time.Since(start)
	m.metrics.ObserveHook(string(hook), elapsed)

	var pending <-chan struct{}
	if finished {
		<-done
	} else {
		pending = done
	}

	if cerr != nil && (!finished || err != nil) {
		cause := ErrHookCancelled
		if ctx.Err() == nil && errors.Is(cerr, context.DeadlineExceeded) {
			cause = ErrHookTimeout
		}
		m.logger.Warn("hook interrupted", "plugin", plugin, "hook", hook, "elapsed", elapsed, "error", cerr)
		return pending, &HookError{Plugin: plugin, Hook: hook, Err: fmt.Errorf("%w: %w", cause, cerr)}
	}
	if err != nil {
		return nil, &HookError{Plugin: plugin, Hook: hook, Err: err}
	}
	return nil, nil
}
