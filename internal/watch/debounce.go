package watch

import (
	"sync"
	"time"
)

// target is what a burst of events resolves to.
type target struct {
	plugin string
	kind   Kind
}

// debouncer coalesces targets: each one fires once after delay has passed
// without a new Add for it. A discover for a plugin supersedes its reload.
type debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingTarget
	out     chan target
	stopped bool
}

type pendingTarget struct {
	target target
	timer  *time.Timer
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{
		delay:   delay,
		pending: make(map[string]*pendingTarget),
		out:     make(chan target, 64),
	}
}

// C delivers targets once they have settled.
func (d *debouncer) C() <-chan target {
	return d.out
}

func key(t target) string {
	if t.kind == KindPermissions {
		return "perm:" + t.plugin
	}
	return "plugin:" + t.plugin
}

// Add schedules t, restarting its quiet period.
func (d *debouncer) Add(t target) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	k := key(t)
	if p, ok := d.pending[k]; ok {
		if t.kind == KindDiscover {
			p.target.kind = KindDiscover
		}
		p.timer.Reset(d.delay)
		return
	}
	p := &pendingTarget{target: t}
	p.timer = time.AfterFunc(d.delay, func() { d.fire(k) })
	d.pending[k] = p
}

func (d *debouncer) fire(k string) {
	d.mu.Lock()
	p, ok := d.pending[k]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, k)
	d.mu.Unlock()

	select {
	case d.out <- p.target:
	default:
		// Run is busy; try again after another quiet period.
		d.Add(p.target)
	}
}

// Pending returns the number of targets waiting to settle.
func (d *debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending target.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for k, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, k)
	}
}
