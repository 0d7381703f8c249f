package syncer

import (
	"sync"
	"time"

	"github.com/tallybook/tally/internal/ledger"
	"github.com/tallybook/tally/internal/store"
	"go.uber.org/zap"
)

// observer turns store writes into debounced calls to fire. Every relevant
// write restarts one shared timer, so a burst of writes inside the window
// produces a single call.
type observer struct {
	interval time.Duration
	fire     func()
	logger   *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newObserver(interval time.Duration, fire func(), logger *zap.Logger) *observer {
	return &observer{
		interval: interval,
		fire:     fire,
		logger:   logger,
	}
}

// relevant reports whether c should schedule an upload. Writes made while
// applying remote state never do.
func relevant(c store.Change) bool {
	if c.Source == store.SourceSync {
		return false
	}
	return ledger.IsMonitored(c.Key)
}

// notify is the store subscription callback.
func (o *observer) notify(c store.Change) {
	if !relevant(c) {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return
	}
	o.logger.Debug("change observed",
		zap.String("key", c.Key),
		zap.Stringer("source", c.Source))

	if o.timer == nil {
		o.timer = time.AfterFunc(o.interval, o.elapsed)
		return
	}
	o.timer.Reset(o.interval)
}

func (o *observer) elapsed() {
	o.mu.Lock()
	stopped := o.stopped
	o.mu.Unlock()

	if !stopped {
		o.fire()
	}
}

// stop cancels any pending call. A stopped observer ignores further writes.
func (o *observer) stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.stopped = true
	if o.timer != nil {
		o.timer.Stop()
	}
}
