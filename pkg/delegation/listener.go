package delegation

import (
	"github.com/rs/zerolog"

	"github.com/openfroyo/metahook/pkg/engine"
)

// cacheInvalidator drops a module's cached dependency set when the module becomes UNRESOLVED.
type cacheInvalidator struct {
	cache  *DependencyCache
	logger zerolog.Logger
}

func (l *cacheInvalidator) ModuleChanged(event engine.LifecycleEvent) {
	if event.Type != engine.EventUnresolved {
		return
	}
	if l.cache.Invalidate(event.Module) {
		l.logger.Debug().Uint64("module_id", uint64(event.Module)).Msg("Module unresolved, dependency set dropped")
	}
}

// Start subscribes the delegator to registry lifecycle events. Calling Start twice is a no-op.
func (d *Delegator) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.registry.Subscribe(d.listener)
	d.started = true
}

// Stop unsubscribes from lifecycle events. Calling Stop on a stopped delegator is a no-op.
func (d *Delegator) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	d.registry.Unsubscribe(d.listener)
	d.started = false
}
