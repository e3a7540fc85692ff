package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/osvaldoandrade/tbqueue/internal/config"
	"github.com/osvaldoandrade/tbqueue/internal/observability"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
)

type BackendFactory func(cfg config.Config, logger *observability.Logger) (queue.Backend, error)

var (
	backendMu      sync.RWMutex
	backendDrivers = map[string]BackendFactory{}
)

func RegisterBackend(driver string, factory BackendFactory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendDrivers[driver] = factory
}

// NewBackend builds the backend named by queue.type.
func NewBackend(cfg config.Config, logger *observability.Logger) (queue.Backend, error) {
	driver := cfg.Queue.Type
	backendMu.RLock()
	factory, ok := backendDrivers[driver]
	backendMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("queue backend not found: %s", driver)
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return factory(cfg, logger.Named("queue."+driver))
}

func Backends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	out := make([]string, 0, len(backendDrivers))
	for name := range backendDrivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
