package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"iap-coordinator/internal/models"
	"iap-coordinator/internal/options"

	"go.uber.org/zap"
)

// Publisher is the event sink a backend reports completions to
type Publisher interface {
	Publish(kind models.EventKind, payload any)
}

// StoreBackend is the capability set the coordinator needs from a store.
//
// Every request method returns once the request is issued; its result is
// delivered later as exactly one terminal event on the Publisher passed to
// Init, possibly from another goroutine. A returned error means the request
// was never issued and no event will follow.
type StoreBackend interface {
	Name() string
	Init(ctx context.Context, opts options.StoreOptions, events Publisher) error
	QueryInventory(ctx context.Context, storeSkus []string) error
	PurchaseProduct(ctx context.Context, storeSku, developerPayload string) error
	PurchaseSubscription(ctx context.Context, storeSku, developerPayload string) error
	ConsumeProduct(ctx context.Context, purchase models.Purchase) error
	RestoreTransactions(ctx context.Context) error
	AreSubscriptionsSupported() bool
	Unbind() error
}

// CommandWriter publishes keyed messages to an external store bridge
type CommandWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// Deps are the collaborators a backend factory may use
type Deps struct {
	Logger   *zap.Logger
	Commands CommandWriter
}

// Factory builds a backend from its dependencies
type Factory func(deps Deps) (StoreBackend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available to Open under name
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if f == nil {
		panic("backend: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("backend: Register called twice for " + name)
	}
	registry[name] = f
}

// Open builds the backend registered under name
func Open(name string, deps Deps) (StoreBackend, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown store backend %q (registered: %v)", models.ErrConfiguration, name, Names())
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return f(deps)
}

// Names lists registered backends, sorted
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
