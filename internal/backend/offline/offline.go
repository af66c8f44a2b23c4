package offline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"iap-coordinator/internal/backend"
	"iap-coordinator/internal/models"
	"iap-coordinator/internal/options"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Name is the registry name of the offline backend
const Name = "offline"

// Op identifies a request kind for failure injection
type Op string

const (
	OpInit     Op = "init"
	OpQuery    Op = "query"
	OpPurchase Op = "purchase"
	OpConsume  Op = "consume"
	OpRestore  Op = "restore"
)

var errUnbound = errors.New("offline backend unbound")

func init() {
	backend.Register(Name, func(deps backend.Deps) (backend.StoreBackend, error) {
		return New(deps.Logger), nil
	})
}

// Backend simulates a store without any network or platform dependency.
// Every request completes synchronously on the caller's goroutine.
type Backend struct {
	logger *zap.Logger

	mu       sync.Mutex
	events   backend.Publisher
	owned    map[string]models.Purchase // keyed by store SKU
	details  map[string]models.SkuDetails
	failures map[Op]string
	unbound  bool
}

// New creates an offline backend with an empty inventory
func New(logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		logger:   logger,
		owned:    make(map[string]models.Purchase),
		details:  make(map[string]models.SkuDetails),
		failures: make(map[Op]string),
	}
}

func (b *Backend) Name() string { return Name }

// Seed records purchases as already owned, e.g. a consumable whose consume
// never happened before the last shutdown
func (b *Backend) Seed(purchases ...models.Purchase) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range purchases {
		if p.StoreName == "" {
			p.StoreName = models.StoreOffline
		}
		if p.State == "" {
			p.State = models.PurchaseStatePurchased
		}
		b.owned[p.Sku] = p
	}
}

// Describe registers SKU details returned by inventory queries
func (b *Backend) Describe(details ...models.SkuDetails) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range details {
		b.details[d.Sku] = d
	}
}

// FailNext makes the next request of kind op complete with a failure event
func (b *Backend) FailNext(op Op, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = reason
}

// Owned returns the store SKUs currently owned, sorted
func (b *Backend) Owned() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.owned))
	for sku := range b.owned {
		out = append(out, sku)
	}
	sort.Strings(out)
	return out
}

// begin checks the backend is usable and pops an injected failure
func (b *Backend) begin(op Op) (backend.Publisher, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unbound {
		return nil, "", errUnbound
	}
	if b.events == nil && op != OpInit {
		return nil, "", fmt.Errorf("offline backend: %s before init", op)
	}
	reason, fail := b.failures[op]
	if fail {
		delete(b.failures, op)
	}
	return b.events, reason, nil
}

func (b *Backend) Init(ctx context.Context, opts options.StoreOptions, events backend.Publisher) error {
	if events == nil {
		return errors.New("offline backend: nil event publisher")
	}
	b.mu.Lock()
	b.events = events
	b.mu.Unlock()

	_, reason, err := b.begin(OpInit)
	if err != nil {
		return err
	}

	b.logger.Debug("Offline billing init",
		zap.Duration("discovery_timeout", opts.DiscoveryTimeout()),
		zap.Bool("check_inventory", opts.CheckInventory()))

	if reason != "" {
		events.Publish(models.EventBillingNotSupported, models.BillingNotSupportedEvent{Reason: reason})
		return nil
	}
	events.Publish(models.EventBillingSupported, models.BillingSupportedEvent{StoreName: models.StoreOffline})
	return nil
}

func (b *Backend) QueryInventory(ctx context.Context, storeSkus []string) error {
	events, reason, err := b.begin(OpQuery)
	if err != nil {
		return err
	}
	if reason != "" {
		events.Publish(models.EventQueryInventoryFailed, models.QueryInventoryFailedEvent{Reason: reason})
		return nil
	}

	want := make(map[string]bool, len(storeSkus))
	for _, s := range storeSkus {
		want[s] = true
	}

	inv := models.NewInventory()
	b.mu.Lock()
	for sku, p := range b.owned {
		if len(want) == 0 || want[sku] {
			inv.Purchases[sku] = p
		}
	}
	for sku, d := range b.details {
		if len(want) == 0 || want[sku] {
			inv.Details[sku] = d
		}
	}
	b.mu.Unlock()

	events.Publish(models.EventQueryInventorySucceeded, models.QueryInventorySucceededEvent{Inventory: inv})
	return nil
}

func (b *Backend) PurchaseProduct(ctx context.Context, storeSku, developerPayload string) error {
	return b.purchase(storeSku, developerPayload, models.ItemTypeInApp)
}

func (b *Backend) PurchaseSubscription(ctx context.Context, storeSku, developerPayload string) error {
	return b.purchase(storeSku, developerPayload, models.ItemTypeSubscription)
}

func (b *Backend) purchase(storeSku, developerPayload, itemType string) error {
	events, reason, err := b.begin(OpPurchase)
	if err != nil {
		return err
	}
	if reason != "" {
		events.Publish(models.EventPurchaseFailed, models.PurchaseFailedEvent{Code: -1, Reason: reason})
		return nil
	}

	token := uuid.New().String()
	p := models.Purchase{
		Sku:              storeSku,
		StoreName:        models.StoreOffline,
		TransactionToken: token,
		DeveloperPayload: developerPayload,
		State:            models.PurchaseStatePurchased,
		ItemType:         itemType,
		OrderID:          fmt.Sprintf("OFFLINE-%s", token[:8]),
		PurchaseTime:     time.Now().UTC(),
	}

	b.mu.Lock()
	b.owned[storeSku] = p
	b.mu.Unlock()

	b.logger.Debug("Offline purchase synthesized",
		zap.String("store_sku", storeSku),
		zap.String("order_id", p.OrderID))

	events.Publish(models.EventPurchaseSucceeded, models.PurchaseSucceededEvent{Purchase: p})
	return nil
}

func (b *Backend) ConsumeProduct(ctx context.Context, purchase models.Purchase) error {
	events, reason, err := b.begin(OpConsume)
	if err != nil {
		return err
	}
	if reason != "" {
		p := purchase
		events.Publish(models.EventConsumeFailed, models.ConsumeFailedEvent{Purchase: &p, Reason: reason})
		return nil
	}

	b.mu.Lock()
	delete(b.owned, purchase.Sku)
	b.mu.Unlock()

	purchase.State = models.PurchaseStateConsumed
	events.Publish(models.EventConsumeSucceeded, models.ConsumeSucceededEvent{Purchase: purchase})
	return nil
}

func (b *Backend) RestoreTransactions(ctx context.Context) error {
	events, reason, err := b.begin(OpRestore)
	if err != nil {
		return err
	}
	if reason != "" {
		events.Publish(models.EventRestoreFailed, models.RestoreFailedEvent{Reason: reason})
		return nil
	}

	b.mu.Lock()
	restored := make([]models.Purchase, 0, len(b.owned))
	for _, p := range b.owned {
		restored = append(restored, p)
	}
	b.mu.Unlock()
	sort.Slice(restored, func(i, j int) bool { return restored[i].Sku < restored[j].Sku })

	for _, p := range restored {
		events.Publish(models.EventTransactionRestored, models.TransactionRestoredEvent{Purchase: p})
	}
	events.Publish(models.EventRestoreSucceeded, models.RestoreSucceededEvent{})
	return nil
}

// AreSubscriptionsSupported always reports true, as the editor mode did
func (b *Backend) AreSubscriptionsSupported() bool {
	return true
}

func (b *Backend) Unbind() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.unbound = true
	b.events = nil
	return nil
}
