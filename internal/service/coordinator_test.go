package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"iap-coordinator/internal/backend"
	"iap-coordinator/internal/backend/offline"
	"iap-coordinator/internal/catalog"
	"iap-coordinator/internal/eventbus"
	"iap-coordinator/internal/models"
	"iap-coordinator/internal/options"
	"iap-coordinator/internal/skumap"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	repairKit    = "sku_repair_kit"
	infiniteAmmo = "sku_infinite_ammo"
	premiumSkin  = "sku_premium_skin"
)

func demoCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(
		catalog.Product{Sku: repairKit, Policy: catalog.PolicyConsumable, Stores: map[string]string{
			models.StoreGoogle: "sku_repair_kit",
			models.StoreAmazon: "amazon.sku_repair_kit",
		}},
		catalog.Product{Sku: infiniteAmmo, Policy: catalog.PolicySubscription, Stores: map[string]string{
			models.StoreGoogle: "sku_god_mode",
			models.StoreAmazon: "amazon.sku_god_mode",
		}},
		catalog.Product{Sku: premiumSkin, Policy: catalog.PolicyEntitlement},
	)
	require.NoError(t, err)
	return c
}

// outcomes records every outcome published by a coordinator
type outcomes struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func watch(c *Coordinator) *outcomes {
	o := &outcomes{}
	for _, kind := range models.OutcomeEventKinds {
		c.Bus().Subscribe(kind, "test", func(evt eventbus.Event) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.events = append(o.events, evt)
		})
	}
	return o
}

func (o *outcomes) kinds() []models.EventKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.EventKind, len(o.events))
	for i, e := range o.events {
		out[i] = e.Kind
	}
	return out
}

func (o *outcomes) of(kind models.EventKind) []any {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []any
	for _, e := range o.events {
		if e.Kind == kind {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (o *outcomes) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = nil
}

// countingBackend counts consume requests reaching the offline store
type countingBackend struct {
	*offline.Backend
	mu       sync.Mutex
	consumes map[string]int
}

func (b *countingBackend) ConsumeProduct(ctx context.Context, p models.Purchase) error {
	b.mu.Lock()
	b.consumes[p.Sku]++
	b.mu.Unlock()
	return b.Backend.ConsumeProduct(ctx, p)
}

func (b *countingBackend) consumed(sku string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumes[sku]
}

func startOffline(t *testing.T, builder *options.Builder, verifier PayloadVerifier, seed ...models.Purchase) (*Coordinator, *countingBackend, *outcomes) {
	t.Helper()
	b := &countingBackend{Backend: offline.New(nil), consumes: make(map[string]int)}
	b.Seed(seed...)

	c := NewCoordinator(verifier)
	o := watch(c)
	cat := demoCatalog(t)
	require.NoError(t, c.Start(context.Background(), b, cat, cat.Mappings(), builder))
	require.Equal(t, StateReady, c.State())
	return c, b, o
}

// manualBackend records requests; tests answer them through the bus
type manualBackend struct {
	mu       sync.Mutex
	events   backend.Publisher
	inits    int
	calls    []string
	consumes []models.Purchase
	err      error
	unbound  bool
}

func (m *manualBackend) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, call)
	return nil
}

func (m *manualBackend) lastCall() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return ""
	}
	return m.calls[len(m.calls)-1]
}

func (m *manualBackend) Name() string { return "manual" }

func (m *manualBackend) Init(ctx context.Context, opts options.StoreOptions, events backend.Publisher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inits++
	m.events = events
	return nil
}

func (m *manualBackend) QueryInventory(ctx context.Context, storeSkus []string) error {
	return m.record("query")
}

func (m *manualBackend) PurchaseProduct(ctx context.Context, storeSku, developerPayload string) error {
	return m.record("purchase:" + storeSku)
}

func (m *manualBackend) PurchaseSubscription(ctx context.Context, storeSku, developerPayload string) error {
	return m.record("subscribe:" + storeSku)
}

func (m *manualBackend) ConsumeProduct(ctx context.Context, p models.Purchase) error {
	if err := m.record("consume:" + p.Sku); err != nil {
		return err
	}
	m.mu.Lock()
	m.consumes = append(m.consumes, p)
	m.mu.Unlock()
	return nil
}

func (m *manualBackend) RestoreTransactions(ctx context.Context) error {
	return m.record("restore")
}

func (m *manualBackend) AreSubscriptionsSupported() bool { return false }

func (m *manualBackend) Unbind() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unbound = true
	return nil
}

func startManual(t *testing.T, store string, builder *options.Builder, verifier PayloadVerifier) (*Coordinator, *manualBackend, *outcomes) {
	t.Helper()
	if builder == nil {
		builder = options.NewBuilder().CheckInventory(false)
	}
	m := &manualBackend{}
	c := NewCoordinator(verifier)
	o := watch(c)
	cat := demoCatalog(t)
	require.NoError(t, c.Start(context.Background(), m, cat, cat.Mappings(), builder))
	require.Equal(t, StateInitializing, c.State())

	c.Bus().Publish(models.EventBillingSupported, models.BillingSupportedEvent{StoreName: store})
	return c, m, o
}

type stubVerifier struct {
	ok  bool
	err error
}

func (v stubVerifier) Verify(ctx context.Context, sku, payload string) (bool, error) {
	return v.ok, v.err
}

type releasingVerifier struct {
	mu       sync.Mutex
	released []string
}

func (v *releasingVerifier) Verify(ctx context.Context, sku, payload string) (bool, error) {
	return true, nil
}

func (v *releasingVerifier) Release(ctx context.Context, sku, payload string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.released = append(v.released, sku+":"+payload)
	return nil
}

func (v *releasingVerifier) Released() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.released...)
}

func TestConsumeReleasesPayload(t *testing.T) {
	v := &releasingVerifier{}
	c, _, _ := startOffline(t, nil, v)

	require.NoError(t, c.PurchaseProduct(context.Background(), repairKit, "kit-payload"))
	assert.Equal(t, []string{repairKit + ":kit-payload"}, v.Released())

	require.NoError(t, c.PurchaseProduct(context.Background(), premiumSkin, "skin-payload"))
	assert.Len(t, v.Released(), 1, "owned entitlement keeps its payload")
}

func TestPurchaseConsumableGrantsThenConsumes(t *testing.T) {
	c, b, o := startOffline(t, nil, nil)
	o.reset()

	require.NoError(t, c.PurchaseProduct(context.Background(), repairKit, "payload"))

	grants := o.of(models.EventGrantEntitlement)
	consumed := o.of(models.EventProductConsumed)
	require.Len(t, grants, 1)
	require.Len(t, consumed, 1)
	assert.Equal(t, repairKit, grants[0].(models.GrantEntitlementEvent).Sku)
	assert.Equal(t, repairKit, consumed[0].(models.ProductConsumedEvent).Sku)
	assert.Equal(t, models.PurchaseStateConsumed, consumed[0].(models.ProductConsumedEvent).Purchase.State)

	kinds := o.kinds()
	assert.Equal(t, models.EventGrantEntitlement, kinds[0])
	assert.Empty(t, o.of(models.EventRevokeEntitlement))

	_, pending := c.Pending()
	assert.False(t, pending)
	assert.Equal(t, StateReady, c.State())
	assert.False(t, c.Inventory().HasPurchase(repairKit))
	assert.Equal(t, 1, b.consumed(repairKit))

	// the guard is clear, so the kit can be bought again
	require.NoError(t, c.PurchaseProduct(context.Background(), repairKit, ""))
	assert.Len(t, o.of(models.EventGrantEntitlement), 2)
}

func TestPurchaseSubscriptionGrantsWithoutConsume(t *testing.T) {
	c, b, o := startOffline(t, nil, nil)
	o.reset()

	require.NoError(t, c.PurchaseSubscription(context.Background(), infiniteAmmo, ""))

	grants := o.of(models.EventGrantEntitlement)
	require.Len(t, grants, 1)
	assert.Equal(t, infiniteAmmo, grants[0].(models.GrantEntitlementEvent).Sku)
	assert.Empty(t, o.of(models.EventProductConsumed))
	assert.Zero(t, b.consumed(infiniteAmmo))

	assert.Equal(t, []string{infiniteAmmo}, c.Entitlements())
	p, ok := c.Inventory().Purchase(infiniteAmmo)
	require.True(t, ok)
	assert.Equal(t, models.ItemTypeSubscription, p.ItemType)
	assert.Equal(t, models.StoreOffline, c.StoreName())
	assert.True(t, c.AreSubscriptionsSupported())
}

func TestInitQueryConsumesLeftoverConsumable(t *testing.T) {
	c, b, o := startOffline(t, nil, nil,
		models.Purchase{Sku: repairKit, TransactionToken: "crash-1"},
		models.Purchase{Sku: premiumSkin, TransactionToken: "skin-1"},
	)

	assert.Equal(t, 1, b.consumed(repairKit))
	assert.Zero(t, b.consumed(premiumSkin))
	assert.Zero(t, b.consumed(infiniteAmmo))

	grants := o.of(models.EventGrantEntitlement)
	require.Len(t, grants, 1)
	assert.Equal(t, premiumSkin, grants[0].(models.GrantEntitlementEvent).Sku)

	consumed := o.of(models.EventProductConsumed)
	require.Len(t, consumed, 1)
	assert.Equal(t, "crash-1", consumed[0].(models.ProductConsumedEvent).Purchase.TransactionToken)

	assert.Len(t, o.of(models.EventBillingReady), 1)
	assert.Equal(t, []string{premiumSkin}, c.Entitlements())
	assert.Equal(t, []string{premiumSkin}, b.Owned())

	// a second query grants the entitlement again and consumes nothing
	o.reset()
	require.NoError(t, c.QueryInventory(context.Background(), nil))
	assert.Len(t, o.of(models.EventGrantEntitlement), 1)
	assert.Equal(t, 1, b.consumed(repairKit))
	assert.Empty(t, o.of(models.EventBillingReady))
}

func TestSingleFlightGuard(t *testing.T) {
	c, m, o := startManual(t, models.StoreGoogle, nil, nil)
	require.Equal(t, StateReady, c.State())

	require.NoError(t, c.PurchaseProduct(context.Background(), premiumSkin, ""))
	assert.Equal(t, StatePurchasing, c.State())

	errs := []error{
		c.PurchaseProduct(context.Background(), premiumSkin, ""),
		c.PurchaseSubscription(context.Background(), infiniteAmmo, ""),
		c.ConsumeProduct(context.Background(), repairKit),
		c.RestoreTransactions(context.Background()),
		c.QueryInventory(context.Background(), nil),
	}
	for _, err := range errs {
		assert.True(t, errors.Is(err, models.ErrOperationInProgress), "got %v", err)
		var inProgress *models.OperationInProgressError
		require.True(t, errors.As(err, &inProgress))
		assert.Equal(t, models.OperationPurchaseProduct, inProgress.Pending)
	}
	assert.Equal(t, []string{"purchase:" + premiumSkin}, m.calls)

	c.Bus().Publish(models.EventPurchaseSucceeded, models.PurchaseSucceededEvent{
		Purchase: models.Purchase{Sku: premiumSkin, TransactionToken: "t"},
	})
	assert.Len(t, o.of(models.EventGrantEntitlement), 1)
	assert.Equal(t, StateReady, c.State())
}

func TestFirstTerminalWins(t *testing.T) {
	c, _, o := startManual(t, models.StoreGoogle, nil, nil)

	require.NoError(t, c.PurchaseProduct(context.Background(), premiumSkin, ""))
	c.Bus().Publish(models.EventPurchaseFailed, models.PurchaseFailedEvent{Code: 1, Reason: "user cancelled"})
	c.Bus().Publish(models.EventPurchaseSucceeded, models.PurchaseSucceededEvent{
		Purchase: models.Purchase{Sku: premiumSkin, TransactionToken: "t"},
	})
	c.Bus().Publish(models.EventPurchaseFailed, models.PurchaseFailedEvent{Code: 2})

	failures := o.of(models.EventOperationFailed)
	require.Len(t, failures, 1)
	f := failures[0].(models.OperationFailedEvent)
	assert.Equal(t, models.OperationPurchaseProduct, f.Kind)
	assert.Equal(t, premiumSkin, f.Sku)
	assert.Equal(t, 1, f.Code)
	assert.Equal(t, "user cancelled", f.Reason)
	assert.Empty(t, o.of(models.EventGrantEntitlement))
	assert.False(t, c.Inventory().HasPurchase(premiumSkin))
}

func TestStoreSkuMappingForConnectedStore(t *testing.T) {
	c, m, o := startManual(t, models.StoreGoogle, nil, nil)

	require.NoError(t, c.PurchaseSubscription(context.Background(), infiniteAmmo, "p"))
	assert.Equal(t, "subscribe:sku_god_mode", m.lastCall())

	c.Bus().Publish(models.EventPurchaseSucceeded, models.PurchaseSucceededEvent{
		Purchase: models.Purchase{Sku: "sku_god_mode", TransactionToken: "t", DeveloperPayload: "p"},
	})

	grants := o.of(models.EventGrantEntitlement)
	require.Len(t, grants, 1)
	g := grants[0].(models.GrantEntitlementEvent)
	assert.Equal(t, infiniteAmmo, g.Sku)
	assert.Equal(t, infiniteAmmo, g.Purchase.Sku)
}

func TestUnknownSkuInPurchaseTerminatesPurchase(t *testing.T) {
	c, _, o := startManual(t, models.StoreAmazon, nil, nil)

	require.NoError(t, c.PurchaseProduct(context.Background(), repairKit, ""))
	c.Bus().Publish(models.EventPurchaseSucceeded, models.PurchaseSucceededEvent{
		Purchase: models.Purchase{Sku: "amazon.sku_unknown"},
	})

	failures := o.of(models.EventOperationFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, models.ReasonUnknownSku, failures[0].(models.OperationFailedEvent).Reason)
	assert.Empty(t, o.of(models.EventGrantEntitlement))
	assert.Equal(t, StateReady, c.State())
}

func TestStrictVerificationFailureIsPurchaseFailure(t *testing.T) {
	c, b, o := startOffline(t, nil, stubVerifier{ok: false})
	o.reset()

	require.NoError(t, c.PurchaseProduct(context.Background(), repairKit, "forged"))

	failures := o.of(models.EventOperationFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, models.ReasonPayloadVerificationFailed, failures[0].(models.OperationFailedEvent).Reason)
	assert.Empty(t, o.of(models.EventGrantEntitlement))
	assert.Zero(t, b.consumed(repairKit))
	assert.Equal(t, StateReady, c.State())
}

func TestVerifierErrorCountsAsFailure(t *testing.T) {
	c, _, o := startOffline(t, nil, stubVerifier{ok: true, err: errors.New("redis down")})
	o.reset()

	require.NoError(t, c.PurchaseSubscription(context.Background(), infiniteAmmo, "p"))
	assert.Len(t, o.of(models.EventOperationFailed), 1)
	assert.Empty(t, o.of(models.EventGrantEntitlement))
}

func TestAllowFailureAndSkipModesGrant(t *testing.T) {
	for _, mode := range []options.VerifyMode{options.VerifyAllowFailure, options.VerifySkip} {
		t.Run(mode.String(), func(t *testing.T) {
			c, _, o := startOffline(t, options.NewBuilder().VerifyMode(mode), stubVerifier{ok: false})
			o.reset()

			require.NoError(t, c.PurchaseSubscription(context.Background(), infiniteAmmo, ""))
			assert.Len(t, o.of(models.EventGrantEntitlement), 1)
			assert.Empty(t, o.of(models.EventOperationFailed))
		})
	}
}

func TestStrictVerificationFiltersReconciliation(t *testing.T) {
	c, b, o := startOffline(t, nil, stubVerifier{ok: false},
		models.Purchase{Sku: repairKit, TransactionToken: "t1"},
		models.Purchase{Sku: premiumSkin, TransactionToken: "t2"},
	)

	assert.Empty(t, o.of(models.EventGrantEntitlement))
	assert.Zero(t, b.consumed(repairKit))
	assert.Empty(t, c.Entitlements())
}

func TestRestoreReconcilesLikeQuery(t *testing.T) {
	c, b, o := startOffline(t, options.NewBuilder().CheckInventory(false), nil,
		models.Purchase{Sku: repairKit, TransactionToken: "t1"},
		models.Purchase{Sku: premiumSkin, TransactionToken: "t2"},
	)
	assert.Len(t, o.of(models.EventBillingReady), 1)
	assert.Zero(t, b.consumed(repairKit))
	o.reset()

	require.NoError(t, c.RestoreTransactions(context.Background()))

	grants := o.of(models.EventGrantEntitlement)
	require.Len(t, grants, 1)
	assert.Equal(t, premiumSkin, grants[0].(models.GrantEntitlementEvent).Sku)
	assert.Equal(t, 1, b.consumed(repairKit))
	assert.Len(t, o.of(models.EventProductConsumed), 1)
	assert.Equal(t, []string{premiumSkin}, c.Entitlements())
	assert.Equal(t, StateReady, c.State())
}

func TestRestoreFailure(t *testing.T) {
	c, b, o := startOffline(t, nil, nil)
	b.FailNext(offline.OpRestore, "network")
	o.reset()

	require.NoError(t, c.RestoreTransactions(context.Background()))
	failures := o.of(models.EventOperationFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, models.OperationRestore, failures[0].(models.OperationFailedEvent).Kind)
	assert.Equal(t, StateReady, c.State())
}

func TestReconcileConsumeFailureDoesNotBlockReady(t *testing.T) {
	c, m, o := startManual(t, models.StoreGoogle, options.NewBuilder(), nil)
	require.Equal(t, StateQuerying, c.State())

	inv := models.NewInventory()
	inv.Purchases["sku_repair_kit"] = models.Purchase{Sku: "sku_repair_kit", TransactionToken: "t1"}
	c.Bus().Publish(models.EventQueryInventorySucceeded, models.QueryInventorySucceededEvent{Inventory: inv})

	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, "consume:sku_repair_kit", m.lastCall())
	assert.Len(t, o.of(models.EventBillingReady), 1)

	// the reconcile consume does not hold the guard, except for its own sku
	require.NoError(t, c.PurchaseSubscription(context.Background(), infiniteAmmo, ""))
	c.Bus().Publish(models.EventPurchaseFailed, models.PurchaseFailedEvent{Reason: "cancelled"})
	assert.True(t, errors.Is(c.ConsumeProduct(context.Background(), repairKit), models.ErrOperationInProgress))

	c.Bus().Publish(models.EventConsumeFailed, models.ConsumeFailedEvent{Reason: "store busy"})

	failures := o.of(models.EventOperationFailed)
	require.Len(t, failures, 2)
	f := failures[1].(models.OperationFailedEvent)
	assert.Equal(t, models.OperationConsume, f.Kind)
	assert.Equal(t, repairKit, f.Sku)
	assert.Equal(t, StateReady, c.State())

	// a late duplicate is a protocol violation and changes nothing
	c.Bus().Publish(models.EventConsumeSucceeded, models.ConsumeSucceededEvent{Purchase: models.Purchase{Sku: "sku_repair_kit", TransactionToken: "t1"}})
	assert.Empty(t, o.of(models.EventProductConsumed))
}

func TestLateReconcileConsumeKeepsNewerPurchase(t *testing.T) {
	c, _, o := startManual(t, models.StoreGoogle, options.NewBuilder(), nil)

	inv := models.NewInventory()
	inv.Purchases["sku_repair_kit"] = models.Purchase{Sku: "sku_repair_kit", TransactionToken: "t1"}
	c.Bus().Publish(models.EventQueryInventorySucceeded, models.QueryInventorySucceededEvent{Inventory: inv})
	require.Equal(t, StateReady, c.State())

	require.NoError(t, c.PurchaseProduct(context.Background(), repairKit, ""))
	c.Bus().Publish(models.EventPurchaseSucceeded, models.PurchaseSucceededEvent{
		Purchase: models.Purchase{Sku: "sku_repair_kit", TransactionToken: "t2"},
	})
	require.Equal(t, StateConsuming, c.State())

	// the reconcile consume of t1 finishes while t2 is being consumed
	c.Bus().Publish(models.EventConsumeSucceeded, models.ConsumeSucceededEvent{
		Purchase: models.Purchase{Sku: "sku_repair_kit", TransactionToken: "t1"},
	})
	require.Len(t, o.of(models.EventProductConsumed), 1)
	assert.Equal(t, "t2", c.Inventory().Purchases[repairKit].TransactionToken)

	c.Bus().Publish(models.EventConsumeFailed, models.ConsumeFailedEvent{
		Purchase: &models.Purchase{Sku: "sku_repair_kit", TransactionToken: "t2"},
		Reason:   "store busy",
	})
	assert.Equal(t, StateReady, c.State())
	assert.True(t, c.Inventory().HasPurchase(repairKit))

	require.NoError(t, c.ConsumeProduct(context.Background(), repairKit))
	c.Bus().Publish(models.EventConsumeSucceeded, models.ConsumeSucceededEvent{
		Purchase: models.Purchase{Sku: "sku_repair_kit", TransactionToken: "t2"},
	})
	assert.False(t, c.Inventory().HasPurchase(repairKit))
	assert.Len(t, o.of(models.EventProductConsumed), 2)
}

func TestQueryFailureStillAnnouncesReady(t *testing.T) {
	c, _, o := startManual(t, models.StoreGoogle, options.NewBuilder(), nil)
	c.Bus().Publish(models.EventQueryInventoryFailed, models.QueryInventoryFailedEvent{Reason: "timeout"})

	assert.Equal(t, []models.EventKind{models.EventOperationFailed, models.EventBillingReady}, o.kinds())
	assert.Equal(t, StateReady, c.State())
}

func TestConsumeEntitlementRevokes(t *testing.T) {
	c, _, o := startOffline(t, nil, nil)
	require.NoError(t, c.PurchaseProduct(context.Background(), premiumSkin, ""))
	o.reset()

	require.NoError(t, c.ConsumeProduct(context.Background(), premiumSkin))
	assert.Equal(t, []models.EventKind{
		models.EventProductConsumed,
		models.EventRevokeEntitlement,
		models.EventInventoryUpdated,
	}, o.kinds())
	assert.Empty(t, c.Entitlements())

	assert.True(t, errors.Is(c.ConsumeProduct(context.Background(), premiumSkin), models.ErrNotOwned))
}

func TestRequestValidation(t *testing.T) {
	c := NewCoordinator(nil)
	assert.True(t, errors.Is(c.PurchaseProduct(context.Background(), repairKit, ""), models.ErrNotReady))

	c, _, _ = startOffline(t, nil, nil)
	assert.True(t, errors.Is(c.PurchaseProduct(context.Background(), "sku_unknown", ""), models.ErrUnknownSku))
	assert.True(t, errors.Is(c.QueryInventory(context.Background(), []string{"sku_unknown"}), models.ErrUnknownSku))
	assert.True(t, errors.Is(c.ConsumeProduct(context.Background(), repairKit), models.ErrNotOwned))

	cat := demoCatalog(t)
	assert.True(t, errors.Is(c.Start(context.Background(), offline.New(nil), cat, nil, nil), models.ErrAlreadyStarted))
}

func TestIssueFailureReleasesGuard(t *testing.T) {
	c, m, o := startManual(t, models.StoreGoogle, nil, nil)
	m.err = errors.New("bridge down")

	err := c.PurchaseProduct(context.Background(), premiumSkin, "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, models.ErrOperationInProgress))
	assert.Equal(t, StateReady, c.State())
	assert.Empty(t, o.of(models.EventOperationFailed))
}

func TestAutoConsumeIssueFailureReleasesGuard(t *testing.T) {
	c, m, o := startManual(t, models.StoreGoogle, nil, nil)

	require.NoError(t, c.PurchaseProduct(context.Background(), repairKit, ""))
	m.err = errors.New("bridge down")
	c.Bus().Publish(models.EventPurchaseSucceeded, models.PurchaseSucceededEvent{
		Purchase: models.Purchase{Sku: "sku_repair_kit", TransactionToken: "t"},
	})

	assert.Len(t, o.of(models.EventGrantEntitlement), 1)
	failures := o.of(models.EventOperationFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, models.ReasonIssueFailed, failures[0].(models.OperationFailedEvent).Reason)
	assert.Equal(t, StateReady, c.State())
	assert.True(t, c.Inventory().HasPurchase(repairKit))
}

func TestConfigurationErrorsAreSynchronous(t *testing.T) {
	cat := demoCatalog(t)
	m := &manualBackend{}

	cases := map[string]func(c *Coordinator) error{
		"conflicting mapping": func(c *Coordinator) error {
			mappings := append(cat.Mappings(), cat.Mappings()[0])
			mappings[len(mappings)-1].StoreSku = "other"
			return c.Start(context.Background(), m, cat, mappings, nil)
		},
		"invalid option": func(c *Coordinator) error {
			return c.Start(context.Background(), m, cat, cat.Mappings(), options.NewBuilder().DiscoveryTimeoutMs(-1))
		},
		"mapping outside catalog": func(c *Coordinator) error {
			mappings := append(cat.Mappings(), skumap.Mapping{Sku: "sku_unknown", Store: models.StoreGoogle, StoreSku: "sku_unknown"})
			return c.Start(context.Background(), m, cat, mappings, nil)
		},
	}
	for name, start := range cases {
		t.Run(name, func(t *testing.T) {
			c := NewCoordinator(nil)
			assert.True(t, errors.Is(start(c), models.ErrConfiguration))
			assert.Equal(t, StateUninitialized, c.State())
		})
	}
	assert.Zero(t, m.inits)
}

func TestBillingNotSupported(t *testing.T) {
	b := offline.New(nil)
	b.FailNext(offline.OpInit, "no store installed")

	c := NewCoordinator(nil)
	o := watch(c)
	cat := demoCatalog(t)
	require.NoError(t, c.Start(context.Background(), b, cat, cat.Mappings(), nil))

	unavailable := o.of(models.EventBillingUnavailable)
	require.Len(t, unavailable, 1)
	assert.Equal(t, "no store installed", unavailable[0].(models.BillingUnavailableEvent).Reason)
	assert.Empty(t, o.of(models.EventBillingReady))
	assert.Equal(t, StateUninitialized, c.State())
	assert.True(t, errors.Is(c.PurchaseProduct(context.Background(), repairKit, ""), models.ErrNotReady))

	require.NoError(t, c.Start(context.Background(), b, cat, cat.Mappings(), nil))
	assert.Equal(t, StateReady, c.State())
	assert.Len(t, o.of(models.EventBillingReady), 1)
}

func TestDispose(t *testing.T) {
	c, m, o := startManual(t, models.StoreGoogle, nil, nil)
	require.NoError(t, c.PurchaseProduct(context.Background(), premiumSkin, ""))
	o.reset()

	require.NoError(t, c.Dispose())
	assert.True(t, m.unbound)
	assert.Equal(t, StateDisposed, c.State())
	assert.True(t, c.Bus().Closed())

	// a late completion reaches nobody
	c.Bus().Publish(models.EventPurchaseSucceeded, models.PurchaseSucceededEvent{Purchase: models.Purchase{Sku: premiumSkin}})
	c.handle(eventbus.Event{Kind: models.EventPurchaseSucceeded, Payload: models.PurchaseSucceededEvent{Purchase: models.Purchase{Sku: premiumSkin}}})
	assert.Empty(t, o.kinds())
	assert.False(t, c.Inventory().HasPurchase(premiumSkin))

	for _, err := range []error{
		c.PurchaseProduct(context.Background(), premiumSkin, ""),
		c.ConsumeProduct(context.Background(), premiumSkin),
		c.RestoreTransactions(context.Background()),
		c.QueryInventory(context.Background(), nil),
		c.Dispose(),
		c.Start(context.Background(), m, demoCatalog(t), nil, nil),
	} {
		assert.True(t, errors.Is(err, models.ErrCoordinatorDisposed), "got %v", err)
	}
}

func TestStartAfterDisposeReportsDisposed(t *testing.T) {
	c := NewCoordinator(nil)
	require.NoError(t, c.Dispose())

	err := c.Start(context.Background(), nil, nil, nil, nil)
	assert.True(t, errors.Is(err, models.ErrCoordinatorDisposed), "got %v", err)
	assert.False(t, errors.Is(err, models.ErrConfiguration))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "READY", StateReady.String())
	assert.Equal(t, "State(42)", State(42).String())
}
