package remote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"iap-coordinator/internal/backend"
	"iap-coordinator/internal/models"
	"iap-coordinator/internal/options"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	sent []CommandMessage
	err  error
}

func (w *fakeWriter) PublishEvent(ctx context.Context, key string, event interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	msg := event.(CommandMessage)
	if msg.RequestID != key {
		panic("command key must be its request id")
	}
	w.sent = append(w.sent, msg)
	return nil
}

func (w *fakeWriter) last() CommandMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent[len(w.sent)-1]
}

type recorder struct {
	mu       sync.Mutex
	kinds    []models.EventKind
	payloads []any
}

func (r *recorder) Publish(kind models.EventKind, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.payloads = append(r.payloads, payload)
}

func (r *recorder) snapshot() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.EventKind(nil), r.kinds...)
}

func (r *recorder) payload(i int) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payloads[i]
}

func newBackend(t *testing.T, builder *options.Builder) (*Backend, *fakeWriter, *recorder) {
	t.Helper()
	if builder == nil {
		builder = options.NewBuilder()
	}
	opts, err := builder.Build()
	require.NoError(t, err)

	w := &fakeWriter{}
	b := New(w, nil)
	rec := &recorder{}
	require.NoError(t, b.Init(context.Background(), opts, rec))
	return b, w, rec
}

func supported(t *testing.T, b *Backend, w *fakeWriter) {
	t.Helper()
	msg := w.last()
	require.Equal(t, CommandInit, msg.Command)
	require.NoError(t, b.HandleBridgeEvent(context.Background(), BridgeEvent{
		RequestID:              msg.RequestID,
		Kind:                   models.EventBillingSupported,
		StoreName:              models.StoreGoogle,
		SubscriptionsSupported: true,
	}))
}

func TestOpenRequiresCommandWriter(t *testing.T) {
	_, err := backend.Open(Name, backend.Deps{})
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	b, err := backend.Open(Name, backend.Deps{Commands: &fakeWriter{}})
	require.NoError(t, err)
	assert.Equal(t, Name, b.Name())
}

func TestInitSendsOptions(t *testing.T) {
	b, w, rec := newBackend(t, options.NewBuilder().
		StoreKey(models.StoreGoogle, "key").
		PreferredStoreNames(models.StoreGoogle))

	msg := w.last()
	require.NotNil(t, msg.Options)
	assert.Equal(t, int64(5000), msg.Options.DiscoveryTimeoutMs)
	assert.Equal(t, map[string]string{models.StoreGoogle: "key"}, msg.Options.StoreKeys)
	assert.Equal(t, []string{models.StoreGoogle}, msg.Options.PreferredStoreNames)

	supported(t, b, w)
	assert.Equal(t, []models.EventKind{models.EventBillingSupported}, rec.snapshot())
	assert.Equal(t, models.StoreGoogle, rec.payload(0).(models.BillingSupportedEvent).StoreName)
	assert.True(t, b.AreSubscriptionsSupported())
	assert.Zero(t, b.Pending())
}

func TestFirstTerminalWins(t *testing.T) {
	b, w, rec := newBackend(t, nil)
	supported(t, b, w)

	require.NoError(t, b.PurchaseProduct(context.Background(), "sku_repair_kit", "p"))
	id := w.last().RequestID

	purchase := &models.Purchase{Sku: "sku_repair_kit", TransactionToken: "t"}
	require.NoError(t, b.HandleBridgeEvent(context.Background(), BridgeEvent{RequestID: id, Kind: models.EventPurchaseSucceeded, Purchase: purchase}))

	err := b.HandleBridgeEvent(context.Background(), BridgeEvent{RequestID: id, Kind: models.EventPurchaseFailed})
	assert.True(t, errors.Is(err, models.ErrProtocol))

	assert.Equal(t, []models.EventKind{models.EventBillingSupported, models.EventPurchaseSucceeded}, rec.snapshot())
	p := rec.payload(1).(models.PurchaseSucceededEvent).Purchase
	assert.Equal(t, models.StoreGoogle, p.StoreName)
}

func TestWrongKindForRequestIsRejected(t *testing.T) {
	b, w, rec := newBackend(t, nil)
	supported(t, b, w)

	require.NoError(t, b.RestoreTransactions(context.Background()))
	id := w.last().RequestID

	err := b.HandleBridgeEvent(context.Background(), BridgeEvent{RequestID: id, Kind: models.EventConsumeSucceeded})
	assert.True(t, errors.Is(err, models.ErrProtocol))
	assert.Equal(t, 1, b.Pending())

	require.NoError(t, b.HandleBridgeEvent(context.Background(), BridgeEvent{
		RequestID: id, Kind: models.EventTransactionRestored, Purchase: &models.Purchase{Sku: "a"},
	}))
	require.NoError(t, b.HandleBridgeEvent(context.Background(), BridgeEvent{RequestID: id, Kind: models.EventRestoreSucceeded}))

	assert.Equal(t, []models.EventKind{
		models.EventBillingSupported,
		models.EventTransactionRestored,
		models.EventRestoreSucceeded,
	}, rec.snapshot())
	assert.Zero(t, b.Pending())
}

func TestConsumeFailedIsAttributed(t *testing.T) {
	b, w, rec := newBackend(t, nil)
	supported(t, b, w)

	purchase := models.Purchase{Sku: "sku_repair_kit", TransactionToken: "t-1"}
	require.NoError(t, b.ConsumeProduct(context.Background(), purchase))
	msg := w.last()
	require.NotNil(t, msg.Purchase)
	assert.Equal(t, "t-1", msg.Purchase.TransactionToken)

	require.NoError(t, b.HandleBridgeEvent(context.Background(), BridgeEvent{
		RequestID: msg.RequestID, Kind: models.EventConsumeFailed, Reason: "item not owned",
	}))

	evt := rec.payload(1).(models.ConsumeFailedEvent)
	require.NotNil(t, evt.Purchase)
	assert.Equal(t, "t-1", evt.Purchase.TransactionToken)
	assert.Equal(t, "item not owned", evt.Reason)
}

func TestDiscoveryTimeout(t *testing.T) {
	_, _, rec := newBackend(t, options.NewBuilder().DiscoveryTimeoutMs(10))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.EventBillingNotSupported, rec.snapshot()[0])
}

func TestLateAnswerAfterTimeoutIsProtocolError(t *testing.T) {
	b, w, rec := newBackend(t, options.NewBuilder().CheckInventoryTimeoutMs(10))
	supported(t, b, w)

	require.NoError(t, b.QueryInventory(context.Background(), []string{"a"}))
	id := w.last().RequestID
	assert.Equal(t, []string{"a"}, w.last().StoreSkus)

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.EventQueryInventoryFailed, rec.snapshot()[1])

	err := b.HandleBridgeEvent(context.Background(), BridgeEvent{RequestID: id, Kind: models.EventQueryInventorySucceeded})
	assert.True(t, errors.Is(err, models.ErrProtocol))
	assert.Len(t, rec.snapshot(), 2)
}

func TestMissingPurchaseStillTerminates(t *testing.T) {
	b, w, rec := newBackend(t, nil)
	supported(t, b, w)

	require.NoError(t, b.PurchaseSubscription(context.Background(), "sku_god_mode", ""))
	id := w.last().RequestID

	err := b.HandleBridgeEvent(context.Background(), BridgeEvent{RequestID: id, Kind: models.EventPurchaseSucceeded})
	assert.True(t, errors.Is(err, models.ErrProtocol))
	assert.Equal(t, models.EventPurchaseFailed, rec.snapshot()[1])
	assert.Zero(t, b.Pending())
}

func TestSendFailureLeavesNothingPending(t *testing.T) {
	b, w, _ := newBackend(t, nil)
	w.err = errors.New("broker down")

	assert.Error(t, b.PurchaseProduct(context.Background(), "x", ""))
	assert.Equal(t, 1, b.Pending()) // init is still waiting
}

func TestUnbind(t *testing.T) {
	b, w, rec := newBackend(t, nil)
	require.NoError(t, b.Unbind())

	assert.Equal(t, CommandUnbind, w.last().Command)
	assert.Zero(t, b.Pending())
	assert.Error(t, b.RestoreTransactions(context.Background()))
	assert.Empty(t, rec.snapshot())
}
