package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"iap-coordinator/internal/eventbus"
	"iap-coordinator/internal/models"
	"iap-coordinator/internal/options"
	"iap-coordinator/internal/util"

	"go.uber.org/zap"
)

// handle routes backend events. Every handler decides under the lock and
// runs its effects (outcome publishes, follow-up backend calls) after
// unlocking, so a backend may answer on the calling goroutine.
func (c *Coordinator) handle(evt eventbus.Event) {
	switch p := evt.Payload.(type) {
	case models.BillingSupportedEvent:
		c.locked(func() []effect { return c.onBillingSupported(p) })
	case models.BillingNotSupportedEvent:
		c.locked(func() []effect { return c.onBillingNotSupported(p) })
	case models.QueryInventorySucceededEvent:
		c.onQueryInventorySucceeded(p)
	case models.QueryInventoryFailedEvent:
		c.locked(func() []effect { return c.onQueryInventoryFailed(p) })
	case models.PurchaseSucceededEvent:
		c.onPurchaseSucceeded(p)
	case models.PurchaseFailedEvent:
		c.locked(func() []effect { return c.onPurchaseFailed(p) })
	case models.ConsumeSucceededEvent:
		c.locked(func() []effect { return c.onConsumeSucceeded(p) })
	case models.ConsumeFailedEvent:
		c.locked(func() []effect { return c.onConsumeFailed(p) })
	case models.TransactionRestoredEvent:
		c.locked(func() []effect { return c.onTransactionRestored(p) })
	case models.RestoreSucceededEvent:
		c.onRestoreSucceeded()
	case models.RestoreFailedEvent:
		c.locked(func() []effect { return c.onRestoreFailed(p) })
	default:
		c.violation(evt.Kind, fmt.Sprintf("unexpected payload %T", evt.Payload))
	}
}

func (c *Coordinator) locked(f func() []effect) {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return
	}
	effects := f()
	c.mu.Unlock()
	run(effects)
}

func run(effects []effect) {
	for _, e := range effects {
		e()
	}
}

func (c *Coordinator) violation(kind models.EventKind, detail string) []effect {
	err := &models.ProtocolError{Event: kind, Detail: detail}
	util.ProtocolViolationsTotal.WithLabelValues(string(kind)).Inc()
	c.logger.Warn("Ignoring backend event", zap.Error(err))
	return nil
}

func (c *Coordinator) publish(kind models.EventKind, payload any) effect {
	return func() { c.bus.Publish(kind, payload) }
}

func (c *Coordinator) failed(kind models.OperationKind, sku string, code int, reason string) effect {
	util.OperationsFailedTotal.WithLabelValues(string(kind)).Inc()
	c.logger.Warn("Billing operation failed",
		zap.String("kind", string(kind)),
		zap.String("sku", sku),
		zap.Int("code", code),
		zap.String("reason", reason))
	return c.publish(models.EventOperationFailed, models.OperationFailedEvent{Kind: kind, Sku: sku, Code: code, Reason: reason})
}

// clearLocked releases the guard. The first arrival at Ready announces it.
func (c *Coordinator) clearLocked() []effect {
	c.pending = nil
	c.state = StateReady
	if c.announced {
		return nil
	}
	c.announced = true
	c.logger.Info("Billing ready", zap.String("store", c.storeName))
	return []effect{c.publish(models.EventBillingReady, models.BillingReadyEvent{StoreName: c.storeName})}
}

func (c *Coordinator) pendingIs(state State, kinds ...models.OperationKind) bool {
	if c.state != state || c.pending == nil || c.pending.completing {
		return false
	}
	for _, k := range kinds {
		if c.pending.kind == k {
			return true
		}
	}
	return false
}

func (c *Coordinator) onBillingSupported(p models.BillingSupportedEvent) []effect {
	if !c.pendingIs(StateInitializing, models.OperationInit) {
		return c.violation(models.EventBillingSupported, "no init pending")
	}
	c.storeName = p.StoreName
	c.logger.Info("Billing supported", zap.String("store", p.StoreName))

	if !c.opts.CheckInventory() {
		return c.clearLocked()
	}

	skus := c.catalog.Skus()
	storeSkus := c.storeSkusLocked(skus)
	b := c.backend
	c.state = StateQuerying
	c.pending = &pendingOp{kind: models.OperationQueryInventory, skus: skus, started: time.Now()}

	return []effect{func() {
		if err := b.QueryInventory(context.Background(), storeSkus); err != nil {
			c.issueFailed(models.OperationQueryInventory, "", err)
		}
	}}
}

func (c *Coordinator) onBillingNotSupported(p models.BillingNotSupportedEvent) []effect {
	if !c.pendingIs(StateInitializing, models.OperationInit) {
		return c.violation(models.EventBillingNotSupported, "no init pending")
	}
	c.state = StateUninitialized
	c.pending = nil
	util.OperationsFailedTotal.WithLabelValues(string(models.OperationInit)).Inc()
	c.logger.Warn("Billing not supported", zap.String("reason", p.Reason))
	return []effect{c.publish(models.EventBillingUnavailable, models.BillingUnavailableEvent{Reason: p.Reason})}
}

// issueFailed terminates a guarded request whose backend call failed
func (c *Coordinator) issueFailed(kind models.OperationKind, sku string, err error) {
	c.logger.Error("Failed to issue store request", zap.String("kind", string(kind)), zap.Error(err))
	c.locked(func() []effect {
		if c.pending == nil || c.pending.kind != kind || c.pending.completing {
			return nil
		}
		effects := []effect{c.failed(kind, sku, 0, models.ReasonIssueFailed)}
		return append(effects, c.clearLocked()...)
	})
}

func (c *Coordinator) onQueryInventorySucceeded(p models.QueryInventorySucceededEvent) {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return
	}
	if !c.pendingIs(StateQuerying, models.OperationQueryInventory) {
		c.violation(models.EventQueryInventorySucceeded, "no query pending")
		c.mu.Unlock()
		return
	}
	op := c.pending
	op.completing = true
	found, details := c.translateInventoryLocked(p.Inventory)
	mode := c.opts.VerifyMode()
	c.mu.Unlock()

	verified := c.verifyAll(found, mode)

	c.locked(func() []effect {
		for _, sku := range op.skus {
			delete(c.purchases, sku)
			delete(c.details, sku)
		}
		for sku, d := range details {
			c.details[sku] = d
		}
		grants, consumes := c.reconcileLocked(found, verified)
		effects := append(grants, c.publish(models.EventInventoryUpdated, models.InventoryUpdatedEvent{Inventory: c.inventoryLocked()}))
		effects = append(effects, c.clearLocked()...)
		return append(effects, consumes...)
	})
}

func (c *Coordinator) onQueryInventoryFailed(p models.QueryInventoryFailedEvent) []effect {
	if !c.pendingIs(StateQuerying, models.OperationQueryInventory) {
		return c.violation(models.EventQueryInventoryFailed, "no query pending")
	}
	effects := []effect{c.failed(models.OperationQueryInventory, "", 0, p.Reason)}
	return append(effects, c.clearLocked()...)
}

func (c *Coordinator) onPurchaseSucceeded(p models.PurchaseSucceededEvent) {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return
	}
	if !c.pendingIs(StatePurchasing, models.OperationPurchaseProduct, models.OperationPurchaseSubscription) {
		c.violation(models.EventPurchaseSucceeded, "no purchase pending")
		c.mu.Unlock()
		return
	}
	op := c.pending
	sku, ok := c.appSkuLocked(p.Purchase.Sku)
	if !ok {
		c.violation(models.EventPurchaseSucceeded, fmt.Sprintf("unknown store sku %q", p.Purchase.Sku))
		util.PurchaseLatency.Observe(time.Since(op.started).Seconds())
		effects := []effect{c.failed(op.kind, op.sku, 0, models.ReasonUnknownSku)}
		effects = append(effects, c.clearLocked()...)
		c.mu.Unlock()
		run(effects)
		return
	}
	if sku != op.sku {
		c.logger.Warn("Store completed a different sku than requested",
			zap.String("requested", op.sku),
			zap.String("purchased", sku))
	}
	op.completing = true
	mode := c.opts.VerifyMode()
	c.mu.Unlock()

	ok = c.verify(context.Background(), sku, p.Purchase, mode)

	c.locked(func() []effect {
		util.PurchaseLatency.Observe(time.Since(op.started).Seconds())
		if !ok {
			effects := []effect{c.failed(op.kind, sku, 0, models.ReasonPayloadVerificationFailed)}
			return append(effects, c.clearLocked()...)
		}

		storePurchase := p.Purchase
		purchase := storePurchase
		purchase.Sku = sku
		c.purchases[sku] = purchase
		util.PurchasesSucceededTotal.Inc()
		util.EntitlementsGrantedTotal.Inc()
		c.logger.Info("Purchase succeeded",
			zap.String("sku", sku),
			zap.String("order_id", purchase.OrderID))

		effects := []effect{c.publish(models.EventGrantEntitlement, models.GrantEntitlementEvent{Sku: sku, Purchase: purchase})}

		policy, _ := c.catalog.Policy(sku)
		if !policy.Consumable() {
			effects = append(effects, c.publish(models.EventInventoryUpdated, models.InventoryUpdatedEvent{Inventory: c.inventoryLocked()}))
			return append(effects, c.clearLocked()...)
		}

		// the guard passes to the consume and clears on its terminal event
		b := c.backend
		c.state = StateConsuming
		c.pending = &pendingOp{kind: models.OperationConsume, sku: sku, purchase: storePurchase, auto: true, started: time.Now()}
		return append(effects, func() {
			if err := b.ConsumeProduct(context.Background(), storePurchase); err != nil {
				c.issueFailed(models.OperationConsume, sku, err)
			}
		})
	})
}

func (c *Coordinator) onPurchaseFailed(p models.PurchaseFailedEvent) []effect {
	if !c.pendingIs(StatePurchasing, models.OperationPurchaseProduct, models.OperationPurchaseSubscription) {
		return c.violation(models.EventPurchaseFailed, "no purchase pending")
	}
	op := c.pending
	util.PurchaseLatency.Observe(time.Since(op.started).Seconds())
	effects := []effect{c.failed(op.kind, op.sku, p.Code, p.Reason)}
	return append(effects, c.clearLocked()...)
}

// sameTransaction matches by token when both sides carry one, else by SKU
func sameTransaction(a, b models.Purchase) bool {
	if a.TransactionToken != "" && b.TransactionToken != "" {
		return a.TransactionToken == b.TransactionToken
	}
	return a.Sku == b.Sku
}

// pendingConsumeMatches attributes a consume result to the guarded consume.
// A nil purchase means the backend could not tell.
func (c *Coordinator) pendingConsumeMatches(p *models.Purchase) bool {
	if !c.pendingIs(StateConsuming, models.OperationConsume) {
		return false
	}
	return p == nil || sameTransaction(c.pending.purchase, *p)
}

func (c *Coordinator) reconcileIndex(p *models.Purchase) int {
	for i, r := range c.reconciling {
		if p == nil || sameTransaction(r.purchase, *p) {
			return i
		}
	}
	return -1
}

func (c *Coordinator) takeReconcile(i int) reconcileOp {
	r := c.reconciling[i]
	c.reconciling = append(c.reconciling[:i:i], c.reconciling[i+1:]...)
	return r
}

func (c *Coordinator) onConsumeSucceeded(p models.ConsumeSucceededEvent) []effect {
	if c.pendingConsumeMatches(&p.Purchase) {
		source := "request"
		if c.pending.auto {
			source = "purchase"
		}
		effects := c.consumedLocked(c.pending.sku, p.Purchase, source)
		return append(effects, c.clearLocked()...)
	}
	if i := c.reconcileIndex(&p.Purchase); i >= 0 {
		r := c.takeReconcile(i)
		return c.consumedLocked(r.sku, p.Purchase, "reconcile")
	}
	return c.violation(models.EventConsumeSucceeded, fmt.Sprintf("no consume pending for %q", p.Purchase.Sku))
}

func (c *Coordinator) consumedLocked(sku string, storePurchase models.Purchase, source string) []effect {
	purchase := storePurchase
	purchase.Sku = sku
	// a newer purchase of the same sku may have landed while this consume was in flight
	if owned, ok := c.purchases[sku]; ok && sameTransaction(owned, purchase) {
		delete(c.purchases, sku)
	}
	purchase.State = models.PurchaseStateConsumed

	util.ProductsConsumedTotal.WithLabelValues(source).Inc()
	c.logger.Info("Product consumed", zap.String("sku", sku), zap.String("source", source))

	effects := []effect{c.publish(models.EventProductConsumed, models.ProductConsumedEvent{Sku: sku, Purchase: purchase})}
	if effect := c.releaseLocked(sku, purchase.DeveloperPayload); effect != nil {
		effects = append(effects, effect)
	}
	if policy, _ := c.catalog.Policy(sku); !policy.Consumable() {
		effects = append(effects, c.publish(models.EventRevokeEntitlement, models.RevokeEntitlementEvent{Sku: sku}))
	}
	return append(effects, c.publish(models.EventInventoryUpdated, models.InventoryUpdatedEvent{Inventory: c.inventoryLocked()}))
}

func (c *Coordinator) onConsumeFailed(p models.ConsumeFailedEvent) []effect {
	if c.pendingConsumeMatches(p.Purchase) {
		effects := []effect{c.failed(models.OperationConsume, c.pending.sku, 0, p.Reason)}
		return append(effects, c.clearLocked()...)
	}
	if i := c.reconcileIndex(p.Purchase); i >= 0 {
		r := c.takeReconcile(i)
		return []effect{c.failed(models.OperationConsume, r.sku, 0, p.Reason)}
	}
	return c.violation(models.EventConsumeFailed, "no consume pending")
}

func (c *Coordinator) onTransactionRestored(p models.TransactionRestoredEvent) []effect {
	if !c.pendingIs(StateRestoring, models.OperationRestore) {
		return c.violation(models.EventTransactionRestored, "no restore pending")
	}
	c.restored = append(c.restored, p.Purchase)
	return nil
}

func (c *Coordinator) onRestoreSucceeded() {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return
	}
	if !c.pendingIs(StateRestoring, models.OperationRestore) {
		c.violation(models.EventRestoreSucceeded, "no restore pending")
		c.mu.Unlock()
		return
	}
	c.pending.completing = true
	found := make(map[string]models.Purchase, len(c.restored))
	for _, p := range c.restored {
		sku, ok := c.appSkuLocked(p.Sku)
		if !ok {
			c.logger.Debug("Ignoring restored purchase outside the catalog", zap.String("store_sku", p.Sku))
			continue
		}
		p.Sku = sku
		found[sku] = p
	}
	c.restored = nil
	mode := c.opts.VerifyMode()
	c.mu.Unlock()

	verified := c.verifyAll(found, mode)

	c.locked(func() []effect {
		grants, consumes := c.reconcileLocked(found, verified)
		effects := append(grants, c.publish(models.EventInventoryUpdated, models.InventoryUpdatedEvent{Inventory: c.inventoryLocked()}))
		effects = append(effects, c.clearLocked()...)
		return append(effects, consumes...)
	})
}

func (c *Coordinator) onRestoreFailed(p models.RestoreFailedEvent) []effect {
	if !c.pendingIs(StateRestoring, models.OperationRestore) {
		return c.violation(models.EventRestoreFailed, "no restore pending")
	}
	c.restored = nil
	effects := []effect{c.failed(models.OperationRestore, "", 0, p.Reason)}
	return append(effects, c.clearLocked()...)
}

// translateInventoryLocked rewrites a store inventory to catalog SKUs,
// dropping anything the catalog does not sell
func (c *Coordinator) translateInventoryLocked(inv models.Inventory) (map[string]models.Purchase, map[string]models.SkuDetails) {
	purchases := make(map[string]models.Purchase, len(inv.Purchases))
	for storeSku, p := range inv.Purchases {
		sku, ok := c.appSkuLocked(storeSku)
		if !ok {
			c.logger.Debug("Ignoring owned purchase outside the catalog", zap.String("store_sku", storeSku))
			continue
		}
		p.Sku = sku
		purchases[sku] = p
	}
	details := make(map[string]models.SkuDetails, len(inv.Details))
	for storeSku, d := range inv.Details {
		if sku, ok := c.appSkuLocked(storeSku); ok {
			d.Sku = sku
			details[sku] = d
		}
	}
	return purchases, details
}

// reconcileLocked records verified purchases, grants owned entitlements and
// consumes leftover consumables. Consumes already in flight are not repeated.
func (c *Coordinator) reconcileLocked(found map[string]models.Purchase, verified map[string]bool) (grants, consumes []effect) {
	skus := make([]string, 0, len(found))
	for sku := range found {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	b := c.backend
	for _, sku := range skus {
		p := found[sku]
		if !verified[sku] {
			c.logger.Warn("Owned purchase failed payload verification", zap.String("sku", sku))
			continue
		}
		c.purchases[sku] = p

		policy, _ := c.catalog.Policy(sku)
		if !policy.Consumable() {
			util.EntitlementsGrantedTotal.Inc()
			grants = append(grants, c.publish(models.EventGrantEntitlement, models.GrantEntitlementEvent{Sku: sku, Purchase: p}))
			continue
		}

		sp := c.toStoreLocked(p)
		if c.reconcileIndex(&sp) >= 0 || c.pendingConsumeMatches(&sp) {
			continue
		}
		c.reconciling = append(c.reconciling, reconcileOp{sku: sku, purchase: sp})
		c.logger.Info("Consuming leftover purchase", zap.String("sku", sku), zap.String("token", sp.TransactionToken))

		sku := sku
		consumes = append(consumes, func() {
			if err := b.ConsumeProduct(context.Background(), sp); err != nil {
				c.logger.Error("Failed to issue reconcile consume", zap.String("sku", sku), zap.Error(err))
				c.locked(func() []effect {
					if i := c.reconcileIndex(&sp); i >= 0 {
						c.takeReconcile(i)
					}
					return []effect{c.failed(models.OperationConsume, sku, 0, models.ReasonIssueFailed)}
				})
			}
		})
	}
	return grants, consumes
}

func (c *Coordinator) verifyAll(found map[string]models.Purchase, mode options.VerifyMode) map[string]bool {
	out := make(map[string]bool, len(found))
	for sku, p := range found {
		out[sku] = c.verify(context.Background(), sku, p, mode)
	}
	return out
}

// releaseLocked returns an effect that drops a consumed payload from the verifier
func (c *Coordinator) releaseLocked(sku, payload string) effect {
	releaser, ok := c.verifier.(PayloadReleaser)
	if !ok || payload == "" {
		return nil
	}
	logger := c.logger
	return func() {
		if err := releaser.Release(context.Background(), sku, payload); err != nil {
			logger.Warn("Failed to release payload", zap.String("sku", sku), zap.Error(err))
		}
	}
}

// verify applies the payload check for mode. A verifier error counts as a
// failed check.
func (c *Coordinator) verify(ctx context.Context, sku string, p models.Purchase, mode options.VerifyMode) bool {
	if mode == options.VerifySkip || c.verifier == nil {
		util.PayloadVerificationsTotal.WithLabelValues("skipped").Inc()
		return true
	}

	ctx, span := util.StartSpan(ctx, "Coordinator.VerifyPayload")
	defer span.End()

	ok, err := c.verifier.Verify(ctx, sku, p.DeveloperPayload)
	if err != nil {
		c.logger.Error("Payload verification error", zap.String("sku", sku), zap.Error(err))
		ok = false
	}
	if ok {
		util.PayloadVerificationsTotal.WithLabelValues("ok").Inc()
		return true
	}
	if mode == options.VerifyAllowFailure {
		util.PayloadVerificationsTotal.WithLabelValues("allowed").Inc()
		c.logger.Warn("Payload verification failed, allowed by verify mode", zap.String("sku", sku))
		return true
	}
	util.PayloadVerificationsTotal.WithLabelValues("rejected").Inc()
	c.logger.Warn("Payload verification failed", zap.String("sku", sku), zap.String("token", p.TransactionToken))
	return false
}
