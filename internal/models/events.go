package models

// EventKind names a billing event carried on the event bus
type EventKind string

// Backend event kinds
const (
	EventBillingSupported        EventKind = "BILLING_SUPPORTED"
	EventBillingNotSupported     EventKind = "BILLING_NOT_SUPPORTED"
	EventQueryInventorySucceeded EventKind = "QUERY_INVENTORY_SUCCEEDED"
	EventQueryInventoryFailed    EventKind = "QUERY_INVENTORY_FAILED"
	EventPurchaseSucceeded       EventKind = "PURCHASE_SUCCEEDED"
	EventPurchaseFailed          EventKind = "PURCHASE_FAILED"
	EventConsumeSucceeded        EventKind = "CONSUME_SUCCEEDED"
	EventConsumeFailed           EventKind = "CONSUME_FAILED"
	EventTransactionRestored     EventKind = "TRANSACTION_RESTORED"
	EventRestoreSucceeded        EventKind = "RESTORE_SUCCEEDED"
	EventRestoreFailed           EventKind = "RESTORE_FAILED"
)

// Outcome kinds published by the coordinator for the application
const (
	EventGrantEntitlement   EventKind = "GRANT_ENTITLEMENT"
	EventRevokeEntitlement  EventKind = "REVOKE_ENTITLEMENT"
	EventProductConsumed    EventKind = "PRODUCT_CONSUMED"
	EventInventoryUpdated   EventKind = "INVENTORY_UPDATED"
	EventOperationFailed    EventKind = "OPERATION_FAILED"
	EventBillingReady       EventKind = "BILLING_READY"
	EventBillingUnavailable EventKind = "BILLING_UNAVAILABLE"
)

// BackendEventKinds lists every kind a StoreBackend may publish
var BackendEventKinds = []EventKind{
	EventBillingSupported,
	EventBillingNotSupported,
	EventQueryInventorySucceeded,
	EventQueryInventoryFailed,
	EventPurchaseSucceeded,
	EventPurchaseFailed,
	EventConsumeSucceeded,
	EventConsumeFailed,
	EventTransactionRestored,
	EventRestoreSucceeded,
	EventRestoreFailed,
}

// OutcomeEventKinds lists every kind the coordinator publishes for the application
var OutcomeEventKinds = []EventKind{
	EventGrantEntitlement,
	EventRevokeEntitlement,
	EventProductConsumed,
	EventInventoryUpdated,
	EventOperationFailed,
	EventBillingReady,
	EventBillingUnavailable,
}

// OperationKind tags the request an outcome belongs to
type OperationKind string

// Operation kinds
const (
	OperationInit                 OperationKind = "INIT"
	OperationQueryInventory       OperationKind = "QUERY_INVENTORY"
	OperationPurchaseProduct      OperationKind = "PURCHASE_PRODUCT"
	OperationPurchaseSubscription OperationKind = "PURCHASE_SUBSCRIPTION"
	OperationConsume              OperationKind = "CONSUME"
	OperationRestore              OperationKind = "RESTORE"
)

// Failure reasons produced by the coordinator itself
const (
	ReasonPayloadVerificationFailed = "PayloadVerificationFailed"
	ReasonUnknownSku                = "UnknownSku"
	ReasonIssueFailed               = "IssueFailed"
)

// BillingSupportedEvent is published when a store connection is established
type BillingSupportedEvent struct {
	StoreName string `json:"store_name"`
}

// BillingNotSupportedEvent is published when no store could be bound
type BillingNotSupportedEvent struct {
	Reason string `json:"reason"`
}

// QueryInventorySucceededEvent carries the inventory snapshot
type QueryInventorySucceededEvent struct {
	Inventory Inventory `json:"inventory"`
}

// QueryInventoryFailedEvent reports a failed inventory query
type QueryInventoryFailedEvent struct {
	Reason string `json:"reason"`
}

// PurchaseSucceededEvent carries a completed purchase
type PurchaseSucceededEvent struct {
	Purchase Purchase `json:"purchase"`
}

// PurchaseFailedEvent reports a failed or cancelled purchase
type PurchaseFailedEvent struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// ConsumeSucceededEvent carries the consumed purchase
type ConsumeSucceededEvent struct {
	Purchase Purchase `json:"purchase"`
}

// ConsumeFailedEvent reports a failed consume. Purchase is nil when the
// backend cannot tell which purchase failed.
type ConsumeFailedEvent struct {
	Purchase *Purchase `json:"purchase,omitempty"`
	Reason   string    `json:"reason"`
}

// TransactionRestoredEvent is an intermediate restore event
type TransactionRestoredEvent struct {
	Purchase Purchase `json:"purchase"`
}

// RestoreSucceededEvent terminates a successful restore
type RestoreSucceededEvent struct{}

// RestoreFailedEvent terminates a failed restore
type RestoreFailedEvent struct {
	Reason string `json:"reason"`
}

// GrantEntitlementEvent tells the application to grant sku
type GrantEntitlementEvent struct {
	Sku      string   `json:"sku"`
	Purchase Purchase `json:"purchase"`
}

// RevokeEntitlementEvent tells the application to withdraw sku
type RevokeEntitlementEvent struct {
	Sku string `json:"sku"`
}

// ProductConsumedEvent reports that a consumable was consumed at the store
type ProductConsumedEvent struct {
	Sku      string   `json:"sku"`
	Purchase Purchase `json:"purchase"`
}

// InventoryUpdatedEvent carries the reconciled inventory snapshot
type InventoryUpdatedEvent struct {
	Inventory Inventory `json:"inventory"`
}

// OperationFailedEvent is the single outcome type for backend failures
type OperationFailedEvent struct {
	Kind   OperationKind `json:"kind"`
	Sku    string        `json:"sku,omitempty"`
	Code   int           `json:"code,omitempty"`
	Reason string        `json:"reason"`
}

// BillingReadyEvent is published once the coordinator first becomes ready
type BillingReadyEvent struct {
	StoreName string `json:"store_name"`
}

// BillingUnavailableEvent is published when init fails
type BillingUnavailableEvent struct {
	Reason string `json:"reason"`
}
