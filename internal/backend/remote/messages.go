package remote

import (
	"iap-coordinator/internal/models"
	"iap-coordinator/internal/options"
)

// Command names a request sent to the store bridge
type Command string

// Bridge commands
const (
	CommandInit                 Command = "INIT"
	CommandQueryInventory       Command = "QUERY_INVENTORY"
	CommandPurchaseProduct      Command = "PURCHASE_PRODUCT"
	CommandPurchaseSubscription Command = "PURCHASE_SUBSCRIPTION"
	CommandConsume              Command = "CONSUME"
	CommandRestore              Command = "RESTORE"
	CommandUnbind               Command = "UNBIND"
)

// CommandMessage is written to the command topic, keyed by RequestID
type CommandMessage struct {
	RequestID        string           `json:"request_id"`
	Command          Command          `json:"command"`
	StoreSku         string           `json:"store_sku,omitempty"`
	DeveloperPayload string           `json:"developer_payload,omitempty"`
	Purchase         *models.Purchase `json:"purchase,omitempty"`
	StoreSkus        []string         `json:"store_skus,omitempty"`
	Options          *InitOptions     `json:"options,omitempty"`
}

// InitOptions is the wire form of options.StoreOptions
type InitOptions struct {
	DiscoveryTimeoutMs      int64             `json:"discovery_timeout_ms"`
	CheckInventory          bool              `json:"check_inventory"`
	CheckInventoryTimeoutMs int64             `json:"check_inventory_timeout_ms"`
	VerifyMode              string            `json:"verify_mode"`
	StoreKeys               map[string]string `json:"store_keys,omitempty"`
	PreferredStoreNames     []string          `json:"preferred_store_names,omitempty"`
}

func newInitOptions(opts options.StoreOptions) *InitOptions {
	return &InitOptions{
		DiscoveryTimeoutMs:      opts.DiscoveryTimeout().Milliseconds(),
		CheckInventory:          opts.CheckInventory(),
		CheckInventoryTimeoutMs: opts.CheckInventoryTimeout().Milliseconds(),
		VerifyMode:              opts.VerifyMode().String(),
		StoreKeys:               opts.StoreKeys(),
		PreferredStoreNames:     opts.PreferredStoreNames(),
	}
}

// BridgeEvent is read from the event topic. RequestID ties it to the
// command it answers.
type BridgeEvent struct {
	RequestID              string            `json:"request_id"`
	Kind                   models.EventKind  `json:"kind"`
	StoreName              string            `json:"store_name,omitempty"`
	SubscriptionsSupported bool              `json:"subscriptions_supported,omitempty"`
	Purchase               *models.Purchase  `json:"purchase,omitempty"`
	Inventory              *models.Inventory `json:"inventory,omitempty"`
	Code                   int               `json:"code,omitempty"`
	Reason                 string            `json:"reason,omitempty"`
}

// terminals lists the terminal event kinds accepted for each command
var terminals = map[Command][]models.EventKind{
	CommandInit:                 {models.EventBillingSupported, models.EventBillingNotSupported},
	CommandQueryInventory:       {models.EventQueryInventorySucceeded, models.EventQueryInventoryFailed},
	CommandPurchaseProduct:      {models.EventPurchaseSucceeded, models.EventPurchaseFailed},
	CommandPurchaseSubscription: {models.EventPurchaseSucceeded, models.EventPurchaseFailed},
	CommandConsume:              {models.EventConsumeSucceeded, models.EventConsumeFailed},
	CommandRestore:              {models.EventRestoreSucceeded, models.EventRestoreFailed},
}

func isTerminal(cmd Command, kind models.EventKind) bool {
	for _, k := range terminals[cmd] {
		if k == kind {
			return true
		}
	}
	return false
}

func isIntermediate(cmd Command, kind models.EventKind) bool {
	return cmd == CommandRestore && kind == models.EventTransactionRestored
}
