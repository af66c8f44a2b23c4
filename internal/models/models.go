package models

import "time"

// Store names understood by the shipped backends and catalog files
const (
	StoreGoogle  = "STORE_GOOGLE"
	StoreAmazon  = "STORE_AMAZON"
	StoreSamsung = "STORE_SAMSUNG"
	StoreNokia   = "STORE_NOKIA"
	StoreYandex  = "STORE_YANDEX"
	StoreSlideME = "SlideME"
	StoreIOS     = "STORE_IOS"
	StoreWP8     = "STORE_WP8"
	StoreOffline = "STORE_OFFLINE"
)

// Item types
const (
	ItemTypeInApp        = "inapp"
	ItemTypeSubscription = "subs"
)

// PurchaseState is the lifecycle state of a purchase record
type PurchaseState string

// Purchase states
const (
	PurchaseStatePurchased PurchaseState = "PURCHASED"
	PurchaseStateConsumed  PurchaseState = "CONSUMED"
)

// Purchase represents a store transaction.
//
// Backends report Sku as the store-specific SKU; the coordinator rewrites it
// to the application SKU before anything leaves the coordinator.
type Purchase struct {
	Sku              string        `json:"sku"`
	StoreName        string        `json:"store_name"`
	TransactionToken string        `json:"token"`
	DeveloperPayload string        `json:"developer_payload"`
	State            PurchaseState `json:"state"`
	ItemType         string        `json:"item_type,omitempty"`
	OrderID          string        `json:"order_id,omitempty"`
	PurchaseTime     time.Time     `json:"purchase_time"`
	Signature        string        `json:"signature,omitempty"`
	OriginalJSON     string        `json:"original_json,omitempty"`
}

// SkuDetails describes a catalog entry as listed by a store
type SkuDetails struct {
	Sku         string `json:"sku"`
	ItemType    string `json:"item_type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       string `json:"price"`
}

// Inventory is a snapshot of owned purchases and known SKU details, keyed by SKU
type Inventory struct {
	Purchases map[string]Purchase   `json:"purchases"`
	Details   map[string]SkuDetails `json:"details,omitempty"`
}

// NewInventory returns an empty inventory
func NewInventory() Inventory {
	return Inventory{
		Purchases: make(map[string]Purchase),
		Details:   make(map[string]SkuDetails),
	}
}

// Purchase returns the purchase recorded for sku, if any
func (inv Inventory) Purchase(sku string) (Purchase, bool) {
	p, ok := inv.Purchases[sku]
	return p, ok
}

// HasPurchase reports whether sku is owned
func (inv Inventory) HasPurchase(sku string) bool {
	_, ok := inv.Purchases[sku]
	return ok
}

// Clone returns a deep copy of the inventory
func (inv Inventory) Clone() Inventory {
	out := Inventory{
		Purchases: make(map[string]Purchase, len(inv.Purchases)),
		Details:   make(map[string]SkuDetails, len(inv.Details)),
	}
	for k, v := range inv.Purchases {
		out.Purchases[k] = v
	}
	for k, v := range inv.Details {
		out.Details[k] = v
	}
	return out
}
