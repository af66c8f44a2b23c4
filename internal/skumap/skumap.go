package skumap

import (
	"fmt"
	"sort"
	"sync"

	"iap-coordinator/internal/models"
)

// Mapping ties an application SKU to the SKU a given store knows it by
type Mapping struct {
	Sku      string `db:"sku" json:"sku" yaml:"sku"`
	Store    string `db:"store_name" json:"store" yaml:"store"`
	StoreSku string `db:"store_sku" json:"store_sku" yaml:"store_sku"`
}

// DuplicateMappingError is returned when a mapping conflicts with an earlier one
type DuplicateMappingError struct {
	Sku      string
	Store    string
	StoreSku string
	Existing string
}

func (e *DuplicateMappingError) Error() string {
	return fmt.Sprintf("sku %q on store %s already mapped to %q, refusing %q",
		e.Sku, e.Store, e.Existing, e.StoreSku)
}

func (e *DuplicateMappingError) Unwrap() error {
	return models.ErrConfiguration
}

// UnmappedSkuError is returned by Resolve for an unknown (sku, store) pair
type UnmappedSkuError struct {
	Sku   string
	Store string
}

func (e *UnmappedSkuError) Error() string {
	return fmt.Sprintf("sku %q has no mapping for store %s", e.Sku, e.Store)
}

// UnknownStoreSkuError is returned by Reverse for an unknown (store, storeSku) pair
type UnknownStoreSkuError struct {
	Store    string
	StoreSku string
}

func (e *UnknownStoreSkuError) Error() string {
	return fmt.Sprintf("store %s sku %q is not mapped", e.Store, e.StoreSku)
}

type pair struct {
	a, b string
}

// SkuMap is a bidirectional application SKU <-> store SKU index
type SkuMap struct {
	mu      sync.RWMutex
	forward map[pair]string // (sku, store) -> storeSku
	reverse map[pair]string // (store, storeSku) -> sku
}

// New creates an empty SkuMap
func New() *SkuMap {
	return &SkuMap{
		forward: make(map[pair]string),
		reverse: make(map[pair]string),
	}
}

// FromMappings builds a SkuMap, stopping at the first conflicting mapping
func FromMappings(mappings []Mapping) (*SkuMap, error) {
	m := New()
	for _, mp := range mappings {
		if err := m.Map(mp.Sku, mp.Store, mp.StoreSku); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Map registers sku as storeSku on storeName. Registering an identical
// triple again is a no-op.
func (m *SkuMap) Map(sku, storeName, storeSku string) error {
	if sku == "" || storeName == "" || storeSku == "" {
		return fmt.Errorf("%w: mapping needs sku, store and store sku (got %q, %q, %q)",
			models.ErrConfiguration, sku, storeName, storeSku)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fk := pair{sku, storeName}
	rk := pair{storeName, storeSku}

	if existing, ok := m.forward[fk]; ok {
		if existing == storeSku {
			return nil
		}
		return &DuplicateMappingError{Sku: sku, Store: storeName, StoreSku: storeSku, Existing: existing}
	}
	if owner, ok := m.reverse[rk]; ok && owner != sku {
		return &DuplicateMappingError{Sku: sku, Store: storeName, StoreSku: storeSku, Existing: storeSku + " (owned by " + owner + ")"}
	}

	m.forward[fk] = storeSku
	m.reverse[rk] = sku
	return nil
}

// Resolve returns the store SKU for sku on storeName
func (m *SkuMap) Resolve(sku, storeName string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	storeSku, ok := m.forward[pair{sku, storeName}]
	if !ok {
		return "", &UnmappedSkuError{Sku: sku, Store: storeName}
	}
	return storeSku, nil
}

// Reverse translates an inbound store SKU back to the application SKU
func (m *SkuMap) Reverse(storeName, storeSku string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sku, ok := m.reverse[pair{storeName, storeSku}]
	if !ok {
		return "", &UnknownStoreSkuError{Store: storeName, StoreSku: storeSku}
	}
	return sku, nil
}

// Stores lists the store names that have at least one mapping, sorted
func (m *SkuMap) Stores() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for k := range m.forward {
		seen[k.b] = struct{}{}
	}
	stores := make([]string, 0, len(seen))
	for s := range seen {
		stores = append(stores, s)
	}
	sort.Strings(stores)
	return stores
}

// Len returns the number of registered mappings
func (m *SkuMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.forward)
}
