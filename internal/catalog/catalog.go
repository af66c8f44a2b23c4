package catalog

import (
	"fmt"
	"os"
	"sort"

	"iap-coordinator/internal/models"
	"iap-coordinator/internal/skumap"

	"gopkg.in/yaml.v3"
)

// Policy decides what happens to a purchase once it is granted
type Policy string

const (
	PolicyConsumable   Policy = "consumable"
	PolicyEntitlement  Policy = "entitlement"
	PolicySubscription Policy = "subscription"
)

// Valid reports whether p is a known policy
func (p Policy) Valid() bool {
	switch p {
	case PolicyConsumable, PolicyEntitlement, PolicySubscription:
		return true
	}
	return false
}

// Consumable reports whether purchases under p must be consumed after grant
func (p Policy) Consumable() bool {
	return p == PolicyConsumable
}

// Product is one catalog entry
type Product struct {
	Sku         string            `yaml:"sku" db:"sku"`
	Policy      Policy            `yaml:"policy" db:"policy"`
	Title       string            `yaml:"title,omitempty" db:"title"`
	Description string            `yaml:"description,omitempty" db:"description"`
	Stores      map[string]string `yaml:"stores,omitempty" db:"-"`
}

// Catalog is the immutable set of products the application sells
type Catalog struct {
	products map[string]Product
	order    []string
}

type file struct {
	Products []Product `yaml:"products"`
}

// New validates products and builds a catalog
func New(products ...Product) (*Catalog, error) {
	c := &Catalog{products: make(map[string]Product, len(products))}
	for _, p := range products {
		if p.Sku == "" {
			return nil, fmt.Errorf("%w: product without sku", models.ErrConfiguration)
		}
		if !p.Policy.Valid() {
			return nil, fmt.Errorf("%w: product %s has unknown policy %q", models.ErrConfiguration, p.Sku, p.Policy)
		}
		if _, dup := c.products[p.Sku]; dup {
			return nil, fmt.Errorf("%w: product %s listed twice", models.ErrConfiguration, p.Sku)
		}
		stores := make(map[string]string, len(p.Stores))
		for k, v := range p.Stores {
			stores[k] = v
		}
		p.Stores = stores
		c.products[p.Sku] = p
		c.order = append(c.order, p.Sku)
	}
	return c, nil
}

// Parse reads a YAML catalog document
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse catalog: %v", models.ErrConfiguration, err)
	}
	return New(f.Products...)
}

// LoadFile reads a YAML catalog from path
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Policy returns the policy for sku
func (c *Catalog) Policy(sku string) (Policy, bool) {
	p, ok := c.products[sku]
	return p.Policy, ok
}

// Product returns the catalog entry for sku
func (c *Catalog) Product(sku string) (Product, bool) {
	p, ok := c.products[sku]
	return p, ok
}

// Contains reports whether sku is in the catalog
func (c *Catalog) Contains(sku string) bool {
	_, ok := c.products[sku]
	return ok
}

// Skus lists catalog SKUs in declaration order
func (c *Catalog) Skus() []string {
	return append([]string(nil), c.order...)
}

// Len returns the number of products
func (c *Catalog) Len() int {
	return len(c.order)
}

// Mappings flattens the per-store SKUs of every product, ordered by
// product then store name
func (c *Catalog) Mappings() []skumap.Mapping {
	var out []skumap.Mapping
	for _, sku := range c.order {
		p := c.products[sku]
		stores := make([]string, 0, len(p.Stores))
		for s := range p.Stores {
			stores = append(stores, s)
		}
		sort.Strings(stores)
		for _, s := range stores {
			out = append(out, skumap.Mapping{Sku: sku, Store: s, StoreSku: p.Stores[s]})
		}
	}
	return out
}
