package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"iap-coordinator/internal/catalog"
	"iap-coordinator/internal/skumap"
)

// Schema creates the catalog tables
const Schema = `
CREATE TABLE IF NOT EXISTS products (
	sku         TEXT PRIMARY KEY,
	policy      TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS store_skus (
	sku        TEXT NOT NULL REFERENCES products (sku) ON DELETE CASCADE,
	store_name TEXT NOT NULL,
	store_sku  TEXT NOT NULL,
	PRIMARY KEY (sku, store_name),
	UNIQUE (store_name, store_sku)
);`

// EnsureSchema creates the catalog tables if they are missing
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create catalog schema: %w", err)
	}
	return nil
}

// GetProducts retrieves all products
func (s *Store) GetProducts(ctx context.Context) ([]catalog.Product, error) {
	var products []catalog.Product
	err := s.db.SelectContext(ctx, &products,
		"SELECT sku, policy, title, description FROM products ORDER BY sku")
	return products, err
}

// GetProductBySKU retrieves a product by SKU
func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*catalog.Product, error) {
	var product catalog.Product
	err := s.db.GetContext(ctx, &product,
		"SELECT sku, policy, title, description FROM products WHERE sku = $1", sku)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product not found: %s", sku)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetStoreSkus retrieves every per-store SKU mapping
func (s *Store) GetStoreSkus(ctx context.Context) ([]skumap.Mapping, error) {
	var mappings []skumap.Mapping
	err := s.db.SelectContext(ctx, &mappings,
		"SELECT sku, store_name, store_sku FROM store_skus ORDER BY sku, store_name")
	return mappings, err
}

// LoadCatalog builds a catalog from the products and store_skus tables
func (s *Store) LoadCatalog(ctx context.Context) (*catalog.Catalog, error) {
	products, err := s.GetProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	mappings, err := s.GetStoreSkus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load store skus: %w", err)
	}

	index := make(map[string]int, len(products))
	for i := range products {
		index[products[i].Sku] = i
	}
	for _, m := range mappings {
		i, ok := index[m.Sku]
		if !ok {
			return nil, fmt.Errorf("store sku %s/%s references unknown product %s", m.Store, m.StoreSku, m.Sku)
		}
		if products[i].Stores == nil {
			products[i].Stores = make(map[string]string)
		}
		products[i].Stores[m.Store] = m.StoreSku
	}

	return catalog.New(products...)
}

// SaveProduct upserts a product and replaces its store SKUs in one transaction
func (s *Store) SaveProduct(ctx context.Context, p catalog.Product) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (sku, policy, title, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sku) DO UPDATE
		SET policy = EXCLUDED.policy, title = EXCLUDED.title, description = EXCLUDED.description`,
		p.Sku, p.Policy, p.Title, p.Description)
	if err != nil {
		return fmt.Errorf("failed to save product %s: %w", p.Sku, err)
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM store_skus WHERE sku = $1", p.Sku); err != nil {
		return fmt.Errorf("failed to clear store skus for %s: %w", p.Sku, err)
	}

	stores := make([]string, 0, len(p.Stores))
	for store := range p.Stores {
		stores = append(stores, store)
	}
	sort.Strings(stores)

	for _, store := range stores {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO store_skus (sku, store_name, store_sku) VALUES ($1, $2, $3)",
			p.Sku, store, p.Stores[store])
		if err != nil {
			return fmt.Errorf("failed to save store sku %s for %s: %w", store, p.Sku, err)
		}
	}

	return tx.Commit()
}
