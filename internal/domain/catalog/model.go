// Package catalog provides the point-of-sale catalog model consumed by the
// sync engine. The upstream platform is the source of truth; the engine only
// reads these entities and never writes them back.
package catalog

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// ScopeKey isolates one independent synchronization stream.
type ScopeKey struct {
	AccountID    string `json:"accountId"`
	LocationID   string `json:"locationId"`
	CatalogScope string `json:"catalogScope"`
}

// NewScopeKey creates a scope key. An empty catalogScope means the full menu.
func NewScopeKey(accountID, locationID, catalogScope string) ScopeKey {
	if catalogScope == "" {
		catalogScope = "menu"
	}
	return ScopeKey{
		AccountID:    accountID,
		LocationID:   locationID,
		CatalogScope: catalogScope,
	}
}

// String renders the key in account/location/scope form used for storage keys.
func (k ScopeKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.AccountID, k.LocationID, k.CatalogScope)
}

// ModifierOption is a selectable option within a modifier group.
type ModifierOption struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// ModifierGroup is a group of options attached to a product.
type ModifierGroup struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Options []ModifierOption `json:"options,omitempty"`
}

// Product is one sellable catalog entity.
type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Active      bool            `json:"active"`
	CategoryID  string          `json:"categoryId,omitempty"`
	Description string          `json:"description,omitempty"`
	Modifiers   []ModifierGroup `json:"modifiers,omitempty"`
}

// ModifierCount returns the number of modifier groups on the product.
func (p Product) ModifierCount() int {
	return len(p.Modifiers)
}

// Catalog is a point-in-time view of a merchant's products.
type Catalog struct {
	Scope    ScopeKey  `json:"scope"`
	Products []Product `json:"products"`
}

// NewCatalog creates a catalog snapshot view for a scope.
func NewCatalog(scope ScopeKey, products []Product) *Catalog {
	return &Catalog{Scope: scope, Products: products}
}

// ProductsByID returns an id-keyed index of the catalog's products.
func (c *Catalog) ProductsByID() map[string]Product {
	index := make(map[string]Product, len(c.Products))
	for _, p := range c.Products {
		index[p.ID] = p
	}
	return index
}

// Source is the read-only boundary to the point-of-sale platform.
// The engine treats the upstream as an opaque, possibly paginated list.
type Source interface {
	// FetchCurrentCatalog returns the current catalog for a scope.
	FetchCurrentCatalog(ctx context.Context, scope ScopeKey) (*Catalog, error)
}
