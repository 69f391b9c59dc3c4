package snapshot

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"possync/internal/domain/catalog"
)

func hashCatalog(products []catalog.Product) string {
	scope := catalog.NewScopeKey("acct", "loc", "menu")
	return Hash(catalog.NewCatalog(scope, products))
}

func burger(price string) catalog.Product {
	return catalog.Product{
		ID:         "p-burger",
		Name:       "Burger",
		Price:      decimal.RequireFromString(price),
		Active:     true,
		CategoryID: "cat-mains",
		Modifiers: []catalog.ModifierGroup{
			{
				ID:   "g-cheese",
				Name: "Cheese",
				Options: []catalog.ModifierOption{
					{ID: "o-cheddar", Name: "Cheddar", Price: decimal.RequireFromString("1.50")},
					{ID: "o-swiss", Name: "Swiss", Price: decimal.RequireFromString("2.00")},
				},
			},
			{ID: "g-size", Name: "Size"},
		},
	}
}

func fries() catalog.Product {
	return catalog.Product{
		ID:         "p-fries",
		Name:       "Fries",
		Price:      decimal.RequireFromString("3.50"),
		Active:     true,
		CategoryID: "cat-sides",
	}
}

func TestHashIsHex256(t *testing.T) {
	h := hashCatalog([]catalog.Product{burger("9.99"), fries()})
	assert.Len(t, h, 64)
	assert.Regexp(t, "^[0-9a-f]+$", h)
}

func TestHashIgnoresProductOrder(t *testing.T) {
	a := hashCatalog([]catalog.Product{burger("9.99"), fries()})
	b := hashCatalog([]catalog.Product{fries(), burger("9.99")})
	assert.Equal(t, a, b)
}

func TestHashIgnoresModifierOrder(t *testing.T) {
	shuffled := burger("9.99")
	shuffled.Modifiers[0], shuffled.Modifiers[1] = shuffled.Modifiers[1], shuffled.Modifiers[0]
	opts := shuffled.Modifiers[1].Options
	opts[0], opts[1] = opts[1], opts[0]

	assert.Equal(t,
		hashCatalog([]catalog.Product{burger("9.99")}),
		hashCatalog([]catalog.Product{shuffled}),
	)
}

func TestHashIgnoresDescription(t *testing.T) {
	plain := burger("9.99")
	edited := burger("9.99")
	edited.Description = "Now with extra pickles"

	assert.Equal(t,
		hashCatalog([]catalog.Product{plain}),
		hashCatalog([]catalog.Product{edited}),
	)
}

func TestHashChangesOnPriceChange(t *testing.T) {
	assert.NotEqual(t,
		hashCatalog([]catalog.Product{burger("9.99")}),
		hashCatalog([]catalog.Product{burger("10.49")}),
	)
}

func TestHashChangesOnActiveFlag(t *testing.T) {
	inactive := burger("9.99")
	inactive.Active = false

	assert.NotEqual(t,
		hashCatalog([]catalog.Product{burger("9.99")}),
		hashCatalog([]catalog.Product{inactive}),
	)
}

func TestHashChangesOnModifierPrice(t *testing.T) {
	repriced := burger("9.99")
	repriced.Modifiers[0].Options[0].Price = decimal.RequireFromString("1.75")

	assert.NotEqual(t,
		hashCatalog([]catalog.Product{burger("9.99")}),
		hashCatalog([]catalog.Product{repriced}),
	)
}

func TestHashEmptyCatalogIsStable(t *testing.T) {
	assert.Equal(t, hashCatalog(nil), hashCatalog(nil))
	assert.NotEqual(t, hashCatalog(nil), hashCatalog([]catalog.Product{fries()}))
}
