package snapshot

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"possync/internal/domain/catalog"
)

// Hash computes the canonical 256-bit content digest of a catalog.
//
// The digest is order-independent: products are sorted by id, then each
// product contributes id, name, price, active flag, and category reference,
// followed by its modifier groups sorted by id and each group's options
// sorted by id with their prices.
//
// Free-text descriptions are deliberately excluded from the canonical form:
// copy edits alone must not trigger a re-sync. The differ still reports
// description changes when a full payload comparison runs.
func Hash(c *catalog.Catalog) string {
	var b strings.Builder
	b.Grow(len(c.Products) * 64)

	products := make([]catalog.Product, len(c.Products))
	copy(products, c.Products)
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })

	for _, p := range products {
		b.WriteString(p.ID)
		b.WriteByte('|')
		b.WriteString(p.Name)
		b.WriteByte('|')
		b.WriteString(p.Price.String())
		b.WriteByte('|')
		if p.Active {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
		b.WriteByte('|')
		b.WriteString(p.CategoryID)
		b.WriteByte('|')
		writeModifiers(&b, p.Modifiers)
		b.WriteByte('\n')
	}

	digest := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(digest[:])
}

func writeModifiers(b *strings.Builder, groups []catalog.ModifierGroup) {
	sorted := make([]catalog.ModifierGroup, len(groups))
	copy(sorted, groups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, g := range sorted {
		b.WriteString(g.ID)
		b.WriteByte(':')

		options := make([]catalog.ModifierOption, len(g.Options))
		copy(options, g.Options)
		sort.Slice(options, func(i, j int) bool { return options[i].ID < options[j].ID })

		for _, o := range options {
			b.WriteString(o.ID)
			b.WriteByte('=')
			b.WriteString(o.Price.String())
			b.WriteByte(',')
		}
		b.WriteByte(';')
	}
}
