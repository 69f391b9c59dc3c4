package snapshot

import (
	"encoding/json"
	"sort"
	"time"

	"possync/internal/core/id"
	"possync/internal/domain/catalog"
)

// Diff compares two catalogs and produces typed change records.
//
// Classification:
//   - Added: id present in current only
//   - SoftDeleted: id present in previous only
//   - Modified: id in both with differing name/price/active/description/
//     category/modifier-count; ChangedFields lists the differences
//   - Restored: a Modified case where the product went inactive -> active.
//     Restored takes priority over Modified.
//
// A nil previous catalog records every current product as Added.
func Diff(previous, current *catalog.Catalog) []*ChangeRecord {
	now := time.Now().UTC()
	var records []*ChangeRecord

	var prevIndex map[string]catalog.Product
	if previous != nil {
		prevIndex = previous.ProductsByID()
	}
	currIndex := current.ProductsByID()

	// Stable output order: current products sorted by id, then deletions.
	currIDs := make([]string, 0, len(currIndex))
	for pid := range currIndex {
		currIDs = append(currIDs, pid)
	}
	sort.Strings(currIDs)

	for _, pid := range currIDs {
		curr := currIndex[pid]
		prev, existed := prevIndex[pid]
		if !existed {
			records = append(records, newChangeRecord(ChangeAdded, curr, nil, &curr, nil, now))
			continue
		}

		fields := changedFields(prev, curr)
		if len(fields) == 0 {
			continue
		}

		changeType := ChangeModified
		if !prev.Active && curr.Active {
			changeType = ChangeRestored
		}
		records = append(records, newChangeRecord(changeType, curr, &prev, &curr, fields, now))
	}

	if previous != nil {
		prevIDs := make([]string, 0, len(prevIndex))
		for pid := range prevIndex {
			if _, exists := currIndex[pid]; !exists {
				prevIDs = append(prevIDs, pid)
			}
		}
		sort.Strings(prevIDs)
		for _, pid := range prevIDs {
			prev := prevIndex[pid]
			records = append(records, newChangeRecord(ChangeSoftDeleted, prev, &prev, nil, nil, now))
		}
	}

	return records
}

func changedFields(prev, curr catalog.Product) []string {
	var fields []string
	if prev.Name != curr.Name {
		fields = append(fields, "name")
	}
	if !prev.Price.Equal(curr.Price) {
		fields = append(fields, "price")
	}
	if prev.Active != curr.Active {
		fields = append(fields, "active")
	}
	if prev.Description != curr.Description {
		fields = append(fields, "description")
	}
	if prev.CategoryID != curr.CategoryID {
		fields = append(fields, "category")
	}
	if prev.ModifierCount() != curr.ModifierCount() {
		fields = append(fields, "modifiers")
	}
	return fields
}

func newChangeRecord(ct ChangeType, p catalog.Product, before, after *catalog.Product, fields []string, now time.Time) *ChangeRecord {
	rec := &ChangeRecord{
		ID:            id.New(),
		Type:          ct,
		EntityType:    "product",
		EntityID:      p.ID,
		EntityName:    p.Name,
		ChangedFields: fields,
		CreatedAt:     now,
	}
	if before != nil {
		rec.Before, _ = json.Marshal(before)
	}
	if after != nil {
		rec.After, _ = json.Marshal(after)
	}
	return rec
}
