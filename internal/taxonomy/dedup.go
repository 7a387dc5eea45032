package taxonomy

import (
	"context"
	"sort"
)

// Dedupe keeps the first record per key in load order and removes the rest
// from the store in one batch. Survivors come back sorted by row, renumbered
// to the rows they occupy after the delete. On a failed delete the input is
// returned unchanged with the error.
func Dedupe[T record](ctx context.Context, repo *Repository, title string, items []T, keyFn func(T) string) ([]T, int, error) {
	seen := make(map[string]bool, len(items))
	var duplicates []int
	for _, item := range items {
		k := keyFn(item)
		if seen[k] {
			duplicates = append(duplicates, item.rowIndex())
			continue
		}
		seen[k] = true
	}
	if len(duplicates) == 0 {
		return items, 0, nil
	}
	if err := repo.HardDeleteBatch(ctx, title, duplicates); err != nil {
		return items, 0, err
	}
	kept := spliceDeleted(append([]T(nil), items...), duplicates)
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].rowIndex() < kept[j].rowIndex() })
	return kept, len(duplicates), nil
}
