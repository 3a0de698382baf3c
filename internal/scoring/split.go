package scoring

import (
	"fmt"
	"sort"
	"strings"

	"order-routing/internal/apperrors"
	"order-routing/internal/models"
)

// Group is a subset of an order's items that one vendor can fulfil.
type Group struct {
	Key   string
	Items []models.OrderItem
}

// PlanSplit partitions items into groups when no single vendor covers them all.
// Vendors covering the most remaining items are taken first (ties to the lower
// vendor id), so the plan is deterministic for the same inputs. Each group is
// later ranked on its own.
func PlanSplit(items []models.OrderItem, offers []models.VendorOffer) ([]Group, error) {
	const op = "PlanSplit"

	sorted := append([]models.VendorOffer(nil), offers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	remaining := append([]models.OrderItem(nil), items...)
	var groups []Group
	for len(remaining) > 0 {
		var best []models.OrderItem
		for _, offer := range sorted {
			var covered []models.OrderItem
			for _, item := range remaining {
				if st, ok := offer.Stock[item.ProductID]; ok && st.Available >= item.Quantity {
					covered = append(covered, item)
				}
			}
			if len(covered) > len(best) {
				best = covered
			}
		}
		if len(best) == 0 {
			return nil, apperrors.NoEligibleVendor(op, "no vendor stocks products %s", productList(remaining))
		}
		groups = append(groups, Group{Key: GroupKey(best), Items: best})
		remaining = without(remaining, best)
	}
	return groups, nil
}

// GroupKey derives a stable key from the products in a group.
func GroupKey(items []models.OrderItem) string {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("p%d", id)
	}
	return strings.Join(parts, "_")
}

func without(items, drop []models.OrderItem) []models.OrderItem {
	dropped := make(map[int64]bool, len(drop))
	for _, d := range drop {
		dropped[d.ProductID] = true
	}
	var out []models.OrderItem
	for _, item := range items {
		if !dropped[item.ProductID] {
			out = append(out, item)
		}
	}
	return out
}

func productList(items []models.OrderItem) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = fmt.Sprintf("%d", item.ProductID)
	}
	return strings.Join(parts, ",")
}
