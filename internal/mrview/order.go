package mrview

import "sort"

// OrderPolicy selects how candidate MRs are ordered before the Batch
// Planner forms a plan (spec §4.7).
type OrderPolicy string

const (
	// OrderOldestCreatedFirst is the default candidate ordering (spec §4.7).
	OrderOldestCreatedFirst OrderPolicy = "oldest-created-first"
	// OrderOldestUpdatedFirst orders by last-update instead of creation.
	OrderOldestUpdatedFirst OrderPolicy = "oldest-last-update-first"
)

// Sort orders views in place per policy, oldest first. An empty/unknown
// policy behaves as OrderOldestCreatedFirst.
func Sort(views []*View, policy OrderPolicy) {
	less := func(i, j int) bool {
		return views[i].mr.CreatedAt.Before(views[j].mr.CreatedAt)
	}
	if policy == OrderOldestUpdatedFirst {
		less = func(i, j int) bool {
			return views[i].mr.UpdatedAt.Before(views[j].mr.UpdatedAt)
		}
	}
	sort.SliceStable(views, less)
}
