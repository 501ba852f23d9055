package hitl

import "sort"

// orderQueue sorts open review items by (deadline asc, score desc,
// created_at asc). The slice is sorted in place.
func orderQueue(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.Deadline.Equal(b.Deadline) {
			return a.Deadline.Before(b.Deadline)
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
