package query

import "sort"

// Rank orders rows in place. Without a semantic filter rows go newest
// first, undated rows last. With one they go by similarity, then by object
// tag confidence when present. Lower item id breaks every remaining tie.
func Rank(rows []Row, semantic bool) {
	less := byCapture
	if semantic {
		less = bySimilarity
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if c := less(rows[i], rows[j]); c != 0 {
			return c < 0
		}
		return rows[i].ItemID < rows[j].ItemID
	})
}

// byCapture puts later captures first and nil timestamps last.
func byCapture(a, b Row) int {
	switch {
	case a.CapturedAt == nil && b.CapturedAt == nil:
		return 0
	case a.CapturedAt == nil:
		return 1
	case b.CapturedAt == nil:
		return -1
	}
	return descending(float64(*a.CapturedAt), float64(*b.CapturedAt))
}

func bySimilarity(a, b Row) int {
	if c := descendingPtr(a.Similarity, b.Similarity); c != 0 {
		return c
	}
	return descendingPtr(a.TagConfidence, b.TagConfidence)
}

func descending(a, b float64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}

func descendingPtr(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return descending(*a, *b)
}
