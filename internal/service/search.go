package service

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// RankBeats filters beats against q. Titles or genres containing q rank first,
// then titles within a small edit distance of q, closest first. Ties keep
// catalog order. An empty query returns beats unchanged.
func RankBeats(beats []Beat, q string) []Beat {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return beats
	}
	limit := max(1, len([]rune(q))/3)

	type hit struct {
		beat Beat
		dist int
	}
	var hits []hit
	for _, b := range beats {
		title := strings.ToLower(b.Title)
		if strings.Contains(title, q) || strings.Contains(strings.ToLower(b.Genre), q) {
			hits = append(hits, hit{b, 0})
			continue
		}
		if d := titleDistance(title, q); d <= limit {
			hits = append(hits, hit{b, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })

	out := make([]Beat, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.beat)
	}
	return out
}

// titleDistance compares q with the whole title and with each word of it, so
// a typo in one word of a longer title still matches.
func titleDistance(title, q string) int {
	best := levenshtein.ComputeDistance(title, q)
	for _, w := range strings.Fields(title) {
		if d := levenshtein.ComputeDistance(w, q); d < best {
			best = d
		}
	}
	return best
}
