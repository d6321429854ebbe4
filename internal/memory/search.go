package memory

import (
	"sort"
	"strings"
	"time"
)

// SearchHit is a ranked durable memory.
type SearchHit struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}

// DefaultTopK is used when Search is called with topK <= 0.
const DefaultTopK = 5

// Rank scores records by the number of query terms their content contains,
// plus a recency boost. Records matching no term are dropped. Ties keep the
// input order.
func Rank(records []Record, query string, topK int, now time.Time) []SearchHit {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	var hits []SearchHit
	for _, rec := range records {
		text := strings.ToLower(rec.Content)
		matches := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		hits = append(hits, SearchHit{Record: rec, Score: float64(matches) + recencyWeight(rec.CreatedAt, now)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func recencyWeight(created, now time.Time) float64 {
	if created.IsZero() {
		return 0
	}
	days := int(now.Sub(created).Hours() / 24)
	switch {
	case days <= 1:
		return 1.0
	case days <= 7:
		return 0.5
	case days <= 30:
		return 0.2
	default:
		return 0
	}
}
