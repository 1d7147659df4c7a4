package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Rating is one scored entity from a completion.
type Rating struct {
	ID   int64 `json:"id"`
	Rate int   `json:"rate"`
}

// ParseRatings parses a completion into ratings and validates strictly:
// the output must be a JSON array of {id, rate} (a single object or an
// object wrapping such an array is tolerated), every rate must be in
// [1,100], every id must belong to the batch, and no id may repeat.
// Any violation fails the whole batch.
func ParseRatings(text string, batchIDs []int64) ([]Rating, error) {
	raw := stripFences(text)

	var ratings []Rating
	if err := json.Unmarshal([]byte(raw), &ratings); err != nil {
		// Single object, or an object wrapping the array.
		var one Rating
		if err2 := json.Unmarshal([]byte(raw), &one); err2 == nil && one.ID != 0 {
			ratings = []Rating{one}
		} else {
			var wrapped map[string][]Rating
			if err3 := json.Unmarshal([]byte(raw), &wrapped); err3 != nil || len(wrapped) != 1 {
				return nil, fmt.Errorf("llm: unparseable ratings output: %w", err)
			}
			for _, v := range wrapped {
				ratings = v
			}
		}
	}

	allowed := make(map[int64]bool, len(batchIDs))
	for _, id := range batchIDs {
		allowed[id] = true
	}
	seen := make(map[int64]bool, len(ratings))
	for _, r := range ratings {
		if r.Rate < 1 || r.Rate > 100 {
			return nil, fmt.Errorf("llm: rate %d out of range for id %d", r.Rate, r.ID)
		}
		if !allowed[r.ID] {
			return nil, fmt.Errorf("llm: id %d not in batch", r.ID)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("llm: duplicate id %d", r.ID)
		}
		seen[r.ID] = true
	}
	return ratings, nil
}

// stripFences removes a markdown code fence if the model wrapped its JSON
// in one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
