package aggregate

import (
	"fmt"
	"sort"
	"strings"
)

// NewContactFrom builds a fresh aggregate row from the first candidate seen
// for an email.
func NewContactFrom(cand Candidate) *Contact {
	c := &Contact{
		Email:   NormalizeEmail(cand.Email),
		Profile: map[string]interface{}{},
	}
	MergeCandidate(c, cand)
	return c
}

// MergeCandidate folds a candidate into an aggregate row in place. Set
// fields union, the source JSON lands under a fresh monotonically-named
// shard, and the norm shard is recomputed field-wise.
func MergeCandidate(c *Contact, cand Candidate) {
	c.CbCrawlerIDs = unionInt64(c.CbCrawlerIDs, []int64{cand.CbCrawlerID})
	c.Sources = unionStrings(c.Sources, []string{cand.Source})
	c.Branches = unionInt64(c.Branches, cand.Branches)
	if cand.PLZ != "" {
		c.PLZList = unionStrings(c.PLZList, []string{cand.PLZ})
	}
	if cand.Address != "" {
		c.AddressList = unionStrings(c.AddressList, []string{cand.Address})
	}

	if c.Profile == nil {
		c.Profile = map[string]interface{}{}
	}
	shard := shardData(cand)
	c.Profile[nextShardKey(c.Profile, cand.Source)] = shard

	norm, _ := c.Profile["norm"].(map[string]interface{})
	c.Profile["norm"] = mergeNorm(norm, shard)
	collapseEmails(c.Profile["norm"].(map[string]interface{}))

	c.StatusData = statusData(c.Profile["norm"].(map[string]interface{}))
}

// shardData is the raw source payload stored verbatim, plus the structured
// columns the spider extracted alongside it.
func shardData(cand Candidate) map[string]interface{} {
	shard := map[string]interface{}{}
	for k, v := range cand.Data {
		shard[k] = v
	}
	if cand.Website != "" {
		shard["website"] = cand.Website
	}
	if cand.Description != "" {
		shard["description"] = cand.Description
	}
	if cand.Email != "" {
		appendShardList(shard, "emails", NormalizeEmail(cand.Email))
	}
	return shard
}

func appendShardList(shard map[string]interface{}, key, value string) {
	existing, _ := shard[key].([]interface{})
	for _, v := range existing {
		if s, ok := v.(string); ok && s == value {
			return
		}
	}
	shard[key] = append(existing, value)
}

// nextShardKey returns the first unused "<source>-N" key, N starting at 1.
func nextShardKey(profile map[string]interface{}, source string) string {
	if source == "" {
		source = "gs"
	}
	for n := 1; ; n++ {
		key := fmt.Sprintf("%s-%d", source, n)
		if _, taken := profile[key]; !taken {
			return key
		}
	}
}

// mergeNorm folds a shard into the normalized profile. Scalars keep the
// first non-empty value ever seen; arrays union preserving first-seen order.
func mergeNorm(norm, shard map[string]interface{}) map[string]interface{} {
	if norm == nil {
		norm = map[string]interface{}{}
	}
	keys := make([]string, 0, len(shard))
	for k := range shard {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := shard[k]
		cur, exists := norm[k]
		switch nv := v.(type) {
		case []interface{}:
			curList, _ := cur.([]interface{})
			norm[k] = unionAny(curList, nv)
		default:
			if !exists || isEmptyScalar(cur) {
				if !isEmptyScalar(v) {
					norm[k] = v
				}
			}
		}
	}
	return norm
}

// collapseEmails normalizes the cardinality of norm["emails"]: null when
// none, a bare string for one, a list for several.
func collapseEmails(norm map[string]interface{}) {
	var list []interface{}
	switch v := norm["emails"].(type) {
	case nil:
		return
	case string:
		list = []interface{}{v}
	case []interface{}:
		list = v
	}
	switch len(list) {
	case 0:
		norm["emails"] = nil
	case 1:
		norm["emails"] = list[0]
	default:
		norm["emails"] = list
	}
}

// statusData classifies web presence from the merged profile.
func statusData(norm map[string]interface{}) string {
	if s, _ := norm["website"].(string); strings.TrimSpace(s) != "" {
		return "YES WEB"
	}
	if s, _ := norm["description"].(string); strings.TrimSpace(s) != "" {
		return "NO WEB - YES DESCR"
	}
	return "NO WEB - NO DESCR"
}

func isEmptyScalar(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

func unionInt64(a, b []int64) []int64 {
	seen := make(map[int64]bool, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, list := range [][]int64{a, b} {
		for _, v := range list {
			if v == 0 || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func unionAny(a, b []interface{}) []interface{} {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]interface{}, 0, len(a)+len(b))
	for _, list := range [][]interface{}{a, b} {
		for _, v := range list {
			key := fmt.Sprintf("%v", v)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}
