package cachec

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"time"

	"github.com/ignite/leadgen-engine/internal/cached"
)

// Memo is deterministic content-addressed memoization over the cache daemon.
// The key binds the function identity, a caller-supplied version, and the
// query content; renaming the function invalidates its cache by design.

// MemoOpts controls one memoized call.
type MemoOpts struct {
	TTL     time.Duration
	Version string
	// Update forces recomputation and overwrites the cached value.
	Update bool
}

// Fingerprint returns the module-qualified name of fn.
func Fingerprint(fn interface{}) string {
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return fmt.Sprintf("%T", fn)
	}
	return f.Name()
}

// MemoKey builds the cache key for (fn, version, query).
func MemoKey(fingerprint, version string, query interface{}) (string, error) {
	qb, err := json.Marshal(query)
	if err != nil {
		return "", fmt.Errorf("memo: query marshal: %w", err)
	}
	qh := sha1.Sum(qb)
	h := sha1.Sum([]byte(fingerprint + "|" + version + "|" + hex.EncodeToString(qh[:])))
	return "memo:" + hex.EncodeToString(h[:]), nil
}

// Memo runs fn(query) at most once per distinct (fingerprint, version, query)
// while the cache is available. If the result cannot be serialized, the raw
// value is returned without caching. Under cache outage every call computes.
func Memo[Q, V any](ctx context.Context, c *Client, query Q, fn func(context.Context, Q) (V, error), opts MemoOpts) (V, error) {
	var zero V

	key, err := MemoKey(Fingerprint(fn), opts.Version, query)
	if err != nil {
		// Unhashable query: compute without caching.
		return fn(ctx, query)
	}

	if !opts.Update {
		if raw, found := c.Get(ctx, key); found {
			var v V
			if err := json.Unmarshal(raw, &v); err == nil {
				return v, nil
			}
			// Corrupt cached payload: fall through and recompute.
		}
	}

	v, err := fn(ctx, query)
	if err != nil {
		return zero, err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return v, nil
	}
	c.Set(ctx, key, raw, opts.TTL)
	return v, nil
}

// Pair is one (query, value) result of MemoMany.
type Pair[Q, V any] struct {
	Query Q
	Value V
}

// MemoMany is the batched variant: cached hits come from one MGET, misses
// are computed and stored through one SET_MANY. Result order is undefined.
func MemoMany[Q, V any](ctx context.Context, c *Client, queries []Q, fn func(context.Context, Q) (V, error), opts MemoOpts) ([]Pair[Q, V], error) {
	fp := Fingerprint(fn)

	keys := make([]string, len(queries))
	keyable := make([]bool, len(queries))
	for i, q := range queries {
		k, err := MemoKey(fp, opts.Version, q)
		if err == nil {
			keys[i] = k
			keyable[i] = true
		}
	}

	var hits map[string][]byte
	if !opts.Update {
		lookup := make([]string, 0, len(keys))
		for i, k := range keys {
			if keyable[i] {
				lookup = append(lookup, k)
			}
		}
		hits = c.MGet(ctx, lookup...)
	}

	out := make([]Pair[Q, V], 0, len(queries))
	var store []cached.KV
	for i, q := range queries {
		if raw, ok := hits[keys[i]]; ok && keyable[i] {
			var v V
			if err := json.Unmarshal(raw, &v); err == nil {
				out = append(out, Pair[Q, V]{Query: q, Value: v})
				continue
			}
		}

		v, err := fn(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, Pair[Q, V]{Query: q, Value: v})

		if keyable[i] {
			if raw, err := json.Marshal(v); err == nil {
				store = append(store, cached.KV{Key: keys[i], Value: raw, TTLMS: opts.TTL.Milliseconds()})
			}
		}
	}

	if len(store) > 0 {
		c.SetMany(ctx, store)
	}
	return out, nil
}
