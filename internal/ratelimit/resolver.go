// Package ratelimit provides override resolution and the windowed counter
// that enforces resolved limits.
package ratelimit

import (
	"strings"

	"github.com/keygatehq/keygate/internal/model"
)

// Resolve picks the single best-matching override for an identifier from a
// pre-fetched candidate list. Returns nil when nothing applies; the caller
// then falls back to its statically configured limit.
//
// Precedence: an exact identifier match wins unconditionally. Otherwise the
// wildcard-suffix candidate (identifier ending in '*') with the longest
// fixed prefix wins; among equal-length prefixes the lowest id wins, so an
// ambiguous configuration resolves deterministically instead of depending on
// fetch order. Soft-deleted candidates are skipped.
func Resolve(identifier string, candidates []model.RatelimitOverride) *model.RatelimitOverride {
	var best *model.RatelimitOverride
	bestPrefix := -1

	for i := range candidates {
		o := &candidates[i]
		if o.DeletedAt != nil {
			continue
		}

		if o.Identifier == identifier {
			return o
		}

		n := len(o.Identifier)
		if n == 0 || o.Identifier[n-1] != '*' {
			continue
		}
		prefix := o.Identifier[:n-1]
		if !strings.HasPrefix(identifier, prefix) {
			continue
		}

		switch {
		case len(prefix) > bestPrefix:
			best, bestPrefix = o, len(prefix)
		case len(prefix) == bestPrefix && best != nil && o.ID < best.ID:
			best = o
		}
	}
	return best
}
