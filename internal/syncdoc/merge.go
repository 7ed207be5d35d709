package syncdoc

import (
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
)

// Owned returns incoming's value when author owns the field, else base's.
func Owned[T any](owner, author sessions.Role, base, incoming T) T {
	if owner == author {
		return incoming
	}
	return base
}

// OwnedPair takes the author's slot from incoming and keeps the partner's slot from base.
func OwnedPair[T any](base, incoming sessions.Pair[T], author sessions.Role) sessions.Pair[T] {
	merged := base
	merged.Set(author, incoming.Get(author))
	return merged
}

// Max joins monotonically increasing values.
func Max(a, b float64) float64 {
	if b > a {
		return b
	}
	return a
}

// Or joins flags that never reset.
func Or(a, b bool) bool {
	return a || b
}

// FirstWriter keeps the earliest non-nil timestamp.
func FirstWriter(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}

// MaxMap joins per-key progress maps.
func MaxMap(a, b map[string]float64) map[string]float64 {
	merged := make(map[string]float64, len(a)+len(b))
	for key, value := range a {
		merged[key] = value
	}
	for key, value := range b {
		merged[key] = Max(merged[key], value)
	}
	return merged
}

// OrMap joins per-key flag maps.
func OrMap(a, b map[string]bool) map[string]bool {
	merged := make(map[string]bool, len(a)+len(b))
	for key, value := range a {
		merged[key] = value
	}
	for key, value := range b {
		merged[key] = merged[key] || value
	}
	return merged
}

// Union joins identifier sets, sorted for stable encoding.
func Union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, values := range [][]string{a, b} {
		for _, value := range values {
			if _, ok := seen[value]; ok {
				continue
			}
			seen[value] = struct{}{}
			merged = append(merged, value)
		}
	}
	sort.Strings(merged)
	return merged
}
