// Package conflict compares artifact snapshots field by field and grades the
// divergences it finds. It is pure: callers supply decoded field maps.
package conflict

import (
	"reflect"
	"sort"

	"artline/internal/domain"
)

// Diff returns the sorted names of fields whose values differ between a and b.
// When fields is empty every key present on either side is compared.
func Diff(a, b map[string]any, fields []string) []string {
	if len(fields) == 0 {
		fields = unionKeys(a, b)
	}
	out := []string{}
	for _, f := range fields {
		if !Equal(a[f], b[f]) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// BaselineDrift returns fields the baseline moved after the sync point and
// that the incoming snapshot does not already agree with.
func BaselineDrift(syncBase, current, incoming map[string]any, fields []string) []string {
	if len(fields) == 0 {
		fields = unionKeys(syncBase, current, incoming)
	}
	out := []string{}
	for _, f := range fields {
		if !Equal(current[f], syncBase[f]) && !Equal(incoming[f], current[f]) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Equal compares two decoded JSON values. A missing value equals nil.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// ComparableFields is the declared field set of a kind, or nil for documents.
func ComparableFields(t domain.ArtifactType) []string {
	if t == domain.TypeDocument {
		return nil
	}
	return domain.DeclaredFields(t)
}

func unionKeys(maps ...map[string]any) []string {
	set := map[string]struct{}{}
	for _, m := range maps {
		for k := range m {
			set[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
