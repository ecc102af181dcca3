package reconcile

import "sort"

// Diff is the set of role mutations that moves a member to the desired state.
type Diff struct {
	ToAdd    []string `json:"to_add"`
	ToRemove []string `json:"to_remove"`
}

// Empty reports whether the diff has no mutations.
func (d Diff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0
}

// computeDiff derives the mutations for a member whose cached managed roles
// are lastKnown. When the platform was consulted, observed holds every role
// the member actually has and observedValid is true.
//
// Removals cover any managed role that is either cached or observed, so a
// stale cache never hides a role that must go. The addition is skipped only
// when the best available view already shows the desired role. Nothing
// outside the managed set is ever returned.
func computeDiff(isManaged func(string) bool, desired string, lastKnown, observed []string, observedValid bool) Diff {
	var d Diff

	candidates := make(map[string]struct{}, len(lastKnown)+len(observed))
	for _, r := range lastKnown {
		candidates[r] = struct{}{}
	}
	for _, r := range observed {
		candidates[r] = struct{}{}
	}
	for r := range candidates {
		if r != desired && isManaged(r) {
			d.ToRemove = append(d.ToRemove, r)
		}
	}
	sort.Strings(d.ToRemove)

	held := lastKnown
	if observedValid {
		held = observed
	}
	if desired != "" && isManaged(desired) && !contains(held, desired) {
		d.ToAdd = []string{desired}
	}
	return d
}

// managedSubset returns the sorted managed roles in roles.
func managedSubset(isManaged func(string) bool, roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		if _, dup := seen[r]; dup || !isManaged(r) {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
