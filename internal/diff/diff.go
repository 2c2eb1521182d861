// Package diff classifies the subdomains observed by a scan against the
// ones already on file.
package diff

import "sort"

// Result partitions the union of existing and observed URLs. Each slice is
// sorted and free of duplicates, and no URL appears in more than one slice.
type Result struct {
	New        []string `json:"new"`
	StillAlive []string `json:"still_alive"`
	Missing    []string `json:"missing"`
}

// Empty reports whether there is nothing to persist or announce.
func (r Result) Empty() bool {
	return len(r.New) == 0 && len(r.Missing) == 0
}

// Compute returns New = observed - existing, StillAlive = observed ∩ existing
// and Missing = existing - observed. It never fails and does not modify its
// arguments.
func Compute(existing, observed []string) Result {
	known := toSet(existing)
	seen := toSet(observed)

	res := Result{
		New:        []string{},
		StillAlive: []string{},
		Missing:    []string{},
	}

	for u := range seen {
		if _, ok := known[u]; ok {
			res.StillAlive = append(res.StillAlive, u)
		} else {
			res.New = append(res.New, u)
		}
	}
	for u := range known {
		if _, ok := seen[u]; !ok {
			res.Missing = append(res.Missing, u)
		}
	}

	sort.Strings(res.New)
	sort.Strings(res.StillAlive)
	sort.Strings(res.Missing)
	return res
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
