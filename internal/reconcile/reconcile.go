// Package reconcile classifies a freshly probed package inventory against the
// package names already recorded for a deployment.
package reconcile

import (
	"sort"

	"edensetup/internal/probe"
)

// Plan is the outcome of a diff. New and Upgrade carry the fetched package;
// UpToDate lists recorded names the host no longer reports as upgradable.
type Plan struct {
	New      []probe.Package
	Upgrade  []probe.Package
	UpToDate []string
}

// Empty reports whether applying the plan changes nothing.
func (p Plan) Empty() bool {
	return len(p.New) == 0 && len(p.Upgrade) == 0 && len(p.UpToDate) == 0
}

// Diff computes fetched-old (New), fetched∩old (Upgrade) and old-fetched
// (UpToDate). Output is sorted by name; a name fetched twice keeps the last entry.
func Diff(old []string, fetched []probe.Package) Plan {
	oldSet := make(map[string]struct{}, len(old))
	for _, name := range old {
		oldSet[name] = struct{}{}
	}

	byName := make(map[string]probe.Package, len(fetched))
	for _, pkg := range fetched {
		byName[pkg.Name] = pkg
	}

	var plan Plan
	for name, pkg := range byName {
		if _, ok := oldSet[name]; ok {
			plan.Upgrade = append(plan.Upgrade, pkg)
		} else {
			plan.New = append(plan.New, pkg)
		}
	}
	for name := range oldSet {
		if _, ok := byName[name]; !ok {
			plan.UpToDate = append(plan.UpToDate, name)
		}
	}

	sort.Slice(plan.New, func(i, j int) bool { return plan.New[i].Name < plan.New[j].Name })
	sort.Slice(plan.Upgrade, func(i, j int) bool { return plan.Upgrade[i].Name < plan.Upgrade[j].Name })
	sort.Strings(plan.UpToDate)
	return plan
}

// Owners decides which co-located deployments a package mutation applies to.
// Packages in singleOwner (the platform checkout, shared by path rather than
// per deployment) only ever touch the reference deployment.
type Owners struct {
	Reference   int64
	CoLocated   []int64
	singleOwner map[string]struct{}
}

func NewOwners(reference int64, coLocated []int64, singleOwner []string) Owners {
	set := make(map[string]struct{}, len(singleOwner))
	for _, name := range singleOwner {
		set[name] = struct{}{}
	}
	return Owners{Reference: reference, CoLocated: coLocated, singleOwner: set}
}

// For returns the deployments whose records for name should change.
func (o Owners) For(name string) []int64 {
	if _, ok := o.singleOwner[name]; ok {
		return []int64{o.Reference}
	}
	return o.CoLocated
}
