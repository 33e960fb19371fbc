// Package planner computes the dependency-ordered build queue. It is a pure
// function over candidate rows fetched from the store, so the grouping and
// ordering rules are testable without a database.
package planner

import (
	"sort"

	"github.com/nixfleet/orchestrator/internal/models"
)

// Options tunes queue planning.
type Options struct {
	// GroupLimit caps the number of rows taken per nixos group, front of
	// the ordered group first. Zero means unlimited.
	GroupLimit int
}

type group struct {
	rootID     string
	commitTime int64
	root       *models.BuildCandidate
	packages   []*models.BuildCandidate
	members    int
	qualifying int
}

// Plan returns the derivations ready for the pipeline stage selected by the
// target status set. Results are grouped by owning nixos root with package
// dependencies first and the root last, and groups are ordered by the
// root's commit timestamp descending (newest work first). A group whose
// members are not all in a target status is excluded entirely; a partial
// group is never returned.
func Plan(candidates []*models.BuildCandidate, targets []string, opts Options) []*models.QueueItem {
	targetSet := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		targetSet[t] = struct{}{}
	}

	groups := make(map[string]*group)
	seen := make(map[string]map[string]struct{})

	for _, cand := range candidates {
		g, ok := groups[cand.RootID]
		if !ok {
			g = &group{
				rootID:     cand.RootID,
				commitTime: cand.RootCommitTime.UnixNano(),
			}
			groups[cand.RootID] = g
			seen[cand.RootID] = make(map[string]struct{})
		}

		// Dependency edges can surface the same member twice.
		if _, dup := seen[cand.RootID][cand.ID]; dup {
			continue
		}
		seen[cand.RootID][cand.ID] = struct{}{}

		g.members++
		if _, ok := targetSet[cand.Status]; ok {
			g.qualifying++
		}

		if cand.ID == cand.RootID {
			g.root = cand
		} else {
			g.packages = append(g.packages, cand)
		}
	}

	var ready []*group
	for _, g := range groups {
		// All-or-nothing: the root and every dependency must qualify.
		if g.root == nil || g.qualifying != g.members {
			continue
		}
		ready = append(ready, g)
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].commitTime != ready[j].commitTime {
			return ready[i].commitTime > ready[j].commitTime
		}
		return ready[i].rootID < ready[j].rootID
	})

	var items []*models.QueueItem
	for _, g := range ready {
		sort.Slice(g.packages, func(i, j int) bool {
			if g.packages[i].Name != g.packages[j].Name {
				return g.packages[i].Name < g.packages[j].Name
			}
			return g.packages[i].ID < g.packages[j].ID
		})

		ordered := append(append([]*models.BuildCandidate{}, g.packages...), g.root)
		if opts.GroupLimit > 0 && len(ordered) > opts.GroupLimit {
			ordered = ordered[:opts.GroupLimit]
		}

		for order, cand := range ordered {
			items = append(items, &models.QueueItem{
				Derivation:     cand.Derivation,
				GroupID:        g.rootID,
				GroupOrder:     order,
				RootCommitTime: cand.RootCommitTime,
			})
		}
	}

	return items
}
