package bridge

import (
	"golang.org/x/exp/slices"
)

// Constraints narrow the candidate set for one selection.
type Constraints struct {
	// Version pin; empty means any version.
	Version string
	// ParticipantRegion is preferred when a usable bridge exists there.
	ParticipantRegion string
	// InUse are the addresses of bridges this conference already uses.
	InUse map[string]bool
	// Excluded are addresses that failed for this conference and must not
	// be retried within the current allocation.
	Excluded map[string]bool
	// ForRelay marks selection of an additional bridge for a relay mesh.
	ForRelay bool
}

// SelectionPolicy is one step of the selection chain. It narrows or reorders
// the candidate list; the selector takes the head of the final list.
type SelectionPolicy interface {
	Name() string
	Apply(candidates []Bridge, c Constraints) []Bridge
}

// Selector picks a bridge for a participant by running the policy chain over
// a catalog snapshot. The snapshot is sorted by address, and every policy is
// order-preserving, so ties break deterministically.
type Selector struct {
	catalog  *Catalog
	policies []SelectionPolicy
}

func NewSelector(catalog *Catalog, policies ...SelectionPolicy) *Selector {
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	return &Selector{catalog: catalog, policies: policies}
}

// DefaultPolicies is the standard chain: drop unusable bridges, honor the
// version pin, prefer the participant's region, prefer already-used bridges
// when splitting is not required, then order by stress.
func DefaultPolicies() []SelectionPolicy {
	return []SelectionPolicy{
		usablePolicy{},
		versionPinPolicy{},
		regionPolicy{},
		reusePolicy{},
		stressPolicy{},
	}
}

// Select returns the chosen bridge, or false when no candidate survives the
// chain.
func (s *Selector) Select(c Constraints) (Bridge, bool) {
	candidates := s.catalog.Snapshot()
	for _, p := range s.policies {
		candidates = p.Apply(candidates, c)
		if len(candidates) == 0 {
			return Bridge{}, false
		}
	}
	return candidates[0], true
}

type usablePolicy struct{}

func (usablePolicy) Name() string { return "usable" }

func (usablePolicy) Apply(candidates []Bridge, c Constraints) []Bridge {
	var out []Bridge
	for _, b := range candidates {
		if b.Usable() && !c.Excluded[b.JID.String()] {
			out = append(out, b)
		}
	}
	return out
}

type versionPinPolicy struct{}

func (versionPinPolicy) Name() string { return "version-pin" }

func (versionPinPolicy) Apply(candidates []Bridge, c Constraints) []Bridge {
	if c.Version == "" {
		return candidates
	}
	var out []Bridge
	for _, b := range candidates {
		if b.Version == c.Version {
			out = append(out, b)
		}
	}
	return out
}

type regionPolicy struct{}

func (regionPolicy) Name() string { return "region" }

func (regionPolicy) Apply(candidates []Bridge, c Constraints) []Bridge {
	if c.ParticipantRegion == "" {
		return candidates
	}
	var inRegion []Bridge
	for _, b := range candidates {
		if b.Region == c.ParticipantRegion {
			inRegion = append(inRegion, b)
		}
	}
	if len(inRegion) == 0 {
		return candidates
	}
	return inRegion
}

// reusePolicy keeps a conference on its existing bridges when one of them is
// still a candidate, unless the selection is explicitly for an additional
// relay bridge.
type reusePolicy struct{}

func (reusePolicy) Name() string { return "reuse" }

func (reusePolicy) Apply(candidates []Bridge, c Constraints) []Bridge {
	if c.ForRelay || len(c.InUse) == 0 {
		return candidates
	}
	var inUse []Bridge
	for _, b := range candidates {
		if c.InUse[b.JID.String()] {
			inUse = append(inUse, b)
		}
	}
	if len(inUse) == 0 {
		return candidates
	}
	return inUse
}

// stressPolicy orders candidates by advertised stress, lowest first. Bridges
// with unknown stress sort last. The sort is stable over the address-sorted
// input, which is what makes the final tie-break deterministic.
type stressPolicy struct{}

func (stressPolicy) Name() string { return "stress" }

func (stressPolicy) Apply(candidates []Bridge, c Constraints) []Bridge {
	out := make([]Bridge, len(candidates))
	copy(out, candidates)
	slices.SortStableFunc(out, func(a, b Bridge) bool {
		return effectiveStress(a) < effectiveStress(b)
	})
	return out
}

func effectiveStress(b Bridge) float64 {
	if b.Stress == StressUnknown {
		return 2.0
	}
	return b.Stress
}

func sortByAddress(bridges []Bridge) {
	slices.SortFunc(bridges, func(a, b Bridge) bool {
		return a.JID.String() < b.JID.String()
	})
}
