package source

import (
	"sort"

	"golang.org/x/exp/maps"
)

// Sources is the unchecked owner → endpoint-source-set mapping. It supports
// add, remove, diff and pure transformations, but enforces no invariants:
// that is the job of the ValidatingMap wrapping it.
type Sources map[string]EndpointSources

// Copy returns a deep copy of the mapping.
func (m Sources) Copy() Sources {
	out := make(Sources, len(m))
	for owner, set := range m {
		out[owner] = set.Copy()
	}
	return out
}

// Owners returns the owner ids in sorted order, for reproducible iteration.
func (m Sources) Owners() []string {
	owners := maps.Keys(m)
	sort.Strings(owners)
	return owners
}

// Add merges the set into the owner's entry without any checking.
func (m Sources) Add(owner string, set EndpointSources) {
	current := m[owner]
	current.Sources = append(current.Sources, set.Sources...)
	for _, g := range set.Groups {
		current.Groups = append(current.Groups, g.Copy())
	}
	m[owner] = current
}

// Remove deletes the given sources and groups from the owner's entry.
// Unknown entries are ignored; ValidatingMap rejects them beforehand.
func (m Sources) Remove(owner string, set EndpointSources) {
	current, ok := m[owner]
	if !ok {
		return
	}

	removedKeys := make(map[Key]bool, len(set.Sources))
	for _, s := range set.Sources {
		removedKeys[s.Key()] = true
	}
	removedGroups := make(map[string]bool, len(set.Groups))
	for _, g := range set.Groups {
		removedGroups[g.Key()] = true
	}

	var sources []Source
	for _, s := range current.Sources {
		if !removedKeys[s.Key()] {
			sources = append(sources, s)
		}
	}

	var groups []Group
	for _, g := range current.Groups {
		if removedGroups[g.Key()] {
			continue
		}
		// Groups referencing a removed source go away with it.
		orphaned := false
		for _, ssrc := range g.SSRCs {
			if removedKeys[Key{MediaType: g.MediaType, SSRC: ssrc}] {
				orphaned = true
				break
			}
		}
		if !orphaned {
			groups = append(groups, g)
		}
	}

	if len(sources) == 0 && len(groups) == 0 {
		delete(m, owner)
		return
	}
	m[owner] = EndpointSources{Sources: sources, Groups: groups}
}

// FindSSRC returns the owner and source for the identifier, if any owner
// advertises it for any media type.
func (m Sources) FindSSRC(ssrc uint32) (string, Source, bool) {
	for _, owner := range m.Owners() {
		for _, s := range m[owner].Sources {
			if s.SSRC == ssrc {
				return owner, s, true
			}
		}
	}
	return "", Source{}, false
}

// Diff computes the incremental changes from previous to m. Applying
// toRemove and then toAdd to previous yields m.
func (m Sources) Diff(previous Sources) (toAdd, toRemove Sources) {
	toAdd = make(Sources)
	toRemove = make(Sources)

	for owner, current := range m {
		prev := previous[owner]
		if added := subtract(current, prev); !added.IsEmpty() {
			toAdd[owner] = added
		}
	}
	for owner, prev := range previous {
		current := m[owner]
		if removed := subtract(prev, current); !removed.IsEmpty() {
			toRemove[owner] = removed
		}
	}
	return toAdd, toRemove
}

// subtract returns the sources and groups of a that are not in b.
func subtract(a, b EndpointSources) EndpointSources {
	var out EndpointSources
	for _, s := range a.Sources {
		if _, found := b.Get(s.Key()); !found {
			out.Sources = append(out.Sources, s)
		}
	}
	for _, g := range a.Groups {
		if !b.HasGroup(g) {
			out.Groups = append(out.Groups, g.Copy())
		}
	}
	return out
}

// StripByMediaType returns a copy retaining only sources and groups of the
// given media type.
func (m Sources) StripByMediaType(keep MediaType) Sources {
	out := make(Sources, len(m))
	for owner, set := range m {
		var stripped EndpointSources
		for _, s := range set.Sources {
			if s.MediaType == keep {
				stripped.Sources = append(stripped.Sources, s)
			}
		}
		for _, g := range set.Groups {
			if g.MediaType == keep {
				stripped.Groups = append(stripped.Groups, g.Copy())
			}
		}
		if !stripped.IsEmpty() {
			out[owner] = stripped
		}
	}
	return out
}

// StripSimulcast returns a copy in which each simulcast group is reduced to
// its primary layer. Secondary layers, their retransmission sources and all
// grouping information tied to the dropped layers are removed; the
// retransmission pair of the primary layer survives.
func (m Sources) StripSimulcast() Sources {
	out := make(Sources, len(m))
	for owner, set := range m {
		out[owner] = stripSimulcast(set)
	}
	return out
}

func stripSimulcast(set EndpointSources) EndpointSources {
	// Collect the SSRCs that must go: every non-primary simulcast layer and
	// the retransmission source paired with it.
	dropped := make(map[uint32]bool)
	for _, g := range set.Groups {
		if g.Semantics != SemanticsSim {
			continue
		}
		for i, ssrc := range g.SSRCs {
			if i == 0 {
				continue
			}
			dropped[ssrc] = true
			for _, fid := range set.Groups {
				if fid.Semantics == SemanticsFid && fid.MediaType == g.MediaType && fid.Contains(ssrc) {
					for _, rtx := range fid.SSRCs {
						if rtx != ssrc {
							dropped[rtx] = true
						}
					}
				}
			}
		}
	}

	var out EndpointSources
	for _, s := range set.Sources {
		if !dropped[s.SSRC] {
			out.Sources = append(out.Sources, s)
		}
	}
	for _, g := range set.Groups {
		if g.Semantics == SemanticsSim {
			continue
		}
		keep := true
		for _, ssrc := range g.SSRCs {
			if dropped[ssrc] {
				keep = false
				break
			}
		}
		if keep {
			out.Groups = append(out.Groups, g.Copy())
		}
	}
	return out
}
