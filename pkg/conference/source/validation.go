package source

import "fmt"

// Kind enumerates the ways a source-map mutation can be rejected.
type Kind int

const (
	InvalidSSRC Kind = iota
	SSRCAlreadyUsed
	MSIDConflict
	SSRCLimitExceeded
	GroupLimitExceeded
	GroupContainsUnknownSource
	InvalidFidGroup
	GroupMSIDMismatch
	RequiredParameterMissing
	SourceNotFound
	GroupNotFound
)

func (k Kind) String() string {
	switch k {
	case InvalidSSRC:
		return "invalid-ssrc"
	case SSRCAlreadyUsed:
		return "ssrc-already-used"
	case MSIDConflict:
		return "msid-conflict"
	case SSRCLimitExceeded:
		return "ssrc-limit-exceeded"
	case GroupLimitExceeded:
		return "ssrc-group-limit-exceeded"
	case GroupContainsUnknownSource:
		return "group-contains-unknown-source"
	case InvalidFidGroup:
		return "invalid-fid-group"
	case GroupMSIDMismatch:
		return "group-msid-mismatch"
	case RequiredParameterMissing:
		return "required-parameter-missing"
	case SourceNotFound:
		return "source-not-found"
	case GroupNotFound:
		return "group-not-found"
	}
	return "unknown"
}

// ValidationError is returned by ValidatingMap for a rejected mutation. The
// whole mutation is rejected; the map is left untouched.
type ValidationError struct {
	Kind   Kind
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func reject(kind Kind, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Limits caps how many sources and groups a single owner may advertise.
type Limits struct {
	MaxSourcesPerOwner int
	MaxGroupsPerOwner  int
}

// DefaultLimits mirror the conference defaults.
var DefaultLimits = Limits{MaxSourcesPerOwner: 20, MaxGroupsPerOwner: 20}

// ValidatingMap wraps the unchecked Sources mapping and enforces all
// cross-owner and per-owner invariants atomically per call. All mutations of
// one conference's map happen on the conference goroutine, so the type itself
// carries no locking.
type ValidatingMap struct {
	limits  Limits
	sources Sources
}

func NewValidatingMap(limits Limits) *ValidatingMap {
	if limits.MaxSourcesPerOwner <= 0 {
		limits.MaxSourcesPerOwner = DefaultLimits.MaxSourcesPerOwner
	}
	if limits.MaxGroupsPerOwner <= 0 {
		limits.MaxGroupsPerOwner = DefaultLimits.MaxGroupsPerOwner
	}
	return &ValidatingMap{limits: limits, sources: make(Sources)}
}

// Snapshot returns a deep copy of the current state.
func (v *ValidatingMap) Snapshot() Sources {
	return v.sources.Copy()
}

// Get returns a copy of the owner's current set.
func (v *ValidatingMap) Get(owner string) EndpointSources {
	return v.sources[owner].Copy()
}

// Owners returns the owner ids in sorted order.
func (v *ValidatingMap) Owners() []string {
	return v.sources.Owners()
}

// TryAdd validates the proposed set against the prospective combined state
// and commits it if every invariant holds. It returns the subset actually
// added: empty or duplicate groups are silently dropped rather than treated
// as errors.
func (v *ValidatingMap) TryAdd(owner string, proposed EndpointSources) (EndpointSources, error) {
	existing := v.sources[owner]

	accepted := EndpointSources{}
	seen := make(map[Key]bool)
	for _, s := range proposed.Sources {
		if s.SSRC == 0 {
			return EndpointSources{}, reject(InvalidSSRC, "ssrc 0 from %s", owner)
		}
		if !s.MediaType.Valid() {
			return EndpointSources{}, reject(RequiredParameterMissing, "media type missing for ssrc %d", s.SSRC)
		}
		if seen[s.Key()] {
			return EndpointSources{}, reject(SSRCAlreadyUsed, "ssrc %d appears twice in the request", s.SSRC)
		}
		seen[s.Key()] = true
		if byOwner, _, found := v.sources.FindSSRC(s.SSRC); found {
			return EndpointSources{}, reject(SSRCAlreadyUsed, "ssrc %d already advertised by %s", s.SSRC, byOwner)
		}
		accepted.Sources = append(accepted.Sources, s)
	}

	for _, g := range proposed.Groups {
		if g.IsEmpty() {
			continue
		}
		if existing.HasGroup(g) || accepted.HasGroup(g) {
			continue
		}
		accepted.Groups = append(accepted.Groups, g.Copy())
	}

	// Everything below is checked against the prospective combined state.
	combined := existing.Copy()
	combined.Sources = append(combined.Sources, accepted.Sources...)
	combined.Groups = append(combined.Groups, accepted.Groups...)

	if len(combined.Sources) > v.limits.MaxSourcesPerOwner {
		return EndpointSources{}, reject(SSRCLimitExceeded,
			"%s would have %d sources, limit %d", owner, len(combined.Sources), v.limits.MaxSourcesPerOwner)
	}
	if len(combined.Groups) > v.limits.MaxGroupsPerOwner {
		return EndpointSources{}, reject(GroupLimitExceeded,
			"%s would have %d groups, limit %d", owner, len(combined.Groups), v.limits.MaxGroupsPerOwner)
	}

	if err := validateGroups(combined); err != nil {
		return EndpointSources{}, err
	}
	if err := v.validateMSIDs(owner, combined); err != nil {
		return EndpointSources{}, err
	}

	if accepted.IsEmpty() {
		return accepted, nil
	}
	v.sources.Add(owner, accepted)
	return accepted, nil
}

// TryRemove removes the given sources and groups from the owner. Every
// referenced source and group must be present. Groups referencing a removed
// source are removed along with it; the returned set is what actually went
// away.
func (v *ValidatingMap) TryRemove(owner string, toRemove EndpointSources) (EndpointSources, error) {
	existing, ok := v.sources[owner]
	if !ok {
		return EndpointSources{}, reject(SourceNotFound, "no sources for %s", owner)
	}

	removed := EndpointSources{}
	removedKeys := make(map[Key]bool)
	for _, s := range toRemove.Sources {
		current, found := existing.Get(s.Key())
		if !found {
			return EndpointSources{}, reject(SourceNotFound, "%s does not advertise %s", owner, s)
		}
		removed.Sources = append(removed.Sources, current)
		removedKeys[current.Key()] = true
	}
	for _, g := range toRemove.Groups {
		if !existing.HasGroup(g) {
			return EndpointSources{}, reject(GroupNotFound, "%s does not advertise %s", owner, g)
		}
		removed.Groups = append(removed.Groups, g.Copy())
	}

	// Groups that reference a removed source are implicitly removed too.
	for _, g := range existing.Groups {
		if removed.HasGroup(g) {
			continue
		}
		for _, ssrc := range g.SSRCs {
			if removedKeys[Key{MediaType: g.MediaType, SSRC: ssrc}] {
				removed.Groups = append(removed.Groups, g.Copy())
				break
			}
		}
	}

	v.sources.Remove(owner, removed)
	return removed, nil
}

// validateGroups checks the per-set group invariants on the prospective set.
func validateGroups(set EndpointSources) error {
	for _, g := range set.Groups {
		if g.Semantics == SemanticsFid && len(g.SSRCs) != 2 {
			return reject(InvalidFidGroup, "%s must contain exactly two sources", g)
		}

		groupMSID := ""
		for i, ssrc := range g.SSRCs {
			member, found := set.Get(Key{MediaType: g.MediaType, SSRC: ssrc})
			if !found {
				return reject(GroupContainsUnknownSource, "%s references unknown ssrc %d", g, ssrc)
			}
			if member.MSID == "" {
				return reject(RequiredParameterMissing, "msid missing for ssrc %d in %s", ssrc, g)
			}
			if i == 0 {
				groupMSID = member.MSID
			} else if member.MSID != groupMSID {
				return reject(GroupMSIDMismatch, "%s mixes msid %q and %q", g, groupMSID, member.MSID)
			}
		}
	}
	return nil
}

// validateMSIDs checks stream-label uniqueness. A "stream" is the simulcast
// group a source belongs to, else the FID group containing it, else the
// source alone; distinct streams of one media type must not share a label,
// neither within the owner nor across owners.
func (v *ValidatingMap) validateMSIDs(owner string, combined EndpointSources) error {
	type labelKey struct {
		media MediaType
		msid  string
	}

	streams := streamsOf(combined)
	labels := make(map[labelKey]int)
	for streamID, stream := range streams {
		if stream.msid == "" {
			continue
		}
		k := labelKey{media: stream.media, msid: stream.msid}
		if prev, ok := labels[k]; ok && prev != streamID {
			return reject(MSIDConflict, "%s uses label %q for two %s streams", owner, stream.msid, stream.media)
		}
		labels[k] = streamID
	}

	// Cross-owner: no label may be claimed by two owners.
	for _, other := range v.sources.Owners() {
		if other == owner {
			continue
		}
		for _, s := range v.sources[other].Sources {
			if s.MSID == "" {
				continue
			}
			if _, ok := labels[labelKey{media: s.MediaType, msid: s.MSID}]; ok {
				return reject(MSIDConflict, "label %q already owned by %s", s.MSID, other)
			}
		}
	}
	return nil
}

type stream struct {
	media MediaType
	msid  string
}

// streamsOf partitions the set's sources into streams and returns one entry
// per stream, keyed by an arbitrary stable id.
func streamsOf(set EndpointSources) map[int]stream {
	assigned := make(map[Key]int)
	streams := make(map[int]stream)
	next := 0

	claim := func(media MediaType, ssrcs []uint32, msid string) {
		id := -1
		for _, ssrc := range ssrcs {
			if existing, ok := assigned[Key{MediaType: media, SSRC: ssrc}]; ok {
				id = existing
				break
			}
		}
		if id == -1 {
			id = next
			next++
			streams[id] = stream{media: media, msid: msid}
		}
		for _, ssrc := range ssrcs {
			assigned[Key{MediaType: media, SSRC: ssrc}] = id
		}
	}

	// Simulcast groups claim first, then FID groups merge into them, then
	// loose sources form streams of their own.
	for _, g := range set.Groups {
		if g.Semantics == SemanticsSim {
			claim(g.MediaType, g.SSRCs, msidOf(set, g))
		}
	}
	for _, g := range set.Groups {
		if g.Semantics != SemanticsSim {
			claim(g.MediaType, g.SSRCs, msidOf(set, g))
		}
	}
	for _, s := range set.Sources {
		if _, ok := assigned[s.Key()]; !ok {
			claim(s.MediaType, []uint32{s.SSRC}, s.MSID)
		}
	}
	return streams
}

func msidOf(set EndpointSources, g Group) string {
	for _, ssrc := range g.SSRCs {
		if s, ok := set.Get(Key{MediaType: g.MediaType, SSRC: ssrc}); ok && s.MSID != "" {
			return s.MSID
		}
	}
	return ""
}
