package source

import (
	"errors"
	"testing"
)

func mustAdd(t *testing.T, v *ValidatingMap, owner string, set EndpointSources) EndpointSources {
	t.Helper()
	accepted, err := v.TryAdd(owner, set)
	if err != nil {
		t.Fatalf("TryAdd(%s, %s) failed: %v", owner, set, err)
	}
	return accepted
}

func expectRejection(t *testing.T, err error, kind Kind) {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a validation error, got %v", err)
	}
	if verr.Kind != kind {
		t.Fatalf("expected %s, got %s (%s)", kind, verr.Kind, verr.Detail)
	}
}

func simulcastSet(msid string) EndpointSources {
	return EndpointSources{
		Sources: []Source{
			{MediaType: MediaVideo, SSRC: 101, MSID: msid},
			{MediaType: MediaVideo, SSRC: 102, MSID: msid},
			{MediaType: MediaVideo, SSRC: 103, MSID: msid},
			{MediaType: MediaVideo, SSRC: 201, MSID: msid},
			{MediaType: MediaVideo, SSRC: 202, MSID: msid},
			{MediaType: MediaVideo, SSRC: 203, MSID: msid},
		},
		Groups: []Group{
			{Semantics: SemanticsSim, MediaType: MediaVideo, SSRCs: []uint32{101, 102, 103}},
			{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{101, 201}},
			{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{102, 202}},
			{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{103, 203}},
		},
	}
}

func TestTryAddRejectsZeroSSRC(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	_, err := v.TryAdd("alice", EndpointSources{
		Sources: []Source{{MediaType: MediaAudio, SSRC: 0}},
	})
	expectRejection(t, err, InvalidSSRC)
	if len(v.Owners()) != 0 {
		t.Fatal("rejected mutation must not commit anything")
	}
}

func TestTryAddRejectsMissingMediaType(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	_, err := v.TryAdd("alice", EndpointSources{
		Sources: []Source{{SSRC: 1}},
	})
	expectRejection(t, err, RequiredParameterMissing)
}

func TestTryAddRejectsCrossOwnerSSRC(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	mustAdd(t, v, "alice", EndpointSources{
		Sources: []Source{{MediaType: MediaAudio, SSRC: 42, MSID: "a"}},
	})

	_, err := v.TryAdd("bob", EndpointSources{
		Sources: []Source{{MediaType: MediaAudio, SSRC: 42, MSID: "b"}},
	})
	expectRejection(t, err, SSRCAlreadyUsed)

	// Bob must be untouched, Alice must still own the source.
	if owner, _, found := v.Snapshot().FindSSRC(42); !found || owner != "alice" {
		t.Fatalf("ssrc 42 should still belong to alice, got %q found=%v", owner, found)
	}
	if !v.Get("bob").IsEmpty() {
		t.Fatal("bob must have no sources after the rejection")
	}
}

func TestTryAddRejectsDuplicateWithinRequest(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	_, err := v.TryAdd("alice", EndpointSources{
		Sources: []Source{
			{MediaType: MediaAudio, SSRC: 7, MSID: "a"},
			{MediaType: MediaAudio, SSRC: 7, MSID: "a"},
		},
	})
	expectRejection(t, err, SSRCAlreadyUsed)
}

func TestTryAddRejectsMSIDConflictAcrossOwners(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	mustAdd(t, v, "alice", EndpointSources{
		Sources: []Source{{MediaType: MediaVideo, SSRC: 1, MSID: "stream"}},
	})

	_, err := v.TryAdd("bob", EndpointSources{
		Sources: []Source{{MediaType: MediaVideo, SSRC: 2, MSID: "stream"}},
	})
	expectRejection(t, err, MSIDConflict)
}

func TestTryAddAllowsSharedMSIDWithinStream(t *testing.T) {
	// All layers and rtx pairs of one simulcast stream share the label;
	// that must not be flagged as a conflict.
	v := NewValidatingMap(DefaultLimits)
	mustAdd(t, v, "alice", simulcastSet("cam"))
}

func TestTryAddRejectsMSIDConflictBetweenStreams(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	_, err := v.TryAdd("alice", EndpointSources{
		Sources: []Source{
			{MediaType: MediaVideo, SSRC: 1, MSID: "cam"},
			{MediaType: MediaVideo, SSRC: 2, MSID: "cam"},
		},
	})
	expectRejection(t, err, MSIDConflict)
}

func TestTryAddEnforcesSourceLimit(t *testing.T) {
	v := NewValidatingMap(Limits{MaxSourcesPerOwner: 2, MaxGroupsPerOwner: 2})
	mustAdd(t, v, "alice", EndpointSources{
		Sources: []Source{
			{MediaType: MediaAudio, SSRC: 1, MSID: "a1"},
			{MediaType: MediaAudio, SSRC: 2, MSID: "a2"},
		},
	})

	_, err := v.TryAdd("alice", EndpointSources{
		Sources: []Source{{MediaType: MediaAudio, SSRC: 3, MSID: "a3"}},
	})
	expectRejection(t, err, SSRCLimitExceeded)
}

func TestTryAddRejectsFidGroupOfWrongSize(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	_, err := v.TryAdd("alice", EndpointSources{
		Sources: []Source{
			{MediaType: MediaVideo, SSRC: 1, MSID: "v"},
			{MediaType: MediaVideo, SSRC: 2, MSID: "v"},
			{MediaType: MediaVideo, SSRC: 3, MSID: "v"},
		},
		Groups: []Group{
			{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{1, 2, 3}},
		},
	})
	expectRejection(t, err, InvalidFidGroup)
}

func TestTryAddRejectsGroupWithUnknownMember(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	_, err := v.TryAdd("alice", EndpointSources{
		Sources: []Source{{MediaType: MediaVideo, SSRC: 1, MSID: "v"}},
		Groups: []Group{
			{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{1, 999}},
		},
	})
	expectRejection(t, err, GroupContainsUnknownSource)
}

func TestTryAddRejectsGroupMemberWithoutMSID(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	_, err := v.TryAdd("alice", EndpointSources{
		Sources: []Source{
			{MediaType: MediaVideo, SSRC: 1, MSID: "v"},
			{MediaType: MediaVideo, SSRC: 2},
		},
		Groups: []Group{
			{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{1, 2}},
		},
	})
	expectRejection(t, err, RequiredParameterMissing)
}

func TestTryAddRejectsGroupMixingMSIDs(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	_, err := v.TryAdd("alice", EndpointSources{
		Sources: []Source{
			{MediaType: MediaVideo, SSRC: 1, MSID: "one"},
			{MediaType: MediaVideo, SSRC: 2, MSID: "two"},
		},
		Groups: []Group{
			{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{1, 2}},
		},
	})
	expectRejection(t, err, GroupMSIDMismatch)
}

func TestTryAddDropsDuplicateGroupsSilently(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	set := EndpointSources{
		Sources: []Source{
			{MediaType: MediaVideo, SSRC: 1, MSID: "v"},
			{MediaType: MediaVideo, SSRC: 2, MSID: "v"},
		},
		Groups: []Group{
			{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{1, 2}},
		},
	}
	mustAdd(t, v, "alice", set)

	// Re-advertising the same group with the members in a different order is
	// not an error; it is simply not added again.
	accepted, err := v.TryAdd("alice", EndpointSources{
		Groups: []Group{
			{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{2, 1}},
		},
	})
	if err != nil {
		t.Fatalf("duplicate group should be dropped, not rejected: %v", err)
	}
	if !accepted.IsEmpty() {
		t.Fatalf("nothing should be accepted, got %s", accepted)
	}
	if got := len(v.Get("alice").Groups); got != 1 {
		t.Fatalf("expected 1 group, got %d", got)
	}
}

func TestTryRemoveUnknownSource(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	mustAdd(t, v, "alice", EndpointSources{
		Sources: []Source{{MediaType: MediaAudio, SSRC: 1, MSID: "a"}},
	})

	_, err := v.TryRemove("alice", EndpointSources{
		Sources: []Source{{MediaType: MediaAudio, SSRC: 2}},
	})
	expectRejection(t, err, SourceNotFound)
}

func TestTryRemoveUnknownOwner(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	_, err := v.TryRemove("ghost", EndpointSources{
		Sources: []Source{{MediaType: MediaAudio, SSRC: 1}},
	})
	expectRejection(t, err, SourceNotFound)
}

func TestTryRemoveDropsOrphanedGroups(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	mustAdd(t, v, "alice", EndpointSources{
		Sources: []Source{
			{MediaType: MediaVideo, SSRC: 1, MSID: "v"},
			{MediaType: MediaVideo, SSRC: 2, MSID: "v"},
		},
		Groups: []Group{
			{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{1, 2}},
		},
	})

	removed, err := v.TryRemove("alice", EndpointSources{
		Sources: []Source{{MediaType: MediaVideo, SSRC: 2}},
	})
	if err != nil {
		t.Fatalf("TryRemove failed: %v", err)
	}
	if len(removed.Groups) != 1 {
		t.Fatalf("the group referencing ssrc 2 must go with it, removed=%s", removed)
	}
	if v.Get("alice").HasGroup(Group{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{1, 2}}) {
		t.Fatal("orphaned group still present")
	}
}

func TestTryRemoveLastSourceDropsOwner(t *testing.T) {
	v := NewValidatingMap(DefaultLimits)
	mustAdd(t, v, "alice", EndpointSources{
		Sources: []Source{{MediaType: MediaAudio, SSRC: 1, MSID: "a"}},
	})

	if _, err := v.TryRemove("alice", EndpointSources{
		Sources: []Source{{MediaType: MediaAudio, SSRC: 1}},
	}); err != nil {
		t.Fatalf("TryRemove failed: %v", err)
	}
	if len(v.Owners()) != 0 {
		t.Fatalf("owner with no sources must disappear, owners=%v", v.Owners())
	}

	// A freed SSRC may be claimed by someone else.
	mustAdd(t, v, "bob", EndpointSources{
		Sources: []Source{{MediaType: MediaAudio, SSRC: 1, MSID: "b"}},
	})
}
