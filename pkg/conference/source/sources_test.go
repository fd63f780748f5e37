package source

import (
	"reflect"
	"testing"
)

func TestDiffRoundTrip(t *testing.T) {
	previous := Sources{
		"alice": {
			Sources: []Source{
				{MediaType: MediaAudio, SSRC: 1, MSID: "a"},
				{MediaType: MediaVideo, SSRC: 2, MSID: "av"},
			},
		},
		"bob": {
			Sources: []Source{{MediaType: MediaAudio, SSRC: 3, MSID: "b"}},
		},
	}
	current := Sources{
		"alice": {
			Sources: []Source{
				{MediaType: MediaAudio, SSRC: 1, MSID: "a"},
			},
		},
		"carol": {
			Sources: []Source{{MediaType: MediaVideo, SSRC: 4, MSID: "c"}},
		},
	}

	toAdd, toRemove := current.Diff(previous)

	// Applying toRemove then toAdd to the previous state must reproduce the
	// current one.
	reconstructed := previous.Copy()
	for owner, set := range toRemove {
		reconstructed.Remove(owner, set)
	}
	for owner, set := range toAdd {
		reconstructed.Add(owner, set)
	}

	if !reflect.DeepEqual(reconstructed, current) {
		t.Fatalf("diff round trip mismatch:\nwant %v\ngot  %v", current, reconstructed)
	}
}

func TestDiffOfEqualStatesIsEmpty(t *testing.T) {
	state := Sources{
		"alice": {Sources: []Source{{MediaType: MediaAudio, SSRC: 1, MSID: "a"}}},
	}
	toAdd, toRemove := state.Diff(state.Copy())
	if len(toAdd) != 0 || len(toRemove) != 0 {
		t.Fatalf("expected empty diff, got add=%v remove=%v", toAdd, toRemove)
	}
}

func TestStripByMediaType(t *testing.T) {
	m := Sources{
		"alice": {
			Sources: []Source{
				{MediaType: MediaAudio, SSRC: 1, MSID: "a"},
				{MediaType: MediaVideo, SSRC: 2, MSID: "v"},
			},
			Groups: []Group{
				{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{2, 3}},
			},
		},
		"bob": {
			Sources: []Source{{MediaType: MediaVideo, SSRC: 4, MSID: "b"}},
		},
	}

	audio := m.StripByMediaType(MediaAudio)
	if len(audio) != 1 {
		t.Fatalf("only alice has audio, got %v", audio.Owners())
	}
	set := audio["alice"]
	if len(set.Sources) != 1 || set.Sources[0].SSRC != 1 || len(set.Groups) != 0 {
		t.Fatalf("unexpected audio set: %s", set)
	}
}

func TestStripSimulcastKeepsPrimaryLayerAndItsRtx(t *testing.T) {
	set := EndpointSources{
		Sources: []Source{
			{MediaType: MediaVideo, SSRC: 101, MSID: "cam"},
			{MediaType: MediaVideo, SSRC: 102, MSID: "cam"},
			{MediaType: MediaVideo, SSRC: 103, MSID: "cam"},
			{MediaType: MediaVideo, SSRC: 201, MSID: "cam"},
			{MediaType: MediaVideo, SSRC: 202, MSID: "cam"},
			{MediaType: MediaVideo, SSRC: 203, MSID: "cam"},
		},
		Groups: []Group{
			{Semantics: SemanticsSim, MediaType: MediaVideo, SSRCs: []uint32{101, 102, 103}},
			{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{101, 201}},
			{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{102, 202}},
			{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{103, 203}},
		},
	}

	stripped := Sources{"alice": set}.StripSimulcast()["alice"]

	wantSSRCs := map[uint32]bool{101: true, 201: true}
	if len(stripped.Sources) != len(wantSSRCs) {
		t.Fatalf("expected %d sources, got %s", len(wantSSRCs), stripped)
	}
	for _, s := range stripped.Sources {
		if !wantSSRCs[s.SSRC] {
			t.Fatalf("ssrc %d should have been stripped", s.SSRC)
		}
	}

	// The SIM group is gone; only the primary layer's rtx pairing survives.
	if len(stripped.Groups) != 1 {
		t.Fatalf("expected 1 group, got %s", stripped)
	}
	g := stripped.Groups[0]
	if g.Semantics != SemanticsFid || !g.Contains(101) || !g.Contains(201) {
		t.Fatalf("unexpected surviving group %s", g)
	}
}

func TestGroupKeyIsOrderInsensitive(t *testing.T) {
	a := Group{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{1, 2}}
	b := Group{Semantics: SemanticsFid, MediaType: MediaVideo, SSRCs: []uint32{2, 1}}
	if a.Key() != b.Key() {
		t.Fatalf("group keys differ: %q vs %q", a.Key(), b.Key())
	}

	c := Group{Semantics: SemanticsSim, MediaType: MediaVideo, SSRCs: []uint32{1, 2}}
	if a.Key() == c.Key() {
		t.Fatal("groups with different semantics must not collide")
	}
}

func TestFindSSRCIsDeterministic(t *testing.T) {
	m := Sources{
		"alice": {Sources: []Source{{MediaType: MediaAudio, SSRC: 5, MSID: "a"}}},
	}
	owner, s, found := m.FindSSRC(5)
	if !found || owner != "alice" || s.SSRC != 5 {
		t.Fatalf("FindSSRC(5) = %q, %v, %v", owner, s, found)
	}
	if _, _, found := m.FindSSRC(6); found {
		t.Fatal("FindSSRC(6) should not match")
	}
}
