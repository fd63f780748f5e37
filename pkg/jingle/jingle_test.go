package jingle

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/gracetech-services/jicofo-sub000/pkg/conference/source"
)

func TestReasonRoundTrip(t *testing.T) {
	in := Reason{Condition: ReasonConnectivityError, Text: "bridge went away"}

	data, err := xml.Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), "<connectivity-error></connectivity-error>") {
		t.Fatalf("condition must be an empty child element, got %s", data)
	}

	var out Reason
	if err := xml.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestReasonWithoutText(t *testing.T) {
	var out Reason
	if err := xml.Unmarshal([]byte("<reason><gone/></reason>"), &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.Condition != ReasonGone || out.Text != "" {
		t.Fatalf("unexpected reason: %+v", out)
	}
}

func TestSessionTerminatePayload(t *testing.T) {
	payload := &Jingle{
		Action: ActionSessionTerminate,
		SID:    "abc",
		Reason: &Reason{Condition: ReasonSuccess},
		BridgeSession: &BridgeSession{
			ID: "bridge-session-1",
		},
	}

	data, err := xml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out Jingle
	if err := xml.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.Action != ActionSessionTerminate || out.SID != "abc" {
		t.Fatalf("header mismatch: %+v", out)
	}
	if out.Reason == nil || out.Reason.Condition != ReasonSuccess {
		t.Fatalf("reason mismatch: %+v", out.Reason)
	}
	if out.BridgeSession == nil || out.BridgeSession.ID != "bridge-session-1" {
		t.Fatalf("bridge session mismatch: %+v", out.BridgeSession)
	}
}

func TestContentsFromSourcesMergesOwnersPerMedia(t *testing.T) {
	sources := source.Sources{
		"alice": {
			Sources: []source.Source{
				{MediaType: source.MediaAudio, SSRC: 1, MSID: "a-audio"},
				{MediaType: source.MediaVideo, SSRC: 2, MSID: "a-video"},
			},
		},
		"bob": {
			Sources: []source.Source{
				{MediaType: source.MediaAudio, SSRC: 3, MSID: "b-audio"},
			},
			Groups: []source.Group{
				{Semantics: source.SemanticsFid, MediaType: source.MediaAudio, SSRCs: []uint32{3, 4}},
			},
		},
	}

	contents := ContentsFromSources(sources)
	if len(contents) != 2 {
		t.Fatalf("expected audio and video contents, got %d", len(contents))
	}

	var audio, video *Content
	for i := range contents {
		switch contents[i].Name {
		case "audio":
			audio = &contents[i]
		case "video":
			video = &contents[i]
		}
	}
	if audio == nil || video == nil {
		t.Fatalf("missing contents: %+v", contents)
	}
	if len(audio.Description.Sources) != 2 || len(audio.Description.Groups) != 1 {
		t.Fatalf("audio content mismatch: %+v", audio.Description)
	}
	if len(video.Description.Sources) != 1 {
		t.Fatalf("video content mismatch: %+v", video.Description)
	}

	// The owner rides along in the source name and the label survives as a
	// parameter.
	found := false
	for _, s := range audio.Description.Sources {
		if s.Name == "alice-audio" && s.MSID() == "a-audio" {
			found = true
		}
	}
	if !found {
		t.Fatalf("alice's audio source not rendered: %+v", audio.Description.Sources)
	}
}

func TestSourcesFromContentsRoundTrip(t *testing.T) {
	in := source.EndpointSources{
		Sources: []source.Source{
			{MediaType: source.MediaVideo, SSRC: 10, MSID: "cam", VideoType: "camera"},
			{MediaType: source.MediaVideo, SSRC: 11, MSID: "cam"},
		},
		Groups: []source.Group{
			{Semantics: source.SemanticsFid, MediaType: source.MediaVideo, SSRCs: []uint32{10, 11}},
		},
	}

	contents := ContentsFromSources(source.Sources{"alice": in})
	out := SourcesFromContents(contents)

	if len(out.Sources) != len(in.Sources) || len(out.Groups) != len(in.Groups) {
		t.Fatalf("shape mismatch: %s vs %s", out, in)
	}
	for _, want := range in.Sources {
		got, ok := out.Get(want.Key())
		if !ok || got.MSID != want.MSID || got.VideoType != want.VideoType {
			t.Fatalf("source %s lost attributes: %+v ok=%v", want, got, ok)
		}
	}
	if !out.HasGroup(in.Groups[0]) {
		t.Fatalf("group lost: %s", out)
	}
}
