package normalize

import (
	"testing"

	"chatrelay/internal/feature"
)

func TestNormalizeHighestPriorityWins(t *testing.T) {
	raw := map[string]any{"reply": "second", "result": "first", "other": "x"}
	got := Normalize(feature.Chat, raw)
	if !got.OK || got.Value != "first" || got.Kind != feature.KindText {
		t.Fatalf("expected result field to win, got %+v", got)
	}
}

func TestNormalizeSkipsEmptyAndNonString(t *testing.T) {
	raw := map[string]any{"result": "  ", "image": 42, "imageUrl": "https://i.example/cat.png"}
	got := Normalize(feature.Ghibli, raw)
	if !got.OK || got.Value != "https://i.example/cat.png" {
		t.Fatalf("expected imageUrl fallback, got %+v", got)
	}
	if got.Kind != feature.KindImageURL {
		t.Fatalf("expected image kind, got %q", got.Kind)
	}
}

func TestNormalizeTotalOverMissingFields(t *testing.T) {
	for _, f := range feature.All() {
		for _, raw := range []map[string]any{nil, {}, {"unrelated": "x"}} {
			got := Normalize(f, raw)
			if got.OK {
				t.Fatalf("%s: expected default reply, got %+v", f, got)
			}
			if got.Value != f.Defaults().Empty {
				t.Fatalf("%s: expected %q, got %q", f, f.Defaults().Empty, got.Value)
			}
		}
	}
}

func TestNormalizeQuote(t *testing.T) {
	got := Normalize(feature.Quote, map[string]any{"quote": "Stay hungry"})
	want := Reply{Kind: feature.KindText, Value: "Stay hungry", OK: true}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRelayTable(t *testing.T) {
	tests := []struct {
		name string
		f    feature.Feature
		body string
		want Reply
	}{
		{"chat reply", feature.Chat, `{"reply":"hi"}`, Reply{feature.KindText, "hi", true}},
		{"advice", feature.Advice, `{"advice":"rest"}`, Reply{feature.KindText, "rest", true}},
		{"image url", feature.SD, `{"imageUrl":"https://x/y.png"}`, Reply{feature.KindImageURL, "https://x/y.png", true}},
		{"image error", feature.SD, `{"imageUrl":null,"error":"Image generation failed."}`, Reply{feature.KindText, "Image generation failed.", true}},
		{"vision", feature.Vision, `{"description":"a cat"}`, Reply{feature.KindText, "a cat", true}},
		{"motivation missing", feature.Motivation, `{}`, Reply{feature.KindText, "No motivation available.", false}},
		{"not json", feature.Remini, `oops`, Reply{feature.KindText, "Image processing failed.", false}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Relay.NormalizeBytes(tc.f, []byte(tc.body))
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}
