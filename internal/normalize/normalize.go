// Package normalize turns heterogeneous JSON objects into one canonical reply by
// probing a declared, ordered list of candidate fields per feature.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"chatrelay/internal/feature"
)

// Reply is the canonical value shown to the user. OK is false when Value is a
// default placeholder rather than something a response carried.
type Reply struct {
	Kind  feature.Kind `json:"kind"`
	Value string       `json:"value"`
	OK    bool         `json:"ok"`
}

type Candidate struct {
	Key  string
	Kind feature.Kind
}

func text(key string) Candidate  { return Candidate{Key: key, Kind: feature.KindText} }
func image(key string) Candidate { return Candidate{Key: key, Kind: feature.KindImageURL} }

type Table struct {
	candidates map[feature.Feature][]Candidate
	fallback   func(feature.Feature) string
}

// Upstream probes provider responses.
var Upstream = Table{
	candidates: map[feature.Feature][]Candidate{
		feature.Chat:       {text("result"), text("reply")},
		feature.Quote:      {text("result"), text("quote")},
		feature.Motivation: {text("result"), text("motivation")},
		feature.Advice:     {text("result"), text("advice")},
		feature.Vision:     {text("result"), text("description")},
		feature.RemoveBG:   {image("result"), image("image"), image("imageUrl"), image("url")},
		feature.Remini:     {image("result"), image("image"), image("imageUrl"), image("url")},
	},
	fallback: func(f feature.Feature) string { return f.Defaults().Empty },
}

// Relay probes this server's own responses as read by the chat client.
var Relay = Table{
	candidates: map[feature.Feature][]Candidate{
		feature.Chat:       {text("result"), text("reply")},
		feature.Quote:      {text("result"), text("quote")},
		feature.Motivation: {text("result"), text("motivation")},
		feature.Advice:     {text("result"), text("advice")},
		feature.Vision:     {text("result"), text("description"), image("imageUrl")},
		feature.RemoveBG:   {text("result"), text("description"), image("imageUrl"), text("error")},
		feature.Remini:     {text("result"), text("description"), image("imageUrl"), text("error")},
	},
	fallback: relayFallback,
}

func init() {
	for _, s := range feature.ImageStyles() {
		Upstream.candidates[s] = []Candidate{image("result"), image("image"), image("imageUrl"), image("url")}
		Relay.candidates[s] = []Candidate{image("result"), image("image"), image("imageUrl"), text("error")}
	}
}

func relayFallback(f feature.Feature) string {
	switch {
	case f == feature.Chat:
		return "No reply received."
	case f == feature.Quote, f == feature.Motivation, f == feature.Advice:
		return fmt.Sprintf("No %s available.", f)
	case f.TakesImage():
		return "Image processing failed."
	default:
		return "Image generation failed."
	}
}

// Normalize returns the first candidate field of raw that holds a non-empty
// string. It never fails; absence degrades to the feature's default.
func (t Table) Normalize(f feature.Feature, raw map[string]any) Reply {
	for _, c := range t.candidates[f] {
		v, ok := raw[c.Key].(string)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		return Reply{Kind: c.Kind, Value: v, OK: true}
	}
	return Reply{Kind: feature.KindText, Value: t.fallback(f), OK: false}
}

// NormalizeBytes decodes body as a JSON object first. Bodies that are not JSON
// objects normalize to the default.
func (t Table) NormalizeBytes(f feature.Feature, body []byte) Reply {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		raw = nil
	}
	return t.Normalize(f, raw)
}

// Normalize applies the Upstream table.
func Normalize(f feature.Feature, raw map[string]any) Reply {
	return Upstream.Normalize(f, raw)
}
