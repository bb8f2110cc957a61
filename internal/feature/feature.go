package feature

import (
	"fmt"
	"strings"
)

type Feature string

const (
	Chat       Feature = "chat"
	Quote      Feature = "quote"
	Motivation Feature = "motivation"
	Advice     Feature = "advice"
	Vision     Feature = "vision"
	RemoveBG   Feature = "removebg"
	Remini     Feature = "remini"

	Text2Img Feature = "text2img"
	FluxImg  Feature = "fluximg"
	SD       Feature = "sd"
	Ghibli   Feature = "ghibli"
	DeepImg  Feature = "deepimg"
)

// ImagePrefix addresses image styles as "image/<style>".
const ImagePrefix = "image/"

type Kind string

const (
	KindText     Kind = "text"
	KindImageURL Kind = "imageUrl"
)

var imageStyles = []Feature{Text2Img, FluxImg, SD, Ghibli, DeepImg}

var all = []Feature{Chat, Quote, Motivation, Advice, Vision, RemoveBG, Remini, Text2Img, FluxImg, SD, Ghibli, DeepImg}

// All returns every known feature in menu order.
func All() []Feature {
	out := make([]Feature, len(all))
	copy(out, all)
	return out
}

func ImageStyles() []Feature {
	out := make([]Feature, len(imageStyles))
	copy(out, imageStyles)
	return out
}

func (f Feature) IsImageStyle() bool {
	for _, s := range imageStyles {
		if f == s {
			return true
		}
	}
	return false
}

// TakesImage reports whether the feature's input is an image URL rather than a prompt.
func (f Feature) TakesImage() bool {
	return f == Vision || f == RemoveBG || f == Remini
}

func (f Feature) Known() bool {
	for _, k := range all {
		if f == k {
			return true
		}
	}
	return false
}

// Path is the relay route serving the feature.
func (f Feature) Path() string {
	if f.IsImageStyle() {
		return "/" + ImagePrefix + string(f)
	}
	return "/" + string(f)
}

func (f Feature) String() string {
	if f.IsImageStyle() {
		return ImagePrefix + string(f)
	}
	return string(f)
}

// Parse accepts bare names ("chat", "ghibli") and image paths ("image/ghibli").
// The returned feature is set even when unknown so callers can report it.
func Parse(name string) (Feature, error) {
	n := strings.ToLower(strings.TrimSpace(strings.Trim(name, "/")))
	if strings.HasPrefix(n, ImagePrefix) {
		style := Feature(strings.TrimPrefix(n, ImagePrefix))
		if !style.IsImageStyle() {
			return style, fmt.Errorf("unknown image style %q", style)
		}
		return style, nil
	}
	f := Feature(n)
	if !f.Known() {
		return f, fmt.Errorf("unknown feature %q", n)
	}
	return f, nil
}

type Defaults struct {
	// Unavailable is returned when every provider failed.
	Unavailable string
	// Empty is returned when a response carries none of the expected fields.
	Empty string
}

var defaults = map[Feature]Defaults{
	Chat:       {Unavailable: "Chat service unavailable.", Empty: "No reply received."},
	Quote:      {Unavailable: "Quote service unavailable.", Empty: "No quote available."},
	Motivation: {Unavailable: "Motivation service unavailable.", Empty: "No motivation available."},
	Advice:     {Unavailable: "Advice service unavailable.", Empty: "No advice available."},
	Vision:     {Unavailable: "Unable to describe image.", Empty: "No description returned."},
	RemoveBG:   {Unavailable: "Background removal failed.", Empty: "No image returned."},
	Remini:     {Unavailable: "Image enhancement failed.", Empty: "No image returned."},
}

var imageDefaults = Defaults{Unavailable: "Image generation failed.", Empty: "Image not returned."}

func (f Feature) Defaults() Defaults {
	if f.IsImageStyle() {
		return imageDefaults
	}
	if d, ok := defaults[f]; ok {
		return d
	}
	return Defaults{Unavailable: "Service unavailable.", Empty: "No result returned."}
}

