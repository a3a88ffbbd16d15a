// Package scene holds the structured-diagram document model and the
// normalizer that repairs AI-produced scene data into a shape the canvas
// renderer accepts.
package scene

import "encoding/json"

// Scene is the structured variant of a diagram document: drawable elements,
// canvas properties, and referenced file blobs.
type Scene struct {
	Elements []Element      `json:"elements"`
	AppState AppState       `json:"appState"`
	Files    map[string]any `json:"files"`
}

// Element is one drawable unit. Elements are value objects: edits replace
// the whole scene rather than mutating elements in place.
type Element struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	X               float64     `json:"x"`
	Y               float64     `json:"y"`
	Width           float64     `json:"width"`
	Height          float64     `json:"height"`
	Angle           float64     `json:"angle"`
	StrokeColor     string      `json:"strokeColor"`
	BackgroundColor string      `json:"backgroundColor"`
	FillStyle       string      `json:"fillStyle"`
	StrokeWidth     float64     `json:"strokeWidth"`
	Roughness       float64     `json:"roughness"`
	Opacity         float64     `json:"opacity"`
	StrokeStyle     string      `json:"strokeStyle"`
	Roundness       any         `json:"roundness"`
	Seed            float64     `json:"seed"`
	Version         float64     `json:"version"`
	VersionNonce    float64     `json:"versionNonce"`
	IsDeleted       bool        `json:"isDeleted"`
	GroupIDs        []any       `json:"groupIds"`
	FrameID         any         `json:"frameId"`
	BoundElements   []any       `json:"boundElements"`
	Text            string      `json:"text"`
	FontSize        float64     `json:"fontSize"`
	FontFamily      int         `json:"fontFamily"`
	TextAlign       string      `json:"textAlign"`
	VerticalAlign   string      `json:"verticalAlign"`
	Baseline        float64     `json:"baseline"`
	LineHeight      float64     `json:"lineHeight"`
	Link            any         `json:"link"`
	Locked          bool        `json:"locked"`
	Updated         float64     `json:"updated"`
	Points          [][]float64 `json:"points,omitempty"`
	StartBinding    any         `json:"startBinding"`
	EndBinding      any         `json:"endBinding"`
}

// AppState is the whitelisted set of canvas properties the renderer is
// allowed to see. Anything not listed here (live object references such as
// a collaborator-presence map, for one) is dropped during normalization
// rather than passed through.
type AppState struct {
	ViewBackgroundColor        string  `json:"viewBackgroundColor"`
	CurrentItemStrokeColor     string  `json:"currentItemStrokeColor"`
	CurrentItemBackgroundColor string  `json:"currentItemBackgroundColor"`
	CurrentItemFillStyle       string  `json:"currentItemFillStyle"`
	CurrentItemStrokeWidth     float64 `json:"currentItemStrokeWidth"`
	CurrentItemRoughness       float64 `json:"currentItemRoughness"`
	CurrentItemOpacity         float64 `json:"currentItemOpacity"`
	CurrentItemFontFamily      int     `json:"currentItemFontFamily"`
	CurrentItemFontSize        float64 `json:"currentItemFontSize"`
	CurrentItemTextAlign       string  `json:"currentItemTextAlign"`
	CurrentItemStrokeStyle     string  `json:"currentItemStrokeStyle"`
	CurrentItemRoundness       any     `json:"currentItemRoundness"`
	GridSize                   any     `json:"gridSize"`
	Theme                      string  `json:"theme"`
	ScrollX                    float64 `json:"scrollX"`
	ScrollY                    float64 `json:"scrollY"`
	Zoom                       Zoom    `json:"zoom"`
}

// Zoom wraps the canvas zoom factor.
type Zoom struct {
	Value float64 `json:"value"`
}

// Serialize renders the scene as indented JSON, the form stored in the
// session document and shown in the manual-edit text box.
func (s Scene) Serialize() string {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return `{"elements": [], "appState": {}, "files": {}}`
	}
	return string(data)
}
