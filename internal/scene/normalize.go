package scene

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"
	"unicode/utf8"
)

const (
	defaultWidth     = 120.0
	defaultHeight    = 60.0
	defaultFontSize  = 20.0
	defaultLineH     = 1.25
	labelPadding     = 8.0
	minLabelWidth    = 40.0
	minLabelHeight   = 20.0
	minLinearSegment = 40.0
)

var linearTypes = map[string]bool{
	"line":     true,
	"arrow":    true,
	"freedraw": true,
	"draw":     true,
}

var allowedTextAligns = map[string]bool{
	"left": true, "right": true, "center": true, "start": true, "end": true,
}

// ParseScene decodes manual-edit JSON and normalizes it. Unlike Normalize,
// the parse step can fail: a user typing invalid JSON into the text box gets
// the error back and nothing is applied.
func ParseScene(text string) (Scene, error) {
	var raw any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return Scene{}, fmt.Errorf("parse scene: %w", err)
	}
	return Normalize(raw), nil
}

// Normalize repairs an arbitrary scene-like value into a structurally valid
// Scene. It is total: nil, garbage, and partially-formed inputs all produce
// a renderable scene. Every field is defaulted independently because
// AI-generated scenes are routinely well-formed in some fields and broken in
// others (missing seeds, named colors, truncated point lists).
func Normalize(raw any) Scene {
	parsed, _ := raw.(map[string]any)

	rawElements, _ := parsed["elements"].([]any)
	existingIDs := make(map[string]bool, len(rawElements))
	for _, item := range rawElements {
		if m, ok := item.(map[string]any); ok {
			if id, ok := m["id"].(string); ok && id != "" {
				existingIDs[id] = true
			}
		}
	}

	now := float64(time.Now().UnixMilli())
	elements := make([]Element, 0, len(rawElements))
	for idx, item := range rawElements {
		el, _ := item.(map[string]any)
		base := normalizeElement(el, idx, now)
		elements = append(elements, base)

		// Shapes do not draw their own label: text carried by a non-text
		// element needs a sibling text element at the shape's center. Skip
		// when the input already carries the label, so normalizing a
		// normalized scene is a no-op.
		if base.Type != "text" && base.Text != "" && !existingIDs[base.ID+"-label"] {
			elements = append(elements, synthesizeLabel(base, now))
		}
	}

	appStateRaw, _ := parsed["appState"].(map[string]any)
	files, ok := parsed["files"].(map[string]any)
	if !ok {
		files = map[string]any{}
	}

	return Scene{
		Elements: elements,
		AppState: normalizeAppState(appStateRaw),
		Files:    files,
	}
}

func normalizeElement(el map[string]any, idx int, now float64) Element {
	elType := stringOr(el["type"], "rectangle")
	isLinear := linearTypes[elType]

	width := finiteOr(el["width"], defaultWidth)
	if finite(el["width"]) {
		width = math.Max(width, 1)
	}
	height := finiteOr(el["height"], defaultHeight)
	if finite(el["height"]) {
		height = math.Max(height, 1)
	}

	var points [][]float64
	if isLinear {
		points = coercePoints(el["points"])
		if len(points) < 2 {
			w := minLinearSegment
			if finite(el["width"]) {
				w = math.Max(finiteOr(el["width"], w), minLinearSegment)
			} else {
				w = 100
			}
			points = [][]float64{{0, 0}, {w, 0}}
		}
	}

	id := stringOr(el["id"], "")
	if id == "" {
		id = fmt.Sprintf("el-%d-%d", idx, int64(now))
	}

	base := Element{
		ID:              id,
		Type:            elType,
		X:               finiteOr(el["x"], float64(idx*60)),
		Y:               finiteOr(el["y"], float64(idx*40)),
		Width:           width,
		Height:          height,
		Angle:           finiteOr(el["angle"], 0),
		StrokeColor:     safeColor(el["strokeColor"], "#1e1e1e"),
		BackgroundColor: safeColor(el["backgroundColor"], "transparent"),
		FillStyle:       stringOr(el["fillStyle"], "solid"),
		StrokeWidth:     finiteOr(el["strokeWidth"], 2),
		Roughness:       finiteOr(el["roughness"], 0),
		Opacity:         finiteOr(el["opacity"], 100),
		StrokeStyle:     stringOr(el["strokeStyle"], "solid"),
		Roundness:       el["roundness"],
		Seed:            finiteOr(el["seed"], float64(rand.Int31())),
		Version:         finiteOr(el["version"], 1),
		VersionNonce:    finiteOr(el["versionNonce"], float64(rand.Int31())),
		IsDeleted:       boolOr(el["isDeleted"]),
		GroupIDs:        sliceOr(el["groupIds"]),
		FrameID:         el["frameId"],
		BoundElements:   sliceOr(el["boundElements"]),
		Text:            stringOr(el["text"], ""),
		FontSize:        finiteOr(el["fontSize"], defaultFontSize),
		FontFamily:      clampFontFamily(el["fontFamily"]),
		TextAlign:       stringOr(el["textAlign"], "center"),
		VerticalAlign:   stringOr(el["verticalAlign"], "middle"),
		Baseline:        finiteOr(el["baseline"], 0),
		LineHeight:      finiteOr(el["lineHeight"], defaultLineH),
		Link:            stringValueOrNil(el["link"]),
		Locked:          boolOr(el["locked"]),
		Updated:         finiteOr(el["updated"], now),
		Points:          points,
	}
	if isLinear {
		base.StartBinding = el["startBinding"]
		base.EndBinding = el["endBinding"]
	}
	return base
}

// synthesizeLabel builds the sibling text element for a shape carrying
// inline text, sized from a glyph-width estimate and centered on the host.
func synthesizeLabel(host Element, now float64) Element {
	chars := float64(utf8.RuneCountInString(host.Text))
	estWidth := math.Max(chars*host.FontSize*0.6+labelPadding*2, minLabelWidth)
	estHeight := math.Max(host.FontSize*1.4, minLabelHeight)
	cx := host.X + host.Width/2
	cy := host.Y + host.Height/2
	return Element{
		ID:              host.ID + "-label",
		Type:            "text",
		X:               cx - estWidth/2,
		Y:               cy - estHeight/2,
		Width:           estWidth,
		Height:          estHeight,
		StrokeColor:     "#000000",
		BackgroundColor: "transparent",
		FillStyle:       "solid",
		StrokeWidth:     1,
		Roughness:       0,
		Opacity:         100,
		StrokeStyle:     "solid",
		Seed:            float64(rand.Int31()),
		Version:         1,
		VersionNonce:    float64(rand.Int31()),
		GroupIDs:        []any{},
		BoundElements:   []any{},
		Text:            host.Text,
		FontSize:        host.FontSize,
		FontFamily:      host.FontFamily,
		TextAlign:       "center",
		VerticalAlign:   "middle",
		Baseline:        math.Round(host.FontSize),
		LineHeight:      host.LineHeight,
		Updated:         now,
	}
}

func normalizeAppState(raw map[string]any) AppState {
	state := AppState{
		ViewBackgroundColor:        safeColor(raw["viewBackgroundColor"], "#ffffff"),
		CurrentItemStrokeColor:     safeColor(raw["currentItemStrokeColor"], "#1e1e1e"),
		CurrentItemBackgroundColor: safeColor(raw["currentItemBackgroundColor"], "transparent"),
		CurrentItemFillStyle:       stringOr(raw["currentItemFillStyle"], "solid"),
		CurrentItemStrokeWidth:     finiteOr(raw["currentItemStrokeWidth"], 2),
		CurrentItemRoughness:       finiteOr(raw["currentItemRoughness"], 0),
		CurrentItemOpacity:         finiteOr(raw["currentItemOpacity"], 100),
		CurrentItemFontFamily:      clampFontFamily(raw["currentItemFontFamily"]),
		CurrentItemFontSize:        finiteOr(raw["currentItemFontSize"], 20),
		CurrentItemTextAlign:       "center",
		CurrentItemStrokeStyle:     stringOr(raw["currentItemStrokeStyle"], "solid"),
		CurrentItemRoundness:       raw["currentItemRoundness"],
		GridSize:                   raw["gridSize"],
		Theme:                      stringOr(raw["theme"], "light"),
		ScrollX:                    finiteOr(raw["scrollX"], 0),
		ScrollY:                    finiteOr(raw["scrollY"], 0),
		Zoom:                       Zoom{Value: 1},
	}
	if align, ok := raw["currentItemTextAlign"].(string); ok && allowedTextAligns[align] {
		state.CurrentItemTextAlign = align
	}
	if zoom, ok := raw["zoom"].(map[string]any); ok {
		if v, ok := zoom["value"].(float64); ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			state.Zoom = Zoom{Value: v}
		}
	}
	return state
}

// safeColor accepts only #-prefixed strings (and "transparent"). Named
// colors, malformed hex, and non-strings fall back: the canvas renderer
// rejects values outside that contract.
func safeColor(v any, fallback string) string {
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	if s == "transparent" {
		return s
	}
	if len(s) > 0 && s[0] == '#' {
		return s
	}
	return fallback
}

func clampFontFamily(v any) int {
	f, ok := v.(float64)
	if !ok {
		return 1
	}
	n := int(f)
	if n == 1 || n == 2 || n == 3 {
		return n
	}
	return 1
}

func coercePoints(v any) [][]float64 {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	points := make([][]float64, 0, len(raw))
	for _, item := range raw {
		pair, ok := item.([]any)
		if !ok || len(pair) < 2 {
			continue
		}
		x, xok := pair[0].(float64)
		y, yok := pair[1].(float64)
		if !xok || !yok {
			continue
		}
		points = append(points, []float64{x, y})
	}
	return points
}

func finite(v any) bool {
	f, ok := v.(float64)
	return ok && !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finiteOr(v any, fallback float64) float64 {
	if finite(v) {
		return v.(float64)
	}
	return fallback
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func boolOr(v any) bool {
	b, _ := v.(bool)
	return b
}

func sliceOr(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return []any{}
}

func stringValueOrNil(v any) any {
	if s, ok := v.(string); ok {
		return s
	}
	return nil
}
