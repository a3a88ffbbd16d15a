// Package render relays diagram definitions to a Kroki-compatible
// rendering service. Definitions travel in the URL path, deflate-compressed
// and base64url-encoded.
package render

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"drawbridge/internal/egress"
)

const DefaultBaseURL = "https://kroki.io"

// diagramTypes maps every supported type marker to its endpoint segment.
// Reference: https://kroki.io/#support
var diagramTypes = map[string]string{
	"actdiag":     "actdiag",
	"blockdiag":   "blockdiag",
	"bpmn":        "bpmn",
	"bytefield":   "bytefield",
	"c4plantuml":  "c4plantuml",
	"ditaa":       "ditaa",
	"erd":         "erd",
	"excalidraw":  "excalidraw",
	"graphviz":    "graphviz",
	"mermaid":     "mermaid",
	"nomnoml":     "nomnoml",
	"nwdiag":      "nwdiag",
	"packetdiag":  "packetdiag",
	"pikchr":      "pikchr",
	"plantuml":    "plantuml",
	"rackdiag":    "rackdiag",
	"seqdiag":     "seqdiag",
	"structurizr": "structurizr",
	"svgbob":      "svgbob",
	"umlet":       "umlet",
	"vega":        "vega",
	"d2":          "d2",
	"dbml":        "dbml",
	"tikz":        "tikz",
	"vegalite":    "vegalite",
	"wavedrom":    "wavedrom",
	"wireviz":     "wireviz",
	"symbolator":  "symbolator",
}

// IsSupported reports whether the rendering service knows the type.
func IsSupported(diagramType string) bool {
	_, ok := diagramTypes[strings.ToLower(strings.TrimSpace(diagramType))]
	return ok
}

// Error is a recoverable rendering failure: the service answered, but not
// with a diagram. Status carries the upstream HTTP status when known.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Result holds one rendered diagram. SVG content comes back verbatim;
// anything else is wrapped as a data URL.
type Result struct {
	SVG        string `json:"svg,omitempty"`
	SVGDataURL string `json:"svgDataUrl,omitempty"`
}

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid renderer URL: %w", err)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("invalid renderer URL: %q has no host", baseURL)
	}
	transport := egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{parsed.Hostname()})
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
	}, nil
}

// Render sends the definition for SVG rendering. diagramType may be empty
// or "auto", in which case it is detected from the definition.
func (c *Client) Render(ctx context.Context, definition, diagramType string) (Result, error) {
	if strings.TrimSpace(definition) == "" {
		return Result{}, &Error{Status: http.StatusBadRequest, Message: "diagram definition cannot be empty"}
	}
	if diagramType == "" || diagramType == "auto" {
		diagramType = DetectDiagramType(definition)
	}
	diagramType = strings.ToLower(strings.TrimSpace(diagramType))
	if !IsSupported(diagramType) {
		return Result{}, &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf("unsupported diagram type %q", diagramType)}
	}

	encoded := EncodeDiagram(definition)
	target := fmt.Sprintf("%s/%s/svg/%s", c.baseURL, diagramTypes[diagramType], encoded)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "image/svg+xml")
	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, &Error{Status: http.StatusBadGateway, Message: "error contacting rendering service: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &Error{
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(fmt.Sprintf("rendering service responded with %s", resp.Status)),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &Error{Status: http.StatusBadGateway, Message: "error reading render response: " + err.Error()}
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/svg+xml"
	}
	if !strings.Contains(contentType, "svg") {
		return Result{
			SVGDataURL: fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(body)),
		}, nil
	}
	return Result{SVG: string(body)}, nil
}

// EncodeDiagram compresses and encodes a definition the way the rendering
// service expects it: zlib deflate, then base64 with the URL-safe alphabet.
func EncodeDiagram(definition string) string {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write([]byte(definition)); err == nil && w.Close() == nil {
		return base64.URLEncoding.EncodeToString(buf.Bytes())
	}
	return base64.URLEncoding.EncodeToString([]byte(definition))
}

// markerOrder fixes the scan order for prefix detection, longest marker
// first so "vegalite" never matches the "vega" marker.
var markerOrder = func() []string {
	markers := make([]string, 0, len(diagramTypes))
	for marker := range diagramTypes {
		markers = append(markers, marker)
	}
	sort.Slice(markers, func(i, j int) bool {
		if len(markers[i]) != len(markers[j]) {
			return len(markers[i]) > len(markers[j])
		}
		return markers[i] < markers[j]
	})
	return markers
}()

// DetectDiagramType guesses the type from the definition. An explicit
// marker on the first line wins; the content after it still decides the
// concrete type when it carries a recognizable syntax.
func DetectDiagramType(definition string) string {
	trimmed := strings.ToLower(strings.TrimSpace(definition))
	for _, marker := range markerOrder {
		diagramType := diagramTypes[marker]
		if !strings.HasPrefix(trimmed, marker) {
			continue
		}
		lines := strings.Split(strings.TrimSpace(definition), "\n")
		start := 1
		for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
			start++
		}
		if start < len(lines) {
			return detectFromContent(strings.Join(lines[start:], "\n"), diagramType)
		}
		return diagramType
	}
	return detectFromContent(definition, "plantuml")
}

func detectFromContent(definition, defaultType string) string {
	trimmed := strings.TrimSpace(definition)
	if trimmed == "" {
		return defaultType
	}
	has := func(s string) bool { return strings.Contains(trimmed, s) }

	switch {
	case has("@startuml") || has("skinparam"):
		return "plantuml"
	case has("graph ") && (has("{") || has("->")):
		return "graphviz"
	case (has("graph") && has("TD")) || has("LR") || has("BT") || has("RL"):
		return "mermaid"
	case has("blockdiag") || (has("->") && has(";") && !has("@startuml")):
		return "blockdiag"
	case has("seqdiag") && has("->"):
		return "seqdiag"
	case has("actdiag"):
		return "actdiag"
	case has("nwdiag"):
		return "nwdiag"
	case has("packetdiag"):
		return "packetdiag"
	case has("rackdiag"):
		return "rackdiag"
	case has("bytefield") || has("(defattrs") || has("(defn") || has("draw-box"):
		return "bytefield"
	case has("<?xml") && has("semantic:definitions"):
		return "bpmn"
	case has("|") && has("--") && has("==") && !has("{"):
		return "erd"
	case has("d2 Parser") || has("shape:") || (has(":") && has("{") && has("}")):
		return "d2"
	}
	return defaultType
}
