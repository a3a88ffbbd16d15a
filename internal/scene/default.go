package scene

// DefaultScene is the built-in starter document for a fresh structured
// session: two connected nodes and a title, pre-normalized so labels and
// defaults are already in place.
func DefaultScene() Scene {
	return Normalize(map[string]any{
		"elements": []any{
			map[string]any{
				"id": "node-1", "type": "rectangle",
				"x": 200.0, "y": 160.0, "width": 180.0, "height": 80.0,
				"strokeColor": "#1e1e1e", "backgroundColor": "#e3f2fd",
				"text": "Start", "fontSize": 24.0,
			},
			map[string]any{
				"id": "node-2", "type": "rectangle",
				"x": 450.0, "y": 160.0, "width": 180.0, "height": 80.0,
				"strokeColor": "#1e1e1e", "backgroundColor": "#f3e5f5",
				"text": "Finish", "fontSize": 24.0,
			},
			map[string]any{
				"id": "connector-1", "type": "arrow",
				"x": 380.0, "y": 200.0, "width": 70.0, "height": 1.0,
				"strokeColor": "#666666",
				"points":      []any{[]any{0.0, 0.0}, []any{70.0, 0.0}},
				"startBinding": map[string]any{"elementId": "node-1", "focus": 0.0, "gap": 1.0},
				"endBinding":   map[string]any{"elementId": "node-2", "focus": 0.0, "gap": 1.0},
			},
			map[string]any{
				"id": "title", "type": "text",
				"x": 320.0, "y": 60.0, "width": 200.0, "height": 40.0,
				"text": "New diagram", "fontSize": 28.0,
			},
		},
		"appState": map[string]any{},
		"files":    map[string]any{},
	})
}
