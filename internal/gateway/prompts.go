package gateway

import (
	"encoding/json"
	"fmt"

	"drawbridge/internal/dispatch"
	"drawbridge/internal/llm"
)

// Family selects the diagram dialect for a session, which decides the
// system prompt, the tool set, and how documents are canonicalized.
type Family string

const (
	FamilyDrawio     Family = "drawio"
	FamilyExcalidraw Family = "excalidraw"
	FamilyMermaid    Family = "mermaid"
	FamilyPlantUML   Family = "plantuml"
	FamilyGraphviz   Family = "graphviz"
	FamilyKroki      Family = "kroki"
)

func ParseFamily(value string) (Family, error) {
	switch Family(value) {
	case FamilyDrawio, FamilyExcalidraw, FamilyMermaid, FamilyPlantUML, FamilyGraphviz, FamilyKroki:
		return Family(value), nil
	}
	return "", fmt.Errorf("unknown diagram family %q", value)
}

const drawioSystemPrompt = `You are an expert diagram creation assistant specializing in draw.io XML generation.
Your primary function is to chat with the user and craft clear, well-organized visual diagrams through precise XML specifications.
You can see images the user uploads.

IMPORTANT: Choose the right tool:
- Use display_diagram for: creating new diagrams, major restructuring, or when the current diagram XML is empty
- Use edit_diagram for: small modifications, adding/removing elements, changing text/colors, repositioning items

Layout constraints:
- Keep all diagram elements within a single page viewport: x coordinates between 0-800, y coordinates between 0-600
- Maximum container size: 700x550 pixels
- Start positioning from reasonable margins (e.g., x=40, y=40) and keep elements grouped closely
- Keep at least 20 pixels between shapes and route connectors to minimize crossings

Note that:
- Use tool calls to generate or edit diagrams; never return raw XML in text responses
- Never use display_diagram to send text meant for the user directly
- When replicating a diagram from an image, match the style and layout as closely as possible

When using edit_diagram:
- Keep edits minimal: only the lines being changed plus 1-2 context lines
- Each search must contain complete lines and matches first occurrence only
- RETRY POLICY: if edit_diagram fails because the search pattern cannot be found, you may retry up to 3 times with adjusted patterns. After 3 failed attempts you MUST fall back to display_diagram and regenerate the entire diagram. The error message will indicate how many retries remain.

## Draw.io XML Structure Reference

Basic structure:
<mxGraphModel>
  <root>
    <mxCell id="0"/>
    <mxCell id="1" parent="0"/>
    <!-- All other cells go here as siblings -->
  </root>
</mxGraphModel>

CRITICAL RULES:
1. Always include the two root cells: <mxCell id="0"/> and <mxCell id="1" parent="0"/>
2. ALL mxCell elements must be DIRECT children of <root>, never nested inside another mxCell
3. Use unique sequential IDs for all cells (start from "2" for user content)
4. Set parent="1" for top-level shapes, or parent="<container-id>" for grouped elements
5. Edge source/target must reference existing cell IDs
6. Escape special characters in values: &lt; &gt; &amp; &quot;

Shape (vertex) example:
<mxCell id="2" value="Label" style="rounded=1;whiteSpace=wrap;html=1;" vertex="1" parent="1">
  <mxGeometry x="100" y="100" width="120" height="60" as="geometry"/>
</mxCell>

Connector (edge) example:
<mxCell id="3" style="endArrow=classic;html=1;curved=1;strokeWidth=2;strokeColor=#0066CC;" edge="1" parent="1" source="2" target="4">
  <mxGeometry relative="1" as="geometry"/>
</mxCell>

Common styles:
- Shapes: rounded=1, fillColor=#hex, strokeColor=#hex
- Edges: endArrow=classic/block/open/none, curved=1, dashed=1, edgeStyle=orthogonalEdgeStyle, flowAnimation=1
- Text: fontSize=14, fontStyle=1 (bold), align=center/left/right`

const excalidrawSystemPrompt = `You are an Excalidraw scene architect.
Return only well-formed Excalidraw scene data (elements + appState + files) via the display_excalidraw tool.

Rules for reliability:
- ALWAYS include a complete object: { "elements": [...], "appState": {...}, "files": {...} }.
- Provide the scene payload as a structured JSON object inside the tool call (never double-stringify or escape it).
- If unsure, reuse the current scene and apply small changes instead of rebuilding from scratch.
- Keep layouts tidy, distribute nodes evenly, align connectors, and avoid overlaps.
- Use meaningful text labels; keep coordinates reasonable (within a 1200x800 canvas).
- Never stream raw JSON in text replies; only send it through the tool call.
- If you need a blank start, use an empty array for elements and empty objects for appState/files.
- Exactly ONE display_excalidraw tool call per response.`

const definitionSystemPromptFormat = `You are an expert %s diagram assistant.
Your job is to translate user intent into clean, well-organized %s syntax.

Rules of engagement:
- Always reason about the provided current diagram definition before replying.
- Respond conversationally but deliver the final code via the display_definition tool.
- Prefer incremental changes unless the user asks to rebuild from scratch.
- Keep labels concise, ensure indentation is consistent, and add helpful comments sparingly.
- Never return diagram code directly in text responses.

Tool contract:
- You must trigger exactly one display_definition tool call per assistant turn.
- Include the full diagram definition inside that tool call.
- Optionally include a short summary describing the key changes.`

const krokiSystemPromptExtra = `

Kroki supports 28 diagram formats, including PlantUML, Mermaid, BPMN,
Graphviz, BlockDiag, SeqDiag, ActDiag, NwDiag, C4-PlantUML, Ditaa, Erd,
Excalidraw, Nomnoml, Pikchr, Structurizr, Svgbob, Umlet, Vega, Vega-Lite,
WaveDrom, Bytefield, D2, DBML, Symbolator, TikZ, WireViz, PacketDiag, and
RackDiag.

When creating diagrams:
- Choose the most appropriate format for the user's needs and set diagramType accordingly
- For business process diagrams, use BPMN
- For software architecture, consider C4-PlantUML or Structurizr
- For data visualizations, use Vega or Vega-Lite
- For general flowcharts, use PlantUML or Mermaid`

// SystemPrompt returns the assistant instructions for a family.
func SystemPrompt(family Family) string {
	switch family {
	case FamilyDrawio:
		return drawioSystemPrompt
	case FamilyExcalidraw:
		return excalidrawSystemPrompt
	case FamilyKroki:
		return fmt.Sprintf(definitionSystemPromptFormat, "Kroki", "diagram") + krokiSystemPromptExtra
	case FamilyMermaid:
		return fmt.Sprintf(definitionSystemPromptFormat, "Mermaid", "Mermaid")
	case FamilyPlantUML:
		return fmt.Sprintf(definitionSystemPromptFormat, "PlantUML", "PlantUML")
	case FamilyGraphviz:
		return fmt.Sprintf(definitionSystemPromptFormat, "Graphviz", "DOT")
	}
	return fmt.Sprintf(definitionSystemPromptFormat, "diagram", "diagram")
}

func mustSchema(schema map[string]any) json.RawMessage {
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(err)
	}
	return raw
}

var displayDiagramTool = llm.Tool{
	Type: "function",
	Function: llm.FunctionDef{
		Name: dispatch.ToolDisplayDiagram,
		Description: `Display a diagram on draw.io. Pass the XML content inside <root> tags.

VALIDATION RULES (XML will be rejected if violated):
1. All mxCell elements must be DIRECT children of <root> - never nested
2. Every mxCell needs a unique id
3. Every mxCell (except id="0") needs a valid parent attribute
4. Edge source/target must reference existing cell IDs
5. Escape special chars in values: &lt; &gt; &amp; &quot;
6. Always start with: <mxCell id="0"/><mxCell id="1" parent="0"/>`,
		Parameters: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"xml": map[string]any{
					"type":        "string",
					"description": "XML string to be displayed on draw.io",
				},
			},
			"required": []string{"xml"},
		}),
	},
}

var editDiagramTool = llm.Tool{
	Type: "function",
	Function: llm.FunctionDef{
		Name: dispatch.ToolEditDiagram,
		Description: `Edit specific parts of the current diagram by replacing exact line matches. Use this tool to make targeted fixes without regenerating the entire XML.
IMPORTANT: Keep edits concise:
- Only include the lines that are changing, plus 1-2 surrounding lines for context if needed
- Break large changes into multiple smaller edits
- Each search must contain complete lines (never truncate mid-line)
- First match only - be specific enough to target the right element`,
		Parameters: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"edits": map[string]any{
					"type":        "array",
					"description": "Array of search/replace pairs to apply sequentially",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"search": map[string]any{
								"type":        "string",
								"description": "Exact lines to search for (including whitespace and indentation)",
							},
							"replace": map[string]any{
								"type":        "string",
								"description": "Replacement lines",
							},
						},
						"required": []string{"search", "replace"},
					},
				},
			},
			"required": []string{"edits"},
		}),
	},
}

var displayExcalidrawTool = llm.Tool{
	Type: "function",
	Function: llm.FunctionDef{
		Name:        dispatch.ToolDisplayExcalidraw,
		Description: "Display an Excalidraw scene. Pass the complete scene object with elements, appState and files.",
		Parameters: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"scene": map[string]any{
					"type":        "object",
					"description": "Complete Excalidraw scene: { elements, appState, files }",
				},
				"summary": map[string]any{
					"type":        "string",
					"description": "Short summary of the changes",
				},
			},
			"required": []string{"scene"},
		}),
	},
}

var displayDefinitionTool = llm.Tool{
	Type: "function",
	Function: llm.FunctionDef{
		Name:        dispatch.ToolDisplayDefinition,
		Description: "Display a text-based diagram. Pass the complete diagram definition.",
		Parameters: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"definition": map[string]any{
					"type":        "string",
					"description": "The complete diagram definition",
				},
				"diagramType": map[string]any{
					"type":        "string",
					"description": "Diagram type for rendering (e.g. mermaid, plantuml), or auto",
				},
				"summary": map[string]any{
					"type":        "string",
					"description": "Short summary of the changes",
				},
			},
			"required": []string{"definition"},
		}),
	},
}

// Tools returns the tool set offered to the model for a family.
func Tools(family Family) []llm.Tool {
	switch family {
	case FamilyDrawio:
		return []llm.Tool{displayDiagramTool, editDiagramTool}
	case FamilyExcalidraw:
		return []llm.Tool{displayExcalidrawTool}
	default:
		return []llm.Tool{displayDefinitionTool, editDiagramTool}
	}
}

// documentContext renders the fenced current-document block prepended to
// the user's latest message.
func documentContext(family Family, document, userText string) string {
	fence := "diagram"
	label := "Current diagram definition"
	switch family {
	case FamilyDrawio:
		fence = "xml"
		label = "Current diagram XML"
	case FamilyExcalidraw:
		fence = "json"
		label = "Current scene JSON"
	case FamilyMermaid:
		fence = "mermaid"
		label = "Current Mermaid definition"
	case FamilyPlantUML:
		fence = "plantuml"
		label = "Current PlantUML definition"
	case FamilyGraphviz:
		fence = "dot"
		label = "Current DOT definition"
	}
	return fmt.Sprintf("%s:\n\"\"\"%s\n%s\n\"\"\"\nUser input:\n\"\"\"md\n%s\n\"\"\"", label, fence, document, userText)
}
