// Package drawio validates draw.io XML documents against the structural
// rules the canvas engine enforces: cells are flat siblings under the root,
// ids are unique, parent references resolve, and edges reference existing
// cells.
package drawio

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// DefaultDocument is the built-in starter diagram for a fresh session.
const DefaultDocument = `<mxGraphModel>
  <root>
    <mxCell id="0"/>
    <mxCell id="1" parent="0"/>
    <mxCell id="2" value="Start" style="rounded=1;whiteSpace=wrap;html=1;fillColor=#e3f2fd;" vertex="1" parent="1">
      <mxGeometry x="200" y="160" width="160" height="60" as="geometry"/>
    </mxCell>
    <mxCell id="3" value="Finish" style="rounded=1;whiteSpace=wrap;html=1;fillColor=#f3e5f5;" vertex="1" parent="1">
      <mxGeometry x="440" y="160" width="160" height="60" as="geometry"/>
    </mxCell>
    <mxCell id="4" style="endArrow=classic;html=1;" edge="1" parent="1" source="2" target="3">
      <mxGeometry relative="1" as="geometry"/>
    </mxCell>
  </root>
</mxGraphModel>`

type mxCell struct {
	ID     string `xml:"id,attr"`
	Parent string `xml:"parent,attr"`
	Source string `xml:"source,attr"`
	Target string `xml:"target,attr"`
	Edge   string `xml:"edge,attr"`
	Cells  []mxCell `xml:"mxCell"`
}

type mxRoot struct {
	Cells []mxCell `xml:"mxCell"`
}

type mxGraphModel struct {
	Root *mxRoot `xml:"root"`
}

// Validate checks a draw.io XML document. It accepts either a full
// <mxGraphModel> document or a bare <root> fragment, as the display tool
// allows both.
func Validate(document string) error {
	trimmed := strings.TrimSpace(document)
	if trimmed == "" {
		return fmt.Errorf("empty diagram XML")
	}

	var cells []mxCell
	if strings.HasPrefix(trimmed, "<mxGraphModel") {
		var model mxGraphModel
		if err := xml.Unmarshal([]byte(trimmed), &model); err != nil {
			return fmt.Errorf("malformed XML: %w", err)
		}
		if model.Root == nil {
			return fmt.Errorf("missing <root> element")
		}
		cells = model.Root.Cells
	} else {
		var root mxRoot
		if err := xml.Unmarshal([]byte(trimmed), &root); err != nil {
			return fmt.Errorf("malformed XML: %w", err)
		}
		cells = root.Cells
	}
	if len(cells) == 0 {
		return fmt.Errorf("no mxCell elements under <root>")
	}

	ids := make(map[string]bool, len(cells))
	for _, cell := range cells {
		if len(cell.Cells) > 0 {
			return fmt.Errorf("mxCell %q has nested mxCell children; all cells must be direct children of <root>", cell.ID)
		}
		if cell.ID == "" {
			return fmt.Errorf("mxCell without an id")
		}
		if ids[cell.ID] {
			return fmt.Errorf("duplicate mxCell id %q", cell.ID)
		}
		ids[cell.ID] = true
	}
	for _, cell := range cells {
		if cell.ID != "0" && cell.Parent == "" {
			return fmt.Errorf("mxCell %q has no parent attribute", cell.ID)
		}
		if cell.Parent != "" && !ids[cell.Parent] {
			return fmt.Errorf("mxCell %q references unknown parent %q", cell.ID, cell.Parent)
		}
		if cell.Source != "" && !ids[cell.Source] {
			return fmt.Errorf("edge %q references unknown source %q", cell.ID, cell.Source)
		}
		if cell.Target != "" && !ids[cell.Target] {
			return fmt.Errorf("edge %q references unknown target %q", cell.ID, cell.Target)
		}
	}
	return nil
}
