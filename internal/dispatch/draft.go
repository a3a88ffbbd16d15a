package dispatch

import (
	"strconv"
	"strings"
)

// extractDraft pulls a previewable document out of a partially streamed
// argument JSON. Replace-all tools carry the document in one field; the
// edit tool has nothing worth previewing before it completes.
func extractDraft(tool, args string) (string, bool) {
	switch tool {
	case ToolDisplayDiagram:
		return partialStringField(args, "xml")
	case ToolDisplayDefinition:
		return partialStringField(args, "definition")
	case ToolDisplayExcalidraw:
		return partialRawField(args, "scene")
	default:
		return "", false
	}
}

// partialStringField decodes the value of a JSON string field from a
// possibly truncated document. The closing quote may not have arrived yet;
// everything decodable so far is returned. A trailing incomplete escape
// sequence is dropped rather than guessed at.
func partialStringField(args, field string) (string, bool) {
	rest, ok := seekField(args, field)
	if !ok {
		return "", false
	}
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	rest = rest[1:]

	var b strings.Builder
	for i := 0; i < len(rest); {
		c := rest[i]
		if c == '"' {
			break
		}
		if c != '\\' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 >= len(rest) {
			break
		}
		switch rest[i+1] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		case '/':
			b.WriteByte('/')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'u':
			if i+6 > len(rest) {
				return b.String(), true
			}
			code, err := strconv.ParseUint(rest[i+2:i+6], 16, 32)
			if err == nil {
				b.WriteRune(rune(code))
			}
			i += 6
			continue
		default:
			// Unknown escape, keep the literal character.
			b.WriteByte(rest[i+1])
		}
		i += 2
	}
	return b.String(), true
}

// partialRawField returns the raw JSON following a field's colon, quotes
// and all. Used for the structured-scene preview, where the partial object
// text itself is the draft.
func partialRawField(args, field string) (string, bool) {
	rest, ok := seekField(args, field)
	if !ok || rest == "" {
		return "", false
	}
	end := len(rest)
	// Trim the enclosing object's trailing text if the payload already
	// closed; a partial object is returned as-is.
	if rest[0] == '{' {
		depth := 0
		inString := false
		for i := 0; i < len(rest); i++ {
			c := rest[i]
			if inString {
				if c == '\\' {
					i++
				} else if c == '"' {
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					end = i + 1
				}
			}
			if depth == 0 && end != len(rest) {
				break
			}
		}
	}
	return rest[:end], true
}

// seekField positions past `"field"` and the following colon, returning
// the remainder.
func seekField(args, field string) (string, bool) {
	idx := strings.Index(args, `"`+field+`"`)
	if idx < 0 {
		return "", false
	}
	rest := args[idx+len(field)+2:]
	rest = strings.TrimLeft(rest, " \t\r\n")
	if len(rest) == 0 || rest[0] != ':' {
		return "", false
	}
	return strings.TrimLeft(rest[1:], " \t\r\n"), true
}
