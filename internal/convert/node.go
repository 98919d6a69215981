// Package convert translates documents between the rich representation
// (ProseMirror JSON, the canonical form shared with collaborators) and the
// Markdown source representation edited in the source view.
package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Node is a ProseMirror document node.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is inline formatting attached to a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// ErrMalformed is wrapped by every conversion failure.
var ErrMalformed = errors.New("malformed content")

// Error reports a conversion failure. Line is 1-based and zero when the
// position is unknown.
type Error struct {
	Line   int
	Reason string
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return ErrMalformed
}

func malformed(line int, format string, args ...any) *Error {
	return &Error{Line: line, Reason: fmt.Sprintf(format, args...)}
}

var blockTypes = map[string]struct{}{
	"paragraph":      {},
	"heading":        {},
	"blockquote":     {},
	"bulletList":     {},
	"orderedList":    {},
	"listItem":       {},
	"codeBlock":      {},
	"horizontalRule": {},
}

var inlineTypes = map[string]struct{}{
	"text":      {},
	"hardBreak": {},
}

var markTypes = map[string]struct{}{
	"link":   {},
	"bold":   {},
	"italic": {},
	"strike": {},
	"code":   {},
}

// markOrder is the nesting order used when serialising, outermost first.
var markOrder = map[string]int{
	"link":   0,
	"bold":   1,
	"italic": 2,
	"strike": 3,
	"code":   4,
}

// parseRich decodes and validates a rich document. An empty string is an
// empty document.
func parseRich(rich string) (Node, error) {
	if strings.TrimSpace(rich) == "" {
		return Node{Type: "doc"}, nil
	}
	var doc Node
	if err := json.Unmarshal([]byte(rich), &doc); err != nil {
		return Node{}, malformed(0, "invalid rich content: %v", err)
	}
	if doc.Type != "doc" {
		return Node{}, malformed(0, "rich content root must be doc, got %q", doc.Type)
	}
	for _, child := range doc.Content {
		if err := validateBlock(child); err != nil {
			return Node{}, err
		}
	}
	return doc, nil
}

func validateBlock(node Node) error {
	if _, ok := blockTypes[node.Type]; !ok {
		return malformed(0, "unsupported block node %q", node.Type)
	}
	switch node.Type {
	case "paragraph", "heading":
		for _, child := range node.Content {
			if err := validateInline(child); err != nil {
				return err
			}
		}
	case "codeBlock":
		for _, child := range node.Content {
			if child.Type != "text" {
				return malformed(0, "code block may only contain text, got %q", child.Type)
			}
		}
	case "horizontalRule":
	default:
		for _, child := range node.Content {
			if err := validateBlock(child); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateInline(node Node) error {
	if _, ok := inlineTypes[node.Type]; !ok {
		return malformed(0, "unsupported inline node %q", node.Type)
	}
	for _, mark := range node.Marks {
		if _, ok := markTypes[mark.Type]; !ok {
			return malformed(0, "unsupported mark %q", mark.Type)
		}
	}
	return nil
}

func intAttr(attrs map[string]any, key string, fallback int) int {
	switch value := attrs[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	case json.Number:
		if parsed, err := value.Int64(); err == nil {
			return int(parsed)
		}
	}
	return fallback
}

func stringAttr(attrs map[string]any, key string) string {
	value, _ := attrs[key].(string)
	return value
}

func nodeText(node Node) string {
	var builder strings.Builder
	for _, child := range node.Content {
		builder.WriteString(child.Text)
	}
	return builder.String()
}

// PlainText flattens a rich document into its text, one line per textual
// block. Invalid documents yield an empty string.
func PlainText(rich string) string {
	doc, err := parseRich(rich)
	if err != nil {
		return ""
	}
	var lines []string
	var walk func(blocks []Node)
	walk = func(blocks []Node) {
		for _, block := range blocks {
			switch block.Type {
			case "paragraph", "heading", "codeBlock":
				var builder strings.Builder
				for _, child := range block.Content {
					if child.Type == "hardBreak" {
						builder.WriteByte(' ')
						continue
					}
					builder.WriteString(child.Text)
				}
				if line := strings.TrimSpace(builder.String()); line != "" {
					lines = append(lines, line)
				}
			default:
				walk(block.Content)
			}
		}
	}
	walk(doc.Content)
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
