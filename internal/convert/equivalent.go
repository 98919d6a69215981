package convert

import (
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

type normalBlock struct {
	Type     string
	Attr     string
	Text     string
	Runs     []run
	Children []normalBlock
}

type run struct {
	Text  string
	Marks string
	Break bool
}

// Equivalent reports whether two rich documents carry the same structure
// and formatted text. Whitespace runs, empty paragraphs and how text is
// split into nodes are ignored. Invalid documents are never equivalent.
func Equivalent(a, b string) bool {
	left, err := parseRich(a)
	if err != nil {
		return false
	}
	right, err := parseRich(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(normalizeBlocks(left.Content), normalizeBlocks(right.Content))
}

func normalizeBlocks(blocks []Node) []normalBlock {
	normalized := make([]normalBlock, 0, len(blocks))
	for _, block := range blocks {
		entry := normalBlock{Type: block.Type}
		switch block.Type {
		case "paragraph":
			entry.Runs = normalizeInline(block.Content, false)
			if len(entry.Runs) == 0 {
				continue
			}
		case "heading":
			entry.Attr = "level=" + strconv.Itoa(intAttr(block.Attrs, "level", 1))
			entry.Runs = normalizeInline(block.Content, true)
		case "orderedList":
			entry.Attr = "order=" + strconv.Itoa(intAttr(block.Attrs, "order", 1))
			entry.Children = normalizeBlocks(block.Content)
		case "codeBlock":
			entry.Attr = "language=" + stringAttr(block.Attrs, "language")
			entry.Text = strings.TrimRight(nodeText(block), "\n")
		case "horizontalRule":
		default:
			entry.Children = normalizeBlocks(block.Content)
		}
		normalized = append(normalized, entry)
	}
	return normalized
}

// normalizeInline flattens inline content into runs of identically marked
// text. Whitespace collapses to one unmarked space and is dropped next to
// hard breaks and at either end.
func normalizeInline(content []Node, breaksAsSpace bool) []run {
	var runs []run
	push := func(next run) {
		if n := len(runs); n > 0 && !next.Break && !runs[n-1].Break && runs[n-1].Marks == next.Marks {
			runs[n-1].Text += next.Text
			return
		}
		runs = append(runs, next)
	}
	space := false
	for _, node := range content {
		if node.Type == "hardBreak" {
			if breaksAsSpace {
				space = true
				continue
			}
			space = false
			if n := len(runs); n > 0 && !runs[n-1].Break {
				push(run{Break: true})
			}
			continue
		}
		key := marksKey(node.Marks)
		for _, r := range node.Text {
			if unicode.IsSpace(r) {
				space = true
				continue
			}
			if space && len(runs) > 0 && !runs[len(runs)-1].Break {
				push(run{Text: " "})
			}
			space = false
			push(run{Text: string(r), Marks: key})
		}
	}
	if n := len(runs); n > 0 && runs[n-1].Break {
		runs = runs[:n-1]
	}
	return runs
}
