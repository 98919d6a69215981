package convert

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// Markdown converts between rich JSON documents and CommonMark source with
// strikethrough.
type Markdown struct {
	md goldmark.Markdown
}

func NewMarkdown() *Markdown {
	return &Markdown{md: goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough),
		goldmark.WithParserOptions(parser.WithBlockParsers(util.Prioritized(fenceTracker{parser.NewFencedCodeBlockParser()}, 699))),
	)}
}

// SourceToRich parses Markdown into a rich document.
func (m *Markdown) SourceToRich(source string) (string, error) {
	if err := checkText(source); err != nil {
		return "", err
	}
	src := []byte(source)
	root := m.md.Parser().Parse(text.NewReader(src))
	if err := checkFences(root, src); err != nil {
		return "", err
	}
	doc := Node{Type: "doc", Content: parseBlocks(root, src)}
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", malformed(0, "encode rich content: %v", err)
	}
	return string(payload), nil
}

// checkText rejects invalid UTF-8 and NUL bytes.
func checkText(source string) error {
	for i, line := range strings.Split(source, "\n") {
		if !utf8.ValidString(line) {
			return malformed(i+1, "invalid UTF-8")
		}
		if strings.IndexByte(line, 0) >= 0 {
			return malformed(i+1, "NUL byte in source")
		}
	}
	return nil
}

var (
	fenceOpenAttr   = []byte("inkwellFenceOpen")
	fenceClosedAttr = []byte("inkwellFenceClosed")
)

// fenceTracker wraps the fenced code parser and marks on each block where
// its opening fence sits and whether a closing fence was seen.
type fenceTracker struct {
	parser.BlockParser
}

func (f fenceTracker) Open(parent ast.Node, reader text.Reader, pc parser.Context) (ast.Node, parser.State) {
	_, segment := reader.PeekLine()
	node, state := f.BlockParser.Open(parent, reader, pc)
	if node != nil {
		node.SetAttribute(fenceOpenAttr, segment.Start)
	}
	return node, state
}

func (f fenceTracker) Continue(node ast.Node, reader text.Reader, pc parser.Context) parser.State {
	state := f.BlockParser.Continue(node, reader, pc)
	if state&parser.Close != 0 {
		node.SetAttribute(fenceClosedAttr, true)
	}
	return state
}

// checkFences rejects a code fence that is never closed and runs to the end
// of the input. A fence closed by the end of its blockquote or list item is
// valid.
func checkFences(root ast.Node, src []byte) error {
	var found error
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		block, ok := n.(*ast.FencedCodeBlock)
		if !entering || !ok {
			return ast.WalkContinue, nil
		}
		if _, closed := block.Attribute(fenceClosedAttr); closed {
			return ast.WalkSkipChildren, nil
		}
		value, ok := block.Attribute(fenceOpenAttr)
		if !ok {
			return ast.WalkSkipChildren, nil
		}
		open := value.(int)
		end := len(src)
		if i := bytes.IndexByte(src[open:], '\n'); i >= 0 {
			end = open + i + 1
		}
		if lines := block.Lines(); lines.Len() > 0 {
			end = max(end, lines.At(lines.Len()-1).Stop)
		}
		if len(bytes.TrimSpace(src[min(end, len(src)):])) == 0 {
			found = malformed(bytes.Count(src[:open], []byte("\n"))+1, "unterminated code fence")
			return ast.WalkStop, nil
		}
		return ast.WalkSkipChildren, nil
	})
	return found
}

func parseBlocks(parent ast.Node, src []byte) []Node {
	var blocks []Node
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		switch n := child.(type) {
		case *ast.Paragraph, *ast.TextBlock:
			blocks = append(blocks, Node{Type: "paragraph", Content: parseInline(n, src, nil)})
		case *ast.Heading:
			blocks = append(blocks, Node{
				Type:    "heading",
				Attrs:   map[string]any{"level": n.Level},
				Content: parseInline(n, src, nil),
			})
		case *ast.ThematicBreak:
			blocks = append(blocks, Node{Type: "horizontalRule"})
		case *ast.Blockquote:
			blocks = append(blocks, Node{Type: "blockquote", Content: parseBlocks(n, src)})
		case *ast.List:
			list := Node{Type: "bulletList"}
			if n.IsOrdered() {
				list = Node{Type: "orderedList", Attrs: map[string]any{"order": n.Start}}
			}
			for item := n.FirstChild(); item != nil; item = item.NextSibling() {
				list.Content = append(list.Content, Node{Type: "listItem", Content: parseBlocks(item, src)})
			}
			blocks = append(blocks, list)
		case *ast.FencedCodeBlock:
			block := codeBlock(n, src)
			if language := string(n.Language(src)); language != "" {
				block.Attrs = map[string]any{"language": language}
			}
			blocks = append(blocks, block)
		case *ast.CodeBlock:
			blocks = append(blocks, codeBlock(n, src))
		case *ast.HTMLBlock:
			raw := strings.TrimSpace(string(segmentsText(n.Lines(), src)))
			if n.HasClosure() {
				raw = strings.TrimSpace(raw + " " + string(n.ClosureLine.Value(src)))
			}
			paragraph := Node{Type: "paragraph"}
			if raw != "" {
				paragraph.Content = []Node{{Type: "text", Text: strings.ReplaceAll(raw, "\n", " ")}}
			}
			blocks = append(blocks, paragraph)
		default:
			blocks = append(blocks, parseBlocks(n, src)...)
		}
	}
	return blocks
}

func codeBlock(n ast.Node, src []byte) Node {
	block := Node{Type: "codeBlock"}
	body := strings.TrimSuffix(string(segmentsText(n.Lines(), src)), "\n")
	if body != "" {
		block.Content = []Node{{Type: "text", Text: body}}
	}
	return block
}

func segmentsText(lines *text.Segments, src []byte) []byte {
	var buf bytes.Buffer
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		buf.Write(segment.Value(src))
	}
	return buf.Bytes()
}

func parseInline(parent ast.Node, src []byte, marks []Mark) []Node {
	var nodes []Node
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		switch n := child.(type) {
		case *ast.Text:
			value := string(n.Segment.Value(src))
			if !n.IsRaw() {
				value = unescape(value)
			}
			if n.SoftLineBreak() {
				value += " "
			}
			nodes = appendText(nodes, value, marks)
			if n.HardLineBreak() {
				nodes = append(nodes, Node{Type: "hardBreak"})
			}
		case *ast.String:
			nodes = appendText(nodes, string(n.Value), marks)
		case *ast.Emphasis:
			mark := Mark{Type: "italic"}
			if n.Level >= 2 {
				mark = Mark{Type: "bold"}
			}
			nodes = append(nodes, parseInline(n, src, withMark(marks, mark))...)
		case *east.Strikethrough:
			nodes = append(nodes, parseInline(n, src, withMark(marks, Mark{Type: "strike"}))...)
		case *ast.Link:
			attrs := map[string]any{"href": unescape(string(n.Destination))}
			if len(n.Title) > 0 {
				attrs["title"] = unescape(string(n.Title))
			}
			nodes = append(nodes, parseInline(n, src, withMark(marks, Mark{Type: "link", Attrs: attrs}))...)
		case *ast.AutoLink:
			href := string(n.URL(src))
			if n.AutoLinkType == ast.AutoLinkEmail {
				href = "mailto:" + href
			}
			link := Mark{Type: "link", Attrs: map[string]any{"href": href}}
			nodes = appendText(nodes, string(n.Label(src)), withMark(marks, link))
		case *ast.CodeSpan:
			nodes = appendText(nodes, codeSpanText(n, src), withMark(marks, Mark{Type: "code"}))
		case *ast.RawHTML:
			nodes = appendText(nodes, string(segmentsText(n.Segments, src)), marks)
		default:
			nodes = append(nodes, parseInline(n, src, marks)...)
		}
	}
	return nodes
}

func codeSpanText(n *ast.CodeSpan, src []byte) string {
	var builder strings.Builder
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		switch t := child.(type) {
		case *ast.Text:
			value := t.Segment.Value(src)
			if bytes.HasSuffix(value, []byte("\n")) {
				builder.Write(value[:len(value)-1])
				builder.WriteByte(' ')
				continue
			}
			builder.Write(value)
		case *ast.String:
			builder.Write(t.Value)
		}
	}
	return builder.String()
}

func withMark(marks []Mark, mark Mark) []Mark {
	next := make([]Mark, 0, len(marks)+1)
	next = append(next, marks...)
	next = append(next, mark)
	sort.SliceStable(next, func(i, j int) bool {
		return markOrder[next[i].Type] < markOrder[next[j].Type]
	})
	return next
}

func appendText(nodes []Node, value string, marks []Mark) []Node {
	if value == "" {
		return nodes
	}
	if n := len(nodes); n > 0 && nodes[n-1].Type == "text" && marksKey(nodes[n-1].Marks) == marksKey(marks) {
		nodes[n-1].Text += value
		return nodes
	}
	node := Node{Type: "text", Text: value}
	if len(marks) > 0 {
		node.Marks = marks
	}
	return append(nodes, node)
}

// unescape resolves backslash escapes and character references the way
// the HTML renderer does for text and link destinations.
func unescape(value string) string {
	if !strings.ContainsAny(value, `\&`) {
		return value
	}
	var builder strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c == '\\' && i+1 < len(value) && util.IsPunct(value[i+1]):
			builder.WriteByte(value[i+1])
			i++
		case c == '&':
			if ref := entityPattern.FindString(value[i:]); ref != "" && strings.HasPrefix(value[i:], ref) {
				builder.Write(util.ResolveEntityNames(util.ResolveNumericReferences([]byte(ref))))
				i += len(ref) - 1
				continue
			}
			builder.WriteByte(c)
		default:
			builder.WriteByte(c)
		}
	}
	return builder.String()
}
