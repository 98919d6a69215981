package convert

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// RichToSource renders a rich document as Markdown.
func (m *Markdown) RichToSource(rich string) (string, error) {
	doc, err := parseRich(rich)
	if err != nil {
		return "", err
	}
	lines := renderBlocks(doc.Content)
	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// renderBlocks renders sibling blocks separated by blank lines. Adjacent
// lists of the same kind alternate their markers so they stay separate.
func renderBlocks(blocks []Node) []string {
	var lines []string
	prev := ""
	bullet, delim := byte('-'), byte('.')
	for _, block := range blocks {
		if block.Type == "paragraph" && isBlankInline(block.Content) {
			continue
		}
		switch block.Type {
		case "bulletList":
			if prev == "bulletList" {
				bullet = flip(bullet, '-', '*')
			} else {
				bullet = '-'
			}
		case "orderedList":
			if prev == "orderedList" {
				delim = flip(delim, '.', ')')
			} else {
				delim = '.'
			}
		}

		var rendered []string
		switch block.Type {
		case "paragraph":
			rendered = renderParagraph(block.Content)
		case "heading":
			rendered = []string{renderHeading(block)}
		case "horizontalRule":
			rendered = []string{"---"}
		case "codeBlock":
			rendered = renderCodeBlock(block)
		case "blockquote":
			rendered = prefixLines(renderBlocks(block.Content), "> ", ">")
		case "bulletList":
			rendered = renderList(block, func(int) string { return string(bullet) })
		case "orderedList":
			start := intAttr(block.Attrs, "order", 1)
			rendered = renderList(block, func(i int) string { return strconv.Itoa(start+i) + string(delim) })
		case "listItem":
			rendered = renderBlocks(block.Content)
		}

		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, rendered...)
		prev = block.Type
	}
	return lines
}

func flip(current, a, b byte) byte {
	if current == a {
		return b
	}
	return a
}

func renderList(list Node, marker func(int) string) []string {
	var lines []string
	for i, item := range list.Content {
		mark := marker(i)
		body := renderBlocks(item.Content)
		if len(body) == 0 {
			lines = append(lines, mark)
			continue
		}
		if body[0] == "---" && mark == "-" {
			body[0] = "***"
		}
		indent := strings.Repeat(" ", len(mark)+1)
		for j, line := range body {
			switch {
			case j == 0:
				lines = append(lines, mark+" "+line)
			case line == "":
				lines = append(lines, "")
			default:
				lines = append(lines, indent+line)
			}
		}
	}
	return lines
}

func prefixLines(lines []string, prefix, empty string) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		if line == "" {
			out[i] = empty
			continue
		}
		out[i] = prefix + line
	}
	return out
}

func renderHeading(node Node) string {
	level := intAttr(node.Attrs, "level", 1)
	if level < 1 {
		level = 1
	}
	if level > 6 {
		level = 6
	}
	inline := make([]Node, 0, len(node.Content))
	for _, child := range node.Content {
		if child.Type == "hardBreak" {
			child = Node{Type: "text", Text: " "}
		}
		inline = append(inline, child)
	}
	marker := strings.Repeat("#", level)
	text := renderInline(inline)
	// A trailing run of # after a space would be read as a closing sequence.
	if strings.HasSuffix(text, "#") {
		if i := len(strings.TrimRight(text, "#")); i == 0 || text[i-1] == ' ' {
			text = text[:i] + `\` + text[i:]
		}
	}
	if text == "" {
		return marker
	}
	return marker + " " + text
}

func renderCodeBlock(node Node) []string {
	text := nodeText(node)
	language := stringAttr(node.Attrs, "language")
	fenceChar := "`"
	if strings.Contains(language, "`") {
		fenceChar = "~"
	}
	size := 3
	if run := longestRun(text, fenceChar[0]) + 1; run > size {
		size = run
	}
	fence := strings.Repeat(fenceChar, size)
	lines := []string{fence + language}
	if text != "" {
		lines = append(lines, strings.Split(text, "\n")...)
	}
	return append(lines, fence)
}

// renderParagraph renders inline content as one or more lines. Hard breaks
// end a line with a backslash.
func renderParagraph(content []Node) []string {
	var segments [][]Node
	var current []Node
	for _, child := range content {
		if child.Type == "hardBreak" {
			segments = append(segments, current)
			current = nil
			continue
		}
		current = append(current, child)
	}
	segments = append(segments, current)

	var lines []string
	for _, segment := range segments {
		line := renderInline(segment)
		if line == "" {
			continue
		}
		lines = append(lines, escapeLineStart(line))
	}
	for i := 0; i < len(lines)-1; i++ {
		if strings.HasSuffix(lines[i], `\`) {
			lines[i] += "  "
			continue
		}
		lines[i] += `\`
	}
	return lines
}

func isBlankInline(content []Node) bool {
	for _, child := range content {
		if child.Type == "text" && strings.TrimSpace(child.Text) != "" {
			return false
		}
	}
	return true
}

type openMark struct {
	mark Mark
	key  string
}

// renderInline renders text nodes with their marks. Marks are opened in a
// fixed order and kept open across nodes that share them. Whitespace at the
// edge of a marked run is moved outside its delimiters.
func renderInline(content []Node) string {
	var out strings.Builder
	var stack []openMark
	pending := ""

	for _, node := range mergeText(content) {
		text := strings.ReplaceAll(node.Text, "\n", " ")
		core := strings.TrimSpace(text)
		if core == "" {
			pending += text
			continue
		}
		lead := text[:strings.Index(text, core)]
		trail := text[len(lead)+len(core):]
		pending += lead

		wanted, code := inlineMarks(node.Marks)
		keep := 0
		for keep < len(stack) && keep < len(wanted) && stack[keep].key == wanted[keep].key {
			keep++
		}
		for i := len(stack) - 1; i >= keep; i-- {
			out.WriteString(closeDelimiter(stack[i].mark))
		}
		stack = stack[:keep]
		if out.Len() > 0 {
			out.WriteString(pending)
		}
		pending = ""
		for _, mark := range wanted[keep:] {
			out.WriteString(openDelimiter(mark.mark))
			stack = append(stack, mark)
		}
		if code {
			out.WriteString(codeSpan(core))
		} else {
			out.WriteString(escapeText(core))
		}
		pending = trail
	}
	for i := len(stack) - 1; i >= 0; i-- {
		out.WriteString(closeDelimiter(stack[i].mark))
	}
	return out.String()
}

// mergeText joins adjacent text nodes carrying the same marks.
func mergeText(content []Node) []Node {
	merged := make([]Node, 0, len(content))
	for _, node := range content {
		if node.Type != "text" || node.Text == "" {
			continue
		}
		if n := len(merged); n > 0 && marksKey(merged[n-1].Marks) == marksKey(node.Marks) {
			merged[n-1].Text += node.Text
			continue
		}
		merged = append(merged, node)
	}
	return merged
}

func inlineMarks(marks []Mark) ([]openMark, bool) {
	code := false
	wanted := make([]openMark, 0, len(marks))
	for _, mark := range marks {
		if mark.Type == "code" {
			code = true
			continue
		}
		wanted = append(wanted, openMark{mark: mark, key: markKey(mark)})
	}
	sort.SliceStable(wanted, func(i, j int) bool {
		return markOrder[wanted[i].mark.Type] < markOrder[wanted[j].mark.Type]
	})
	return wanted, code
}

func markKey(mark Mark) string {
	if mark.Type != "link" {
		return mark.Type
	}
	return "link:" + stringAttr(mark.Attrs, "href") + "\x00" + stringAttr(mark.Attrs, "title")
}

func marksKey(marks []Mark) string {
	keys := make([]string, len(marks))
	for i, mark := range marks {
		keys[i] = markKey(mark)
	}
	sort.Strings(keys)
	return strings.Join(keys, "|")
}

func openDelimiter(mark Mark) string {
	switch mark.Type {
	case "link":
		return "["
	case "bold":
		return "**"
	case "italic":
		return "*"
	case "strike":
		return "~~"
	}
	return ""
}

func closeDelimiter(mark Mark) string {
	switch mark.Type {
	case "link":
		closing := "](" + linkDestination(stringAttr(mark.Attrs, "href"))
		if title := stringAttr(mark.Attrs, "title"); title != "" {
			closing += ` "` + titleEscaper.Replace(escapeEntities(title)) + `"`
		}
		return closing + ")"
	case "bold":
		return "**"
	case "italic":
		return "*"
	case "strike":
		return "~~"
	}
	return ""
}

func linkDestination(href string) string {
	escaped := strings.ReplaceAll(href, `\`, `\\`)
	escaped = escapeEntities(escaped)
	if href == "" || strings.ContainsAny(href, " ()<>\t") {
		escaped = strings.NewReplacer("<", `\<`, ">", `\>`).Replace(escaped)
		return "<" + escaped + ">"
	}
	return escaped
}

var titleEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func codeSpan(text string) string {
	fence := strings.Repeat("`", longestRun(text, '`')+1)
	if strings.HasPrefix(text, "`") || strings.HasSuffix(text, "`") ||
		(strings.HasPrefix(text, " ") && strings.HasSuffix(text, " ")) {
		text = " " + text + " "
	}
	return fence + text + fence
}

func longestRun(text string, c byte) int {
	longest, current := 0, 0
	for i := 0; i < len(text); i++ {
		if text[i] == c {
			current++
			if current > longest {
				longest = current
			}
			continue
		}
		current = 0
	}
	return longest
}

var inlineEscaper = strings.NewReplacer(
	`\`, `\\`,
	"*", `\*`,
	"_", `\_`,
	"`", "\\`",
	"[", `\[`,
	"]", `\]`,
	"~", `\~`,
	"<", `\<`,
)

func escapeText(text string) string {
	return escapeEntities(inlineEscaper.Replace(text))
}

var entityPattern = regexp.MustCompile(`&(#[0-9]{1,7}|#[xX][0-9a-fA-F]{1,6}|[A-Za-z][A-Za-z0-9]{1,31});`)

// escapeEntities protects sequences that would otherwise be read as
// character references.
func escapeEntities(text string) string {
	return entityPattern.ReplaceAllStringFunc(text, func(ref string) string {
		return `\` + ref
	})
}

var orderedMarker = regexp.MustCompile(`^([0-9]{1,9})([.)])`)

// escapeLineStart stops paragraph text from being read as block syntax.
func escapeLineStart(line string) string {
	if match := orderedMarker.FindStringSubmatch(line); match != nil {
		return match[1] + `\` + line[len(match[1]):]
	}
	switch line[0] {
	case '#', '>', '-', '+', '=':
		return `\` + line
	}
	return line
}
