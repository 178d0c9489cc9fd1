// Package render formats agent replies for the browser and the terminal.
package render

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	// html.WithUnsafe is left off, so raw HTML from the model is omitted.
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// HTML renders markdown to an HTML fragment.
func HTML(src string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// ToolNotice is the inline marker shown when the agent selects a tool.
func ToolNotice(name string) string {
	return fmt.Sprintf("\n\n*Using tool: %s*\n\n", name)
}

var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCodeBlock  = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
)

// Plain strips markdown formatting for terminal output. List markers
// are kept.
func Plain(src string) string {
	s := mdCodeBlock.ReplaceAllString(src, "$1")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// PlainWriter streams markdown to a terminal as plain text. Input is
// buffered until a line completes; lines inside code fences pass
// through unchanged and the fence markers are dropped.
type PlainWriter struct {
	w       io.Writer
	pending strings.Builder
	inCode  bool
}

// NewPlainWriter returns a PlainWriter writing to w.
func NewPlainWriter(w io.Writer) *PlainWriter {
	return &PlainWriter{w: w}
}

// WriteString buffers s and writes every line it completes.
func (p *PlainWriter) WriteString(s string) (int, error) {
	p.pending.WriteString(s)
	buf := p.pending.String()
	i := strings.LastIndexByte(buf, '\n')
	if i < 0 {
		return len(s), nil
	}
	p.pending.Reset()
	p.pending.WriteString(buf[i+1:])
	for _, line := range strings.Split(buf[:i], "\n") {
		if err := p.writeLine(line); err != nil {
			return len(s), err
		}
	}
	return len(s), nil
}

// Flush writes a trailing incomplete line, if any.
func (p *PlainWriter) Flush() error {
	if p.pending.Len() == 0 {
		return nil
	}
	line := p.pending.String()
	p.pending.Reset()
	return p.writeLine(line)
}

func (p *PlainWriter) writeLine(line string) error {
	trimmed := strings.TrimLeft(line, " \t")
	if strings.HasPrefix(trimmed, "```") {
		p.inCode = !p.inCode
		return nil
	}
	if !p.inCode {
		line = line[:len(line)-len(trimmed)] + Plain(trimmed)
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}
