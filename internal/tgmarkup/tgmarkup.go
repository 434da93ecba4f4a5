// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package tgmarkup converts Markdown text to Telegram-flavored message markup.
//
// [Render] produces a string in the MarkdownV2 format understood by the
// Telegram Bot API: formatting spans are preserved and reserved characters in
// regular text are escaped so they display literally. [Strip] drops all
// formatting instead, producing plain text for the case when Telegram refuses
// the formatted variant.
//
// See https://core.telegram.org/bots/api#markdownv2-style.
package tgmarkup

import (
	"strconv"
	"strings"

	"rsc.io/markdown"
)

// Render converts Markdown text to MarkdownV2 markup, suitable for sending
// with parse_mode set to "MarkdownV2".
func Render(text string) string {
	return render(text, false)
}

// Strip converts Markdown text to plain text with all formatting removed,
// suitable for sending without a parse_mode.
func Strip(text string) string {
	return render(text, true)
}

func render(text string, plain bool) string {
	p := markdown.Parser{Strikethrough: true}
	doc := p.Parse(text)

	r := &renderer{plain: plain}
	for _, b := range doc.Blocks {
		r.block(b)
	}
	return strings.TrimRight(r.sb.String(), "\n")
}

type renderer struct {
	sb    strings.Builder
	plain bool // drop formatting instead of emitting MarkdownV2
}

// text writes s, escaping reserved characters unless in plain mode.
func (r *renderer) text(s string) {
	if r.plain {
		r.sb.WriteString(s)
		return
	}
	r.sb.WriteString(escape(s))
}

// wrap writes the delimiter only when emitting markup.
func (r *renderer) wrap(delim string) {
	if !r.plain {
		r.sb.WriteString(delim)
	}
}

func (r *renderer) block(b markdown.Block) {
	switch block := b.(type) {
	case *markdown.Paragraph:
		r.inlines(block.Text.Inline)
		r.sb.WriteString("\n")
	case *markdown.Quote:
		inner := &renderer{plain: r.plain}
		for _, b := range block.Blocks {
			inner.block(b)
		}
		quoted := strings.TrimRight(inner.sb.String(), "\n")
		if r.plain {
			r.sb.WriteString(quoted)
			r.sb.WriteString("\n")
			return
		}
		for _, line := range strings.Split(quoted, "\n") {
			r.sb.WriteString(">")
			r.sb.WriteString(line)
			r.sb.WriteString("\n")
		}
	case *markdown.CodeBlock:
		if r.plain {
			for _, line := range block.Text {
				r.sb.WriteString(line)
				r.sb.WriteString("\n")
			}
			return
		}
		r.sb.WriteString("```")
		r.sb.WriteString(escapeCode(block.Info))
		r.sb.WriteString("\n")
		for _, line := range block.Text {
			r.sb.WriteString(escapeCode(line))
			r.sb.WriteString("\n")
		}
		r.sb.WriteString("```\n")
	case *markdown.Heading:
		r.wrap("*")
		r.inlines(block.Text.Inline)
		r.wrap("*")
		r.sb.WriteString("\n")
	case *markdown.List:
		num := block.Start
		for _, itemBlock := range block.Items {
			item, ok := itemBlock.(*markdown.Item)
			if !ok {
				continue
			}
			if block.Bullet == '.' || block.Bullet == ')' {
				r.text(strconv.Itoa(num) + ". ")
				num++
			} else {
				r.sb.WriteString("• ")
			}
			for _, b := range item.Blocks {
				r.block(b)
			}
		}
	case *markdown.ThematicBreak:
		r.sb.WriteString("⸻\n")
	}
}

func (r *renderer) inlines(inlines markdown.Inlines) {
	for _, inline := range inlines {
		r.inline(inline)
	}
}

func (r *renderer) inline(i markdown.Inline) {
	switch inline := i.(type) {
	case *markdown.Plain:
		r.text(inline.Text)
	case *markdown.Strong:
		r.wrap("*")
		r.inlines(inline.Inner)
		r.wrap("*")
	case *markdown.Emph:
		r.wrap("_")
		r.inlines(inline.Inner)
		r.wrap("_")
	case *markdown.Del:
		r.wrap("~")
		r.inlines(inline.Inner)
		r.wrap("~")
	case *markdown.Link:
		if r.plain {
			r.inlines(inline.Inner)
			return
		}
		r.sb.WriteString("[")
		r.inlines(inline.Inner)
		r.sb.WriteString("](")
		r.sb.WriteString(escapeURL(inline.URL))
		r.sb.WriteString(")")
	case *markdown.AutoLink:
		r.text(inline.Text)
	case *markdown.Code:
		r.wrap("`")
		if r.plain {
			r.sb.WriteString(inline.Text)
		} else {
			r.sb.WriteString(escapeCode(inline.Text))
		}
		r.wrap("`")
	case *markdown.SoftBreak:
		r.sb.WriteString("\n")
	case *markdown.HardBreak:
		r.sb.WriteString("\n")
	}
}

// reserved are the characters that must be escaped in MarkdownV2 text outside
// of code spans and link URLs.
const reserved = "_*[]()~`>#+-=|{}.!"

func escape(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r == '\\' || strings.ContainsRune(reserved, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// escapeCode escapes the characters that are special inside code spans and
// pre blocks.
func escapeCode(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "`", "\\`")
}

// escapeURL escapes the characters that are special inside the URL part of an
// inline link.
func escapeURL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ")", `\)`)
}
