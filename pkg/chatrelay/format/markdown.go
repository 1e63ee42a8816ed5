// Package format converts the Markdown produced by language models into the
// markup each messaging channel understands.
package format

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	codeBlockRe  = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	boldRe       = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	boldUnderRe  = regexp.MustCompile(`__([^_\n]+)__`)
	italicRe     = regexp.MustCompile(`\*([^*\n]+)\*`)
	strikeRe     = regexp.MustCompile(`~~([^~\n]+)~~`)
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

// ForChannel dispatches to the formatter for channel. Unknown channels get
// the text unchanged.
func ForChannel(text, channel string) string {
	switch strings.ToLower(strings.TrimSpace(channel)) {
	case "telegram":
		return Telegram(text)
	case "console", "plain":
		return Plain(text)
	default:
		// Discord renders standard Markdown natively.
		return text
	}
}

// Telegram converts Markdown to Telegram HTML parse mode. Telegram accepts
// <b>, <i>, <s>, <code>, <pre> and <a href>; everything else is escaped.
func Telegram(text string) string {
	var protected []string
	protect := func(s string) string {
		protected = append(protected, s)
		return fmt.Sprintf("\x00%d\x00", len(protected)-1)
	}

	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := codeBlockRe.FindStringSubmatch(m)[1]
		return protect("<pre>" + escapeHTML(strings.TrimSpace(inner)) + "</pre>")
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		return protect("<code>" + escapeHTML(m[1:len(m)-1]) + "</code>")
	})
	text = linkRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := linkRe.FindStringSubmatch(m)
		return protect(`<a href="` + escapeHTML(sub[2]) + `">` + escapeHTML(sub[1]) + "</a>")
	})

	text = escapeHTML(text)

	text = headingRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldUnderRe.ReplaceAllString(text, "<b>$1</b>")
	text = italicRe.ReplaceAllString(text, "<i>$1</i>")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")

	for i, p := range protected {
		text = strings.Replace(text, fmt.Sprintf("\x00%d\x00", i), p, 1)
	}
	return text
}

// Plain strips Markdown markers, keeping only the text.
func Plain(text string) string {
	text = codeBlockRe.ReplaceAllString(text, "$1")
	text = inlineCodeRe.ReplaceAllString(text, "$1")
	text = linkRe.ReplaceAllString(text, "$1 ($2)")
	text = headingRe.ReplaceAllString(text, "$1")
	text = boldRe.ReplaceAllString(text, "$1")
	text = boldUnderRe.ReplaceAllString(text, "$1")
	text = italicRe.ReplaceAllString(text, "$1")
	text = strikeRe.ReplaceAllString(text, "$1")
	return strings.TrimSpace(text)
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
