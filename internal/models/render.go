package models

import (
	"bytes"
	"fmt"
	"html"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(
			highlighting.WithStyle("monokai"),
		),
	),
	goldmark.WithRendererOptions(
		gmhtml.WithHardWraps(),
	),
)

// RenderContent renders the content of a message into HTML. Assistant content is interpreted as
// markdown, raw HTML inside it is not passed through. Any other content is displayed as literal
// preformatted text.
func RenderContent(msg Message) (string, error) {
	if msg.Role != RoleAssistant {
		return "<pre>" + html.EscapeString(msg.Content) + "</pre>", nil
	}

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(msg.Content), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return buf.String(), nil
}
