// Package render turns assistant markdown into sanitized HTML.
package render

import (
	"bytes"
	"regexp"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Cursor is appended to streaming renders.
const Cursor = `<span class="streaming-cursor"></span>`

// Renderer has a fast path for streaming renders and a highlighted path for
// the final one. It is safe for concurrent use.
type Renderer struct {
	stream goldmark.Markdown
	final  goldmark.Markdown
	policy *bluemonday.Policy
}

func New() *Renderer {
	opts := []goldmark.Option{
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	}
	final := append(opts[:len(opts):len(opts)], goldmark.WithExtensions(
		highlighting.NewHighlighting(
			highlighting.WithStyle("monokai"),
			highlighting.WithFormatOptions(chromahtml.WithClasses(true)),
		),
	))

	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Matching(regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)).OnElements("span", "pre", "code", "div")

	return &Renderer{
		stream: goldmark.New(opts...),
		final:  goldmark.New(final...),
		policy: policy,
	}
}

// Markdown renders text. Streaming renders skip syntax highlighting and end
// with Cursor.
func (r *Renderer) Markdown(text string, streaming bool) (string, error) {
	md := r.final
	if streaming {
		md = r.stream
	}
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	out := r.policy.SanitizeBytes(buf.Bytes())
	if streaming {
		return string(out) + Cursor, nil
	}
	return string(out), nil
}
