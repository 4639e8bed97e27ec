package sealer

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
)

// pageObject matches PDF page objects but not the page tree root.
var pageObject = regexp.MustCompile(`/Type\s*/Page(?:[^s]|$)`)

// TrailerRenderer is the renderer used when no PDF engine is configured. It
// leaves the original bytes intact and appends one comment line per overlay
// recording the page, the rectangle and the image digest. PDF readers ignore
// trailing comments, so the document still opens, and the appended manifest
// makes the sealed hash depend on every signature.
type TrailerRenderer struct{}

// PageCount counts page objects. Documents without any are treated as a
// single page.
func (TrailerRenderer) PageCount(_ context.Context, source []byte) (int, error) {
	n := len(pageObject.FindAllIndex(source, -1))
	if n == 0 {
		n = 1
	}
	return n, nil
}

// Overlay implements Renderer.
func (TrailerRenderer) Overlay(_ context.Context, source []byte, page int, overlays []Overlay) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(source) + len(overlays)*128)
	buf.Write(source)
	if len(source) > 0 && source[len(source)-1] != '\n' {
		buf.WriteByte('\n')
	}
	for _, o := range overlays {
		if len(o.Image) == 0 {
			return nil, fmt.Errorf("overlay on page %d has no image", page)
		}
		fmt.Fprintf(&buf, "%%covenant-overlay page=%d x=%.2f y=%.2f w=%.2f h=%.2f image-sha256=%s\n",
			page, o.X, o.Y, o.Width, o.Height, HashHex(o.Image))
	}
	return buf.Bytes(), nil
}
