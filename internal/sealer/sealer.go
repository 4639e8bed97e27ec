// Package sealer produces the tamper-evident signed document: signature
// images are overlaid onto the source, the result is hashed, and a
// human-readable certificate describes who signed and when.
package sealer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Overlay is one image placed on a page.
type Overlay struct {
	Image  []byte
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Placement positions a signer's image on a 1-based page.
type Placement struct {
	SignerID string
	Page     int
	Overlay
}

// Renderer is the document rendering capability. Implementations must be
// deterministic: the same source and overlays yield the same bytes.
type Renderer interface {
	PageCount(ctx context.Context, source []byte) (int, error)
	Overlay(ctx context.Context, source []byte, page int, overlays []Overlay) ([]byte, error)
}

// Sealed is the output of Seal.
type Sealed struct {
	Bytes []byte
	Hash  string
}

// Sealer overlays signatures using a Renderer.
type Sealer struct {
	renderer Renderer
}

// New creates a Sealer.
func New(renderer Renderer) *Sealer {
	return &Sealer{renderer: renderer}
}

// Seal overlays placements page by page and hashes the result. Placements on
// pages beyond the document are clamped to its last page.
func (s *Sealer) Seal(ctx context.Context, source []byte, placements []Placement) (Sealed, error) {
	pages, err := s.renderer.PageCount(ctx, source)
	if err != nil {
		return Sealed{}, fmt.Errorf("count pages: %w", err)
	}
	if pages < 1 {
		return Sealed{}, fmt.Errorf("document has no pages")
	}

	byPage := make(map[int][]Overlay)
	for _, p := range placements {
		page := min(max(p.Page, 1), pages)
		byPage[page] = append(byPage[page], p.Overlay)
	}

	doc := source
	for page := 1; page <= pages; page++ {
		overlays := byPage[page]
		if len(overlays) == 0 {
			continue
		}
		doc, err = s.renderer.Overlay(ctx, doc, page, overlays)
		if err != nil {
			return Sealed{}, fmt.Errorf("overlay page %d: %w", page, err)
		}
	}

	return Sealed{Bytes: doc, Hash: HashHex(doc)}, nil
}

// PageCount returns the number of pages in source.
func (s *Sealer) PageCount(ctx context.Context, source []byte) (int, error) {
	return s.renderer.PageCount(ctx, source)
}

// HashHex returns the hex SHA-256 digest of data.
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
