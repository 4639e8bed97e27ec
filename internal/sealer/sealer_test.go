package sealer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/covenant/model"
)

const threePageDoc = "%PDF-1.7\n1 0 obj << /Type /Pages /Count 3 >> endobj\n" +
	"2 0 obj << /Type /Page >> endobj\n3 0 obj << /Type /Page >> endobj\n4 0 obj << /Type /Page >> endobj\n%%EOF"

func TestTrailerRenderer_PageCount(t *testing.T) {
	r := TrailerRenderer{}
	n, err := r.PageCount(context.Background(), []byte(threePageDoc))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, _ = r.PageCount(context.Background(), []byte("plain bytes"))
	assert.Equal(t, 1, n)
}

func TestTrailerRenderer_PageCountEdges(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want int
	}{
		{"compact dictionary", "<</Type/Pages/Count 2>><</Type/Page>><</Type/Page>>", 2},
		{"page object at end of input", "<< /Type /Pages >> << /Type /Page >> << /Type /Page", 2},
		{"tree root only", "<< /Type /Pages /Count 0 >>", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := TrailerRenderer{}.PageCount(context.Background(), []byte(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestSeal_deterministic(t *testing.T) {
	s := New(TrailerRenderer{})
	placements := []Placement{
		{SignerID: "s-2", Page: 3, Overlay: Overlay{Image: []byte("sig-2"), X: 20, Y: 180, Width: 60, Height: 20}},
		{SignerID: "s-1", Page: 1, Overlay: Overlay{Image: []byte("sig-1"), X: 20, Y: 210, Width: 60, Height: 20}},
	}

	a, err := s.Seal(context.Background(), []byte(threePageDoc), placements)
	require.NoError(t, err)
	b, err := s.Seal(context.Background(), []byte(threePageDoc), placements)
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, HashHex(a.Bytes), a.Hash)
	assert.True(t, bytes.HasPrefix(a.Bytes, []byte(threePageDoc)), "original bytes must be preserved")

	page1 := bytes.Index(a.Bytes, []byte("page=1"))
	page3 := bytes.Index(a.Bytes, []byte("page=3"))
	assert.True(t, page1 > 0 && page3 > page1, "overlays are applied in page order")
}

func TestSeal_hashDependsOnSignature(t *testing.T) {
	s := New(TrailerRenderer{})
	a, _ := s.Seal(context.Background(), []byte(threePageDoc), []Placement{{Page: 1, Overlay: Overlay{Image: []byte("a"), Width: 1, Height: 1}}})
	b, _ := s.Seal(context.Background(), []byte(threePageDoc), []Placement{{Page: 1, Overlay: Overlay{Image: []byte("b"), Width: 1, Height: 1}}})
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestSeal_clampsPageToLast(t *testing.T) {
	s := New(TrailerRenderer{})
	out, err := s.Seal(context.Background(), []byte(threePageDoc), []Placement{{Page: 9, Overlay: Overlay{Image: []byte("x"), Width: 1, Height: 1}}})
	require.NoError(t, err)
	assert.Contains(t, string(out.Bytes), "page=3 ")
}

type failingRenderer struct{ TrailerRenderer }

func (failingRenderer) Overlay(context.Context, []byte, int, []Overlay) ([]byte, error) {
	return nil, errors.New("renderer crashed")
}

func TestSeal_rendererFailure(t *testing.T) {
	s := New(failingRenderer{})
	_, err := s.Seal(context.Background(), []byte(threePageDoc), []Placement{{Page: 1, Overlay: Overlay{Image: []byte("x")}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlay page 1")
}

func TestGenerateCertificate(t *testing.T) {
	signedAt := time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)
	out, err := GenerateCertificate(CertificateInput{
		ContractTitle: "Supply Agreement",
		Session: model.SigningSession{
			ID: "ss-1", ContractID: "c-1", SigningOrder: model.SigningOrderSequential,
			DocumentHash: "abc123", CreatedAt: signedAt.Add(-time.Hour),
		},
		Signers: []model.SigningSessionSigner{
			{SigningOrder: 1, SignerName: "Ada Obi", SignerEmail: "ada@example.com", Status: model.SignerSigned, SignedAt: &signedAt, IPAddress: "203.0.113.9"},
		},
		Trail: []model.SigningAuditEntry{
			{Event: model.SigningEventSigned, SignerID: "s-1", IPAddress: "203.0.113.9", CreatedAt: signedAt},
		},
		FinalHash:   "def456",
		CompletedAt: signedAt,
	})
	require.NoError(t, err)

	text := string(out)
	for _, want := range []string{
		"Supply Agreement", "ss-1", "abc123", "def456",
		"Ada Obi <ada@example.com>", "2026-04-02T10:30:00Z", "203.0.113.9", "signed",
	} {
		assert.True(t, strings.Contains(text, want), "certificate missing %q", want)
	}
}
