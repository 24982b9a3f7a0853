package graph

import (
	"bytes"
	"fmt"
	"image/color"

	"github.com/fogleman/gg"

	"github.com/kpauljoseph/merkwerk/pkg/models"
)

const (
	ringSpacing = 170.0
	nodePadding = 8.0
	minCanvas   = 480
)

var (
	background = color.White
	edgeColor  = color.NRGBA{R: 0x9a, G: 0xa5, B: 0xb1, A: 0xff}
	rootFill   = color.NRGBA{R: 0x2f, G: 0x5d, B: 0x8a, A: 0xff}
	nodeFill   = color.NRGBA{R: 0xe8, G: 0xf0, B: 0xf8, A: 0xff}
	nodeBorder = color.NRGBA{R: 0x2f, G: 0x5d, B: 0x8a, A: 0xff}
)

// RenderPNG draws the graph as a radial tree and returns it PNG encoded.
// The graph must already be valid.
func RenderPNG(g models.ConceptGraph) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	t := buildTree(g)
	size := max(minCanvas, int(2*ringSpacing*float64(maxDepthOf(t)+1)))
	pos := radialLayout(g, t, float64(size), ringSpacing)

	dc := gg.NewContext(size, size)
	dc.SetColor(background)
	dc.Clear()

	dc.SetColor(edgeColor)
	dc.SetLineWidth(2)
	for _, e := range g.Edges {
		from, to := pos[e.Source()], pos[e.Target()]
		dc.DrawLine(from.X, from.Y, to.X, to.Y)
		dc.Stroke()
	}

	roots := make(map[string]bool, len(t.roots))
	for _, r := range t.roots {
		roots[r] = true
	}
	for _, n := range g.Nodes {
		drawNode(dc, n, pos[n], roots[n])
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode concept graph: %w", err)
	}
	return buf.Bytes(), nil
}

func drawNode(dc *gg.Context, label string, at point, root bool) {
	w, h := dc.MeasureString(label)
	w += 2 * nodePadding
	h += 2 * nodePadding

	dc.DrawRoundedRectangle(at.X-w/2, at.Y-h/2, w, h, 6)
	if root {
		dc.SetColor(rootFill)
	} else {
		dc.SetColor(nodeFill)
	}
	dc.FillPreserve()
	dc.SetColor(nodeBorder)
	dc.SetLineWidth(1.5)
	dc.Stroke()

	if root {
		dc.SetColor(color.White)
	} else {
		dc.SetColor(color.Black)
	}
	dc.DrawStringAnchored(label, at.X, at.Y, 0.5, 0.35)
}
