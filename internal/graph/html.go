package graph

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"

	"github.com/kpauljoseph/merkwerk/pkg/models"
)

type OutlineNode struct {
	Label    string
	Children []OutlineNode
}

var page = template.Must(template.New("graph").Parse(`<!DOCTYPE html>
<html lang="de">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 0; padding: 12px; background: #fff; }
img { max-width: 100%; height: auto; display: block; margin: 0 auto; }
ul { line-height: 1.5; }
</style>
</head>
<body>
<h2>{{.Title}}</h2>
<img alt="{{.Title}}" src="{{.Image}}">
<ul>{{range .Outline}}{{template "node" .}}{{end}}</ul>
</body>
</html>
{{define "node"}}<li>{{.Label}}{{if .Children}}<ul>{{range .Children}}{{template "node" .}}{{end}}</ul>{{end}}</li>{{end}}`))

// Render returns a self-contained HTML document for the graph: the
// rendered picture inlined as a data URL plus a nested outline of the
// hierarchy.
func Render(title string, g models.ConceptGraph) (string, error) {
	img, err := RenderPNG(g)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	err = page.Execute(&buf, struct {
		Title   string
		Image   template.URL
		Outline []OutlineNode
	}{
		Title:   title,
		Image:   template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(img)),
		Outline: Outline(g),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render concept graph page: %w", err)
	}
	return buf.String(), nil
}

// Outline returns the graph as a forest in edge order.
func Outline(g models.ConceptGraph) []OutlineNode {
	t := buildTree(g)
	var walk func(string) OutlineNode
	walk = func(n string) OutlineNode {
		node := OutlineNode{Label: n}
		for _, c := range t.children[n] {
			node.Children = append(node.Children, walk(c))
		}
		return node
	}

	out := make([]OutlineNode, 0, len(t.roots))
	for _, r := range t.roots {
		out = append(out, walk(r))
	}
	return out
}
