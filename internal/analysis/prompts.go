package analysis

import (
	"fmt"
	"strings"
)

const (
	pageSchemaName  = "flashcard"
	graphSchemaName = "concept_graph"
)

var pageSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"question": map[string]any{"type": "string"},
		"answer": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"required":             []string{"question", "answer"},
	"additionalProperties": false,
}

var graphSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"nodes": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"edges": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
	},
	"required":             []string{"nodes", "edges"},
	"additionalProperties": false,
}

type promptSet struct {
	page       string
	pageImage  string
	graph      string
	pageSystem string
}

var prompts = map[string]promptSet{
	"de": {
		pageSystem: "Du erstellst Lernkarten aus Vorlesungsfolien und antwortest ausschließlich mit JSON.",
		page: `Analysiere diese PDF-Seite und erstelle eine Lernkarte.

Vorgaben:
- Formuliere eine präzise, aber umfassende Frage, die das Hauptthema der Seite abdeckt.
- Die Antwort muss eine Liste von kurzen, prägnanten Stichpunkten sein.
- Jeder Stichpunkt muss mit "•" beginnen und als Halbsatz formuliert sein.
- Verwende einfache, leicht verständliche Sprache.
- Erkläre alle Fachbegriffe in einfachen Worten.
- Inkludiere alle auf der Seite vorkommenden Fachbegriffe in der Karteikarte.

Kontext:
- Dokument: %s
- Seite: %d

Extrahierter Text der Seite:
%s`,
		pageImage: "WICHTIG: Nutze BEIDE Inputs, den extrahierten Text und das Folienbild. Der Text kann unvollständig sein.",
		graph: `Erstelle eine Mindmap aus dem folgenden Text. Das zentrale Thema heißt "%s".
Die Mindmap soll oberflächlich sein und nur die wichtigsten Hauptthemen und deren Hierarchie darstellen.

Gib ein JSON-Objekt mit den Schlüsseln "nodes" und "edges" aus:
- "nodes" ist eine Liste eindeutiger Konzeptnamen.
- "edges" ist eine Liste von Paaren [Quelle, Ziel]; beide müssen in "nodes" vorkommen.
Verwende kurze, prägnante Begriffe.

Text des Dokuments:
%s`,
	},
	"en": {
		pageSystem: "You turn lecture slides into study cards and answer with JSON only.",
		page: `Analyse this PDF page and create one study card.

Rules:
- Ask one precise but comprehensive question covering the main topic of the page.
- The answer is a list of short bullet points.
- Every bullet starts with "•" and is a half sentence.
- Use plain, easy language and explain every technical term.
- Include every technical term that appears on the page.

Context:
- Document: %s
- Page: %d

Extracted page text:
%s`,
		pageImage: "IMPORTANT: use BOTH inputs, the extracted text and the slide image. The text may be incomplete.",
		graph: `Build a concept map from the text below. The central topic is "%s".
Keep it shallow: only the main topics and their hierarchy.

Return a JSON object with the keys "nodes" and "edges":
- "nodes" is a list of unique concept names.
- "edges" is a list of [source, target] pairs; both must appear in "nodes".
Use short terms.

Document text:
%s`,
	},
}

func promptsFor(language string) promptSet {
	if p, ok := prompts[strings.ToLower(language)]; ok {
		return p
	}
	return prompts["de"]
}

func (p promptSet) pagePrompt(req PageRequest) string {
	prompt := fmt.Sprintf(p.page, req.DocumentName, req.Page, req.Text)
	if len(req.Image) > 0 {
		prompt = p.pageImage + "\n\n" + prompt
	}
	return prompt
}

func (p promptSet) graphPrompt(req GraphRequest) string {
	return fmt.Sprintf(p.graph, req.DocumentName, req.FullText)
}
