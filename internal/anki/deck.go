package anki

import (
	"path/filepath"
	"strings"
)

const deckSeparator = "::"

// DeckName builds a nested Anki deck name from the non-empty parts. The
// document's extension is dropped.
func DeckName(root, subject, document string) string {
	document = strings.TrimSuffix(document, filepath.Ext(document))

	var parts []string
	for _, p := range []string{root, subject, document} {
		p = strings.TrimSpace(strings.ReplaceAll(p, deckSeparator, ":"))
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, deckSeparator)
}

func deckTag(deckName string) string {
	tag := strings.ReplaceAll(strings.TrimSpace(deckName), deckSeparator, "_")
	return strings.ReplaceAll(tag, " ", "_")
}
