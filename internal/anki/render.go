package anki

import (
	"encoding/base64"
	"fmt"
	"html"
	"strings"

	"github.com/kpauljoseph/merkwerk/pkg/models"
)

const answerSeparator = "<br>"

func questionField(c models.Card) string {
	return html.EscapeString(c.Question)
}

// answerField renders the back side. Bullets are joined with <br>, an
// attached page image is referenced by its media file name and a concept
// graph card embeds its HTML page as an inline frame.
func answerField(c models.Card, imageFile string) string {
	if c.IsGraph() {
		markup := strings.Join(c.Answer, "\n")
		return fmt.Sprintf(
			"<iframe src='data:text/html;base64,%s' width='100%%' height='600px' frameborder='0'></iframe>",
			base64.StdEncoding.EncodeToString([]byte(markup)),
		)
	}

	bullets := make([]string, len(c.Answer))
	for i, a := range c.Answer {
		bullets[i] = html.EscapeString(a)
	}
	back := strings.Join(bullets, answerSeparator)
	if imageFile != "" {
		back += answerSeparator + fmt.Sprintf(`<img src="%s">`, imageFile)
	}
	return back
}

func imageFileName(index int) string {
	return fmt.Sprintf("flashcard_%d_image.png", index)
}
