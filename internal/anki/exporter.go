package anki

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kpauljoseph/merkwerk/pkg/logger"
	"github.com/kpauljoseph/merkwerk/pkg/models"
	"github.com/kpauljoseph/merkwerk/pkg/utils"
)

const (
	collectionFile = "collection.anki2"
	mediaFile      = "media"
	exportTag      = "merkwerk"
)

var ErrEmptyDeck = errors.New("no cards to export")

// Exporter writes cards as an Anki package (.apkg).
type Exporter struct {
	tempDir string
	logger  *logger.Logger
}

func NewExporter(tempDir string, log *logger.Logger) *Exporter {
	return &Exporter{tempDir: tempDir, logger: log}
}

// Export builds one note per card in deckName and returns the package
// bytes. The scratch directory is removed on every return path.
func (e *Exporter) Export(ctx context.Context, deckName string, cards []models.Card) ([]byte, error) {
	if len(cards) == 0 {
		return nil, ErrEmptyDeck
	}
	if deckName == "" {
		return nil, errors.New("deck name must not be empty")
	}

	if e.tempDir != "" {
		if err := os.MkdirAll(e.tempDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create temp directory: %w", err)
		}
	}
	workDir, err := os.MkdirTemp(e.tempDir, "merkwerk-apkg-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	dbPath := filepath.Join(workDir, collectionFile)
	col, err := createCollection(ctx, dbPath, deckName)
	if err != nil {
		return nil, err
	}

	media := newMediaSet()
	for i, card := range cards {
		imageFile := ""
		if card.HasImage() && !card.IsGraph() {
			data, err := base64.StdEncoding.DecodeString(card.Media.Image)
			if err != nil {
				e.logger.Warn("Skipping unreadable image of card %s: %v", card.ID, err)
			} else {
				imageFile = media.add(imageFileName(i), data)
			}
		}

		note := collectionNote{
			guid:     utils.ShortHash("note", card.ID),
			fields:   []string{questionField(card), answerField(card, imageFile)},
			tags:     []string{exportTag, deckTag(deckName)},
			position: i,
		}
		if err := col.addNote(ctx, note); err != nil {
			col.Close()
			return nil, fmt.Errorf("card %d: %w", i, err)
		}
	}
	if err := col.Close(); err != nil {
		return nil, fmt.Errorf("failed to close collection: %w", err)
	}

	data, err := writePackage(dbPath, media)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Exported %d cards (%d media files) to deck %s", len(cards), len(media.names), deckName)
	return data, nil
}

// mediaSet numbers media files in insertion order and stores identical
// images once.
type mediaSet struct {
	names  []string
	data   [][]byte
	byHash map[string]string
}

func newMediaSet() *mediaSet {
	return &mediaSet{byHash: map[string]string{}}
}

func (m *mediaSet) add(name string, data []byte) string {
	h := utils.ContentHash(string(data))
	if existing, ok := m.byHash[h]; ok {
		return existing
	}
	m.byHash[h] = name
	m.names = append(m.names, name)
	m.data = append(m.data, data)
	return name
}

func writePackage(dbPath string, media *mediaSet) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	if err := addFileToZip(zw, collectionFile, dbPath); err != nil {
		return nil, err
	}

	index := make(map[string]string, len(media.names))
	for i, name := range media.names {
		key := strconv.Itoa(i)
		index[key] = name
		w, err := zw.Create(key)
		if err != nil {
			return nil, fmt.Errorf("failed to add media %s: %w", name, err)
		}
		if _, err := w.Write(media.data[i]); err != nil {
			return nil, fmt.Errorf("failed to write media %s: %w", name, err)
		}
	}

	indexJSON, err := json.Marshal(index)
	if err != nil {
		return nil, fmt.Errorf("failed to encode media index: %w", err)
	}
	w, err := zw.Create(mediaFile)
	if err != nil {
		return nil, fmt.Errorf("failed to add media index: %w", err)
	}
	if _, err := w.Write(indexJSON); err != nil {
		return nil, fmt.Errorf("failed to write media index: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish package: %w", err)
	}
	return buf.Bytes(), nil
}

func addFileToZip(zw *zip.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
