package anki

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// PackageNote is one note read back from a package.
type PackageNote struct {
	GUID   string
	Fields []string
	Tags   []string
}

// Question returns the front side as plain text.
func (n PackageNote) Question() string {
	if len(n.Fields) == 0 {
		return ""
	}
	return html.UnescapeString(n.Fields[0])
}

// Answer returns the back side markup as stored in the note.
func (n PackageNote) Answer() string {
	if len(n.Fields) < 2 {
		return ""
	}
	return n.Fields[1]
}

// Bullets returns the text answer bullets as plain text, without an
// attached image reference.
func (n PackageNote) Bullets() []string {
	var bullets []string
	for _, part := range strings.Split(n.Answer(), answerSeparator) {
		if part == "" || strings.HasPrefix(part, "<img ") {
			continue
		}
		bullets = append(bullets, html.UnescapeString(part))
	}
	return bullets
}

type Package struct {
	Notes []PackageNote
	Decks []string
	// Media maps file names to their content.
	Media map[string][]byte
}

// ReadPackage opens an .apkg produced by Export (or by Anki itself, as
// long as it uses the legacy collection.anki2 layout).
func ReadPackage(ctx context.Context, data []byte) (*Package, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("not a package: %w", err)
	}

	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[f.Name] = f
	}

	colEntry, ok := entries[collectionFile]
	if !ok {
		return nil, errors.New("package has no collection.anki2")
	}

	workDir, err := os.MkdirTemp("", "merkwerk-read-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	dbPath := filepath.Join(workDir, collectionFile)
	if err := extract(colEntry, dbPath); err != nil {
		return nil, err
	}

	pkg := &Package{Media: map[string][]byte{}}
	if err := readCollection(ctx, dbPath, pkg); err != nil {
		return nil, err
	}

	if f, ok := entries[mediaFile]; ok {
		raw, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		var index map[string]string
		if err := json.Unmarshal(raw, &index); err != nil {
			return nil, fmt.Errorf("invalid media index: %w", err)
		}
		for key, name := range index {
			entry, ok := entries[key]
			if !ok {
				return nil, fmt.Errorf("media %s (%s) missing from package", key, name)
			}
			if pkg.Media[name], err = readEntry(entry); err != nil {
				return nil, err
			}
		}
	}
	return pkg, nil
}

func readCollection(ctx context.Context, path string, pkg *Package) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open collection: %w", err)
	}
	defer db.Close()

	var decksJSON string
	if err := db.QueryRowContext(ctx, `SELECT decks FROM col LIMIT 1`).Scan(&decksJSON); err != nil {
		return fmt.Errorf("failed to read collection header: %w", err)
	}
	var decks map[string]struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(decksJSON), &decks); err != nil {
		return fmt.Errorf("invalid deck list: %w", err)
	}
	for _, d := range decks {
		if d.Name != "Default" {
			pkg.Decks = append(pkg.Decks, d.Name)
		}
	}

	rows, err := db.QueryContext(ctx, `SELECT guid, flds, tags FROM notes ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to read notes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var guid, flds, tags string
		if err := rows.Scan(&guid, &flds, &tags); err != nil {
			return fmt.Errorf("failed to scan note: %w", err)
		}
		pkg.Notes = append(pkg.Notes, PackageNote{
			GUID:   guid,
			Fields: strings.Split(flds, fieldSeparator),
			Tags:   strings.Fields(tags),
		})
	}
	return rows.Err()
}

func extract(f *zip.File, dst string) error {
	data, err := readEntry(f)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0600); err != nil {
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	return data, nil
}
