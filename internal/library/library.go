package library

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kpauljoseph/merkwerk/internal/cardstore"
	"github.com/kpauljoseph/merkwerk/internal/pdf"
	"github.com/kpauljoseph/merkwerk/pkg/logger"
)

var (
	ErrNotPDF           = errors.New("not a PDF document")
	ErrDocumentNotFound = errors.New("document not found")
)

// Library keeps uploaded source documents in <root>/<subject>/<name>.
type Library struct {
	root   string
	store  cardstore.Store
	logger *logger.Logger
}

type Entry struct {
	Name     string
	Size     int64
	Modified time.Time
}

type Stats struct {
	PDFCount int
	Imported int
	Skipped  int
}

func New(root string, store cardstore.Store, log *logger.Logger) *Library {
	return &Library{root: root, store: store, logger: log}
}

func (l *Library) dir(subject string) (string, error) {
	if err := cardstore.ValidateSubject(subject); err != nil {
		return "", err
	}
	return filepath.Join(l.root, subject), nil
}

func documentName(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("invalid document name %q", name)
	}
	if !strings.EqualFold(filepath.Ext(base), ".pdf") {
		return "", fmt.Errorf("%w: %s", ErrNotPDF, name)
	}
	return base, nil
}

// Add validates r as a PDF and stores it under name, replacing an earlier
// upload of the same name. It returns the page count.
func (l *Library) Add(ctx context.Context, subject, name string, r io.Reader) (int, error) {
	dir, err := l.dir(subject)
	if err != nil {
		return 0, err
	}
	base, err := documentName(name)
	if err != nil {
		return 0, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", base, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	pages, err := pdf.Validate(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNotPDF, base, err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to store %s: %w", base, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to store %s: %w", base, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to store %s: %w", base, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, base)); err != nil {
		return 0, fmt.Errorf("failed to store %s: %w", base, err)
	}

	l.logger.Info("Added %s to %s (%d pages)", base, subject, pages)
	return pages, nil
}

func (l *Library) List(subject string) ([]Entry, error) {
	dir, err := l.dir(subject)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list documents of %s: %w", subject, err)
	}

	var out []Entry
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pdf") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: e.Name(), Size: info.Size(), Modified: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Path returns the file path of an uploaded document.
func (l *Library) Path(subject, name string) (string, error) {
	dir, err := l.dir(subject)
	if err != nil {
		return "", err
	}
	base, err := documentName(name)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, base)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, subject, base)
		}
		return "", err
	}
	return path, nil
}

// Delete removes the uploaded file and every card generated from it. Both
// steps tolerate a document that is already gone.
func (l *Library) Delete(ctx context.Context, subject, name string) (int, error) {
	dir, err := l.dir(subject)
	if err != nil {
		return 0, err
	}
	base := filepath.Base(strings.TrimSpace(name))

	if err := os.Remove(filepath.Join(dir, base)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("failed to remove %s: %w", base, err)
	}

	removed, err := cardstore.DeleteDocument(ctx, l.store, subject, base)
	if err != nil {
		return 0, fmt.Errorf("failed to remove cards of %s: %w", base, err)
	}

	l.logger.Info("Deleted %s from %s (%d cards)", base, subject, removed)
	return removed, nil
}

// DeleteSubject removes every upload of subject together with its whole
// card collection and returns the number of cards that were dropped.
func (l *Library) DeleteSubject(ctx context.Context, subject string) (int, error) {
	dir, err := l.dir(subject)
	if err != nil {
		return 0, err
	}

	col, err := l.store.Load(ctx, subject)
	if err != nil {
		return 0, fmt.Errorf("failed to load cards of %s: %w", subject, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("failed to remove uploads of %s: %w", subject, err)
	}
	if err := l.store.Delete(ctx, subject); err != nil {
		return 0, err
	}

	l.logger.Info("Deleted subject %s (%d cards)", subject, len(col.Cards))
	return len(col.Cards), nil
}

// Import walks dir and adds every valid PDF it finds to subject. Files
// that fail validation are logged and skipped.
func (l *Library) Import(ctx context.Context, subject, dir string) (Stats, error) {
	var stats Stats

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			return fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if info.IsDir() {
			l.logger.Debug("Scanning directory: %s", path)
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".pdf") {
			return nil
		}

		stats.PDFCount++
		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			relPath = path
		}

		f, err := os.Open(path)
		if err != nil {
			l.logger.Warn("Cannot open %s: %v", relPath, err)
			stats.Skipped++
			return nil
		}
		defer f.Close()

		if _, err := l.Add(ctx, subject, filepath.Base(path), f); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			l.logger.Warn("Skipping %s: %v", relPath, err)
			stats.Skipped++
			return nil
		}
		stats.Imported++
		return nil
	})
	if err != nil {
		return stats, err
	}

	if stats.PDFCount == 0 {
		return stats, fmt.Errorf("no PDF files found in %s or its subdirectories", dir)
	}
	return stats, nil
}
