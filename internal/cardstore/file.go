package cardstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kpauljoseph/merkwerk/pkg/logger"
	"github.com/kpauljoseph/merkwerk/pkg/models"
)

// FileStore keeps each subject in <root>/<subject>/flashcards.json.
// Writers within one process are serialized; the version stamp guards
// against writers in other processes.
type FileStore struct {
	root   string
	mu     sync.Mutex
	logger *logger.Logger
}

var _ Store = (*FileStore)(nil)

func NewFileStore(root string, log *logger.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create card store directory: %w", err)
	}
	return &FileStore{root: root, logger: log}, nil
}

func (s *FileStore) path(subject string) string {
	return filepath.Join(s.root, subject, CardsFileName)
}

func (s *FileStore) Load(ctx context.Context, subject string) (Collection, error) {
	if err := ValidateSubject(subject); err != nil {
		return Collection{}, err
	}
	if err := ctx.Err(); err != nil {
		return Collection{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read(subject)
	if err != nil {
		return Collection{}, err
	}
	return Collection{Version: doc.Version, Cards: loaded(subject, doc.Cards)}, nil
}

func (s *FileStore) read(subject string) (document, error) {
	data, err := os.ReadFile(s.path(subject))
	if errors.Is(err, fs.ErrNotExist) {
		return document{}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("failed to read cards of %s: %w", subject, err)
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return document{}, fmt.Errorf("cards of %s: %w", subject, err)
	}
	return doc, nil
}

func (s *FileStore) Replace(ctx context.Context, subject string, cards []models.Card, expected int64) (int64, error) {
	if err := checkCards(subject, cards); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(subject)
	if err != nil {
		return 0, err
	}
	if current.Version != expected {
		return 0, fmt.Errorf("%w: %s is at version %d, expected %d", ErrConflict, subject, current.Version, expected)
	}

	next := expected + 1
	data, err := encodeDocument(next, cards)
	if err != nil {
		return 0, fmt.Errorf("failed to encode cards of %s: %w", subject, err)
	}
	if err := writeAtomic(s.path(subject), data); err != nil {
		return 0, fmt.Errorf("failed to write cards of %s: %w", subject, err)
	}

	s.logger.Debug("Stored %d cards for %s (version %d)", len(cards), subject, next)
	return next, nil
}

// Subjects lists every subject directory, including ones whose cards were
// all deleted.
func (s *FileStore) Subjects(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}

	subjects := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && ValidateSubject(e.Name()) == nil {
			subjects = append(subjects, e.Name())
		}
	}
	sort.Strings(subjects)
	return subjects, nil
}

func (s *FileStore) Delete(ctx context.Context, subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(s.root, subject)); err != nil {
		return fmt.Errorf("failed to delete cards of %s: %w", subject, err)
	}
	s.logger.Debug("Deleted card collection of %s", subject)
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
