package cardstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/kpauljoseph/merkwerk/pkg/logger"
	"github.com/kpauljoseph/merkwerk/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS subjects (
	subject    TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	cards      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// SQLiteStore keeps one row per subject; the version column makes every
// write a compare-and-swap.
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.Logger
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(path string, log *logger.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: log}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, subject string) (Collection, error) {
	if err := ValidateSubject(subject); err != nil {
		return Collection{}, err
	}

	var (
		version int64
		body    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, cards FROM subjects WHERE subject = ?`, subject,
	).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return Collection{}, nil
	}
	if err != nil {
		return Collection{}, fmt.Errorf("failed to load cards of %s: %w", subject, err)
	}

	doc, err := decodeDocument([]byte(body))
	if err != nil {
		return Collection{}, fmt.Errorf("cards of %s: %w", subject, err)
	}
	return Collection{Version: version, Cards: loaded(subject, doc.Cards)}, nil
}

func (s *SQLiteStore) Replace(ctx context.Context, subject string, cards []models.Card, expected int64) (int64, error) {
	if err := checkCards(subject, cards); err != nil {
		return 0, err
	}

	next := expected + 1
	body, err := encodeDocument(next, cards)
	if err != nil {
		return 0, fmt.Errorf("failed to encode cards of %s: %w", subject, err)
	}

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO subjects (subject, version, cards) VALUES (?, ?, ?)
			ON CONFLICT(subject) DO NOTHING
		`, subject, next, string(body))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE subjects SET version = ?, cards = ?, updated_at = CURRENT_TIMESTAMP
			WHERE subject = ? AND version = ?
		`, next, string(body), subject, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to store cards of %s: %w", subject, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to store cards of %s: %w", subject, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s is no longer at version %d", ErrConflict, subject, expected)
	}

	s.logger.Debug("Stored %d cards for %s (version %d)", len(cards), subject, next)
	return next, nil
}

func (s *SQLiteStore) Subjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subject FROM subjects ORDER BY subject`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subjects = append(subjects, subject)
	}
	return subjects, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM subjects WHERE subject = ?`, subject)
	if err != nil {
		return fmt.Errorf("failed to delete cards of %s: %w", subject, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("Deleted card collection of %s", subject)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
