package cardstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/kpauljoseph/merkwerk/pkg/logger"
	"github.com/kpauljoseph/merkwerk/pkg/models"
)

var errObjectNotFound = errors.New("object not found")

// objectBucket is the slice of a bucket the GCS store needs. Generation 0
// on write means the object must not exist yet.
type objectBucket interface {
	Read(ctx context.Context, key string) ([]byte, int64, error)
	Write(ctx context.Context, key string, data []byte, ifGeneration int64) (int64, error)
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key and reports errObjectNotFound when it is absent.
	Delete(ctx context.Context, key string) error
}

// GCSStore keeps each subject in <prefix><subject>/flashcards.json and uses
// the object generation as the collection version.
type GCSStore struct {
	bucket objectBucket
	prefix string
	client *storage.Client
	logger *logger.Logger
}

var _ Store = (*GCSStore)(nil)

type GCSOptions struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	// Endpoint points the client at an emulator.
	Endpoint string
}

func OpenGCS(ctx context.Context, opts GCSOptions, log *logger.Logger) (*GCSStore, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("gcs card store needs a bucket")
	}

	var clientOpts []option.ClientOption
	switch {
	case opts.Endpoint != "":
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
	case opts.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	clientOpts = append(clientOpts, option.WithScopes(storage.ScopeReadWrite))

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	log.Debug("GCS card store on bucket %s (prefix %q)", opts.Bucket, opts.Prefix)
	return &GCSStore{
		bucket: &gcsBucket{handle: client.Bucket(opts.Bucket)},
		prefix: normalizePrefix(opts.Prefix),
		client: client,
		logger: log,
	}, nil
}

func newGCSStore(bucket objectBucket, prefix string, log *logger.Logger) *GCSStore {
	return &GCSStore{bucket: bucket, prefix: normalizePrefix(prefix), logger: log}
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func (s *GCSStore) key(subject string) string {
	return s.prefix + subject + "/" + CardsFileName
}

func (s *GCSStore) Load(ctx context.Context, subject string) (Collection, error) {
	if err := ValidateSubject(subject); err != nil {
		return Collection{}, err
	}

	data, generation, err := s.bucket.Read(ctx, s.key(subject))
	if errors.Is(err, errObjectNotFound) {
		return Collection{}, nil
	}
	if err != nil {
		return Collection{}, fmt.Errorf("failed to read cards of %s: %w", subject, err)
	}

	doc, err := decodeDocument(data)
	if err != nil {
		return Collection{}, fmt.Errorf("cards of %s: %w", subject, err)
	}
	return Collection{Version: generation, Cards: loaded(subject, doc.Cards)}, nil
}

func (s *GCSStore) Replace(ctx context.Context, subject string, cards []models.Card, expected int64) (int64, error) {
	if err := checkCards(subject, cards); err != nil {
		return 0, err
	}

	// The body carries a best-effort copy of the version; the generation
	// assigned by the bucket is authoritative.
	data, err := encodeDocument(expected+1, cards)
	if err != nil {
		return 0, fmt.Errorf("failed to encode cards of %s: %w", subject, err)
	}

	generation, err := s.bucket.Write(ctx, s.key(subject), data, expected)
	if err != nil {
		if isPreconditionFailed(err) {
			return 0, fmt.Errorf("%w: %s changed since version %d", ErrConflict, subject, expected)
		}
		return 0, fmt.Errorf("failed to write cards of %s: %w", subject, err)
	}

	s.logger.Debug("Stored %d cards for %s (generation %d)", len(cards), subject, generation)
	return generation, nil
}

func (s *GCSStore) Subjects(ctx context.Context) ([]string, error) {
	keys, err := s.bucket.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}

	seen := map[string]bool{}
	var subjects []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, s.prefix)
		subject, file, ok := strings.Cut(rest, "/")
		if !ok || file != CardsFileName || seen[subject] {
			continue
		}
		seen[subject] = true
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	return subjects, nil
}

func (s *GCSStore) Delete(ctx context.Context, subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	err := s.bucket.Delete(ctx, s.key(subject))
	if errors.Is(err, errObjectNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete cards of %s: %w", subject, err)
	}
	s.logger.Debug("Deleted card collection of %s", subject)
	return nil
}

func (s *GCSStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

type gcsBucket struct {
	handle *storage.BucketHandle
}

func (b *gcsBucket) Read(ctx context.Context, key string) ([]byte, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	r, err := b.handle.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, 0, errObjectNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	return data, r.Attrs.Generation, nil
}

func (b *gcsBucket) Write(ctx context.Context, key string, data []byte, ifGeneration int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cond := storage.Conditions{GenerationMatch: ifGeneration}
	if ifGeneration == 0 {
		cond = storage.Conditions{DoesNotExist: true}
	}

	w := b.handle.Object(key).If(cond).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return w.Attrs().Generation, nil
}

func (b *gcsBucket) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	it := b.handle.Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (b *gcsBucket) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := b.handle.Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return errObjectNotFound
	}
	return err
}
