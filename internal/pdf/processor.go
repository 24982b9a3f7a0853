package pdf

import (
	"fmt"
	"path/filepath"

	"github.com/gen2brain/go-fitz"

	"github.com/kpauljoseph/merkwerk/pkg/logger"
)

const (
	DefaultRenderDPI = 144.0
)

type Options struct {
	RenderDPI float64
	// MaxImageWidth caps the rendered width in pixels; 0 keeps the
	// native render size.
	MaxImageWidth int
}

// FitzDocument reads pages through MuPDF.
type FitzDocument struct {
	doc     *fitz.Document
	name    string
	options Options
	logger  *logger.Logger
}

var _ Document = (*FitzDocument)(nil)

func Open(path string, options Options, log *logger.Logger) (*FitzDocument, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	return newFitzDocument(doc, filepath.Base(path), options, log), nil
}

// OpenBytes opens an in-memory PDF under the given document name.
func OpenBytes(name string, data []byte, options Options, log *logger.Logger) (*FitzDocument, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF %s: %w", name, err)
	}
	return newFitzDocument(doc, name, options, log), nil
}

func newFitzDocument(doc *fitz.Document, name string, options Options, log *logger.Logger) *FitzDocument {
	if options.RenderDPI <= 0 {
		options.RenderDPI = DefaultRenderDPI
	}
	log.Debug("Opened %s with %d pages", name, doc.NumPage())
	return &FitzDocument{
		doc:     doc,
		name:    name,
		options: options,
		logger:  log,
	}
}

func (d *FitzDocument) Name() string {
	return d.name
}

func (d *FitzDocument) PageCount() int {
	return d.doc.NumPage()
}

func (d *FitzDocument) PageText(page int) (string, error) {
	if err := d.checkPage(page); err != nil {
		return "", err
	}
	//Page numbers are zero indexed in the fitz package.
	text, err := d.doc.Text(page - 1)
	if err != nil {
		return "", fmt.Errorf("failed to extract text from page %d: %w", page, err)
	}
	return text, nil
}

func (d *FitzDocument) PageImage(page int) ([]byte, error) {
	if err := d.checkPage(page); err != nil {
		return nil, err
	}
	img, err := d.doc.ImageDPI(page-1, d.options.RenderDPI)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", page, err)
	}

	data, err := EncodePNG(img, d.options.MaxImageWidth)
	if err != nil {
		return nil, fmt.Errorf("failed to encode page %d: %w", page, err)
	}
	d.logger.Trace("Rendered page %d of %s: %dx%d, %d bytes", page, d.name, img.Bounds().Dx(), img.Bounds().Dy(), len(data))
	return data, nil
}

func (d *FitzDocument) Close() error {
	return d.doc.Close()
}

func (d *FitzDocument) checkPage(page int) error {
	if page < 1 || page > d.doc.NumPage() {
		return fmt.Errorf("page %d out of range 1..%d", page, d.doc.NumPage())
	}
	return nil
}
