package pdf

// Document is a paginated source. Page numbers are 1-based.
type Document interface {
	Name() string
	PageCount() int
	PageText(page int) (string, error)
	// PageImage renders the page as PNG.
	PageImage(page int) ([]byte, error)
	Close() error
}
