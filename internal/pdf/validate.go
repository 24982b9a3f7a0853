package pdf

import (
	"errors"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var ErrInvalidPDF = errors.New("invalid PDF")

func init() {
	// keep pdfcpu from creating a config directory in the user's home
	model.ConfigPath = "disable"
}

// Validate checks the PDF structure and returns its page count.
func Validate(rs io.ReadSeeker) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	if err := api.Validate(rs, conf); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	count, err := api.PageCount(rs, conf)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: document has no pages", ErrInvalidPDF)
	}
	return count, nil
}
