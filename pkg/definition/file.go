package definition

import (
	"fmt"
	"os"

	"github.com/inbucket/rcptfilter/pkg/rules"
)

// FileSource reads a rule definition file on every Read.
type FileSource struct {
	Path   string
	Format string // FormatXML or FormatYAML.
}

var _ rules.Source = &FileSource{}

// NewFileSource creates a FileSource, choosing the format from the extension when format
// is empty.
func NewFileSource(path, format string) *FileSource {
	return &FileSource{Path: path, Format: FormatFor(path, format)}
}

// Read opens and decodes the file.
func (f *FileSource) Read() ([]rules.Entry, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	entries, err := Decode(fh, f.Format)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", f.Path, err)
	}
	return entries, nil
}

func (f *FileSource) String() string {
	return f.Path
}
