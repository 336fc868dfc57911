// Package extract contains the per-kind metadata extractors. Each
// extractor is polymorphic over the same interface and is selected
// by the pipeline via a single dispatch point (the Registry).
//
// Extractors never mutate or move the source file. Partial
// extraction (e.g. a corrupt EXIF block inside an otherwise readable
// image) returns whatever fields were recoverable; an ExtractionError
// is raised only when the file cannot be read at all.
package extract

import (
	"context"
	"fmt"

	"github.com/hbomb79/Arca/internal/media"
)

type Extractor interface {
	Supports(kind media.Kind) bool
	Extract(ctx context.Context, source *media.SourceFile) (media.Record, error)
}

// ExtractionError indicates an extractor could not read the source
// file at all. The pipeline responds by downgrading the jobs record
// to the minimal fallback rather than failing the job.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("metadata extraction failed for '%s': %s", e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Registry holds the known extractors and dispatches by media kind.
// The capability set is resolved at construction, not per-call.
type Registry struct {
	extractors []Extractor
}

// NewRegistry creates a registry containing the default extractor
// per media kind. The prober provided is used by the video extractor
// for stream inspection.
func NewRegistry(prober Prober) *Registry {
	return &Registry{extractors: []Extractor{
		newImageExtractor(),
		newVideoExtractor(prober),
		newDocumentExtractor(),
	}}
}

// ExtractorFor returns the first extractor that supports the kind
// provided, or nil if the kind has no extractor (e.g. Unknown).
func (registry *Registry) ExtractorFor(kind media.Kind) Extractor {
	for _, extractor := range registry.extractors {
		if extractor.Supports(kind) {
			return extractor
		}
	}

	return nil
}
