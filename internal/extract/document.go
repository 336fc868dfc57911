package extract

import (
	"context"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hbomb79/Arca/internal/media"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

type documentExtractor struct{}

func newDocumentExtractor() *documentExtractor { return &documentExtractor{} }

func (extractor *documentExtractor) Supports(kind media.Kind) bool { return kind == media.Document }

// Extract reads document structure information. PDF documents report
// their page count; other document formats (plain text et cetera)
// fall back to the minimal record, which is not an error.
func (extractor *documentExtractor) Extract(_ context.Context, source *media.SourceFile) (media.Record, error) {
	record := media.MinimalRecord(media.Document, source.Size)

	pageCount, err := api.PageCountFile(source.Path)
	if err != nil {
		// A non-PDF document is still a valid document; only total
		// unreadability is an extraction failure.
		if !isPdf(source.Path) {
			return record, nil
		}

		return nil, &ExtractionError{Path: source.Path, Err: fmt.Errorf("failed to read PDF structure: %w", err)}
	}

	record.SetInt(media.RecordKeyPageCount, int64(pageCount))
	return record, nil
}

func isPdf(path string) bool {
	mtype, err := mimetype.DetectFile(path)
	return err == nil && mtype.Is("application/pdf")
}
