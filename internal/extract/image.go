package extract

import (
	"context"
	"fmt"
	"image"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/hbomb79/Arca/internal/media"
	"github.com/hbomb79/Arca/pkg/logger"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var imageLog = logger.Get("ImageExtract")

// EXIF tags which are deliberately not copied in to the metadata
// record; embedded thumbnail payloads and free-form binary blobs
// are of no use to the archive.
var skippedExifTags = map[exif.FieldName]bool{
	exif.MakerNote:   true,
	exif.UserComment: true,
}

type imageExtractor struct{}

func newImageExtractor() *imageExtractor { return &imageExtractor{} }

func (extractor *imageExtractor) Supports(kind media.Kind) bool { return kind == media.Image }

// Extract reads the image dimensions and EXIF tags from the source
// file. Dimensions are reported post-rotation: if the EXIF
// orientation tag indicates the image is stored rotated by a quarter
// turn, the decoded width/height are swapped to match how a viewer
// would render it.
//
// A corrupt or missing EXIF block does not fail the record; whatever
// fields were recoverable are returned.
func (extractor *imageExtractor) Extract(_ context.Context, source *media.SourceFile) (media.Record, error) {
	f, err := os.Open(source.Path)
	if err != nil {
		return nil, &ExtractionError{Path: source.Path, Err: err}
	}
	defer f.Close()

	config, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, &ExtractionError{Path: source.Path, Err: fmt.Errorf("unsupported image sub-format: %w", err)}
	}

	record := media.MinimalRecord(media.Image, source.Size)
	width, height := config.Width, config.Height

	if _, err := f.Seek(0, 0); err != nil {
		return nil, &ExtractionError{Path: source.Path, Err: err}
	}

	exifData, err := exif.Decode(f)
	if err != nil {
		// Corrupt or absent EXIF; the dimensions are still usable.
		imageLog.Debugf("No usable EXIF in %s: %v\n", source.Path, err)
		record.SetInt(media.RecordKeyWidth, int64(width))
		record.SetInt(media.RecordKeyHeight, int64(height))
		return record, nil
	}

	if orientation, err := exifData.Get(exif.Orientation); err == nil {
		if value, err := orientation.Int(0); err == nil {
			record.SetInt(media.RecordKeyOrientation, int64(value))
			// Orientations 5-8 are quarter-turn rotations.
			if value >= 5 && value <= 8 {
				width, height = height, width
			}
		}
	}

	record.SetInt(media.RecordKeyWidth, int64(width))
	record.SetInt(media.RecordKeyHeight, int64(height))

	if captured, err := exifData.DateTime(); err == nil {
		record.SetTime(media.RecordKeyCaptureTime, captured)
	}

	exifData.Walk(exifWalker{record})
	return record, nil
}

// exifWalker copies each EXIF tag in to the record under an
// 'exif/<name>' key, mirroring the grouped tag layout the archive
// expects.
type exifWalker struct {
	record media.Record
}

func (walker exifWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	if skippedExifTags[name] {
		return nil
	}

	walker.record.SetString(fmt.Sprintf("exif/%s", name), tag.String())
	return nil
}
