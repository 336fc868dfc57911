package extract

import (
	"context"

	"github.com/hbomb79/Arca/internal/media"
	"github.com/hbomb79/Arca/pkg/logger"
)

var videoLog = logger.Get("VideoExtract")

type videoExtractor struct {
	prober Prober
}

func newVideoExtractor(prober Prober) *videoExtractor {
	return &videoExtractor{prober}
}

func (extractor *videoExtractor) Supports(kind media.Kind) bool { return kind == media.Video }

// Extract probes the container for stream information. A zero or
// negative duration is treated as extraction failure for that field
// only; the rest of the record is still returned.
func (extractor *videoExtractor) Extract(ctx context.Context, source *media.SourceFile) (media.Record, error) {
	probe, err := extractor.prober.Probe(ctx, source.Path)
	if err != nil {
		return nil, &ExtractionError{Path: source.Path, Err: err}
	}

	record := media.MinimalRecord(media.Video, source.Size)
	if probe.DurationSeconds > 0 {
		record.SetFloat(media.RecordKeyDuration, probe.DurationSeconds)
	} else {
		videoLog.Debugf("Probe of %s returned non-positive duration %f, dropping field\n", source.Path, probe.DurationSeconds)
	}

	if probe.FrameRate > 0 {
		record.SetFloat(media.RecordKeyFrameRate, probe.FrameRate)
	}

	record.SetString(media.RecordKeyCodec, probe.Codec)
	record.SetString(media.RecordKeyContainer, probe.Container)
	record.SetInt(media.RecordKeyBitrate, probe.BitRate)
	if probe.Width > 0 && probe.Height > 0 {
		record.SetInt(media.RecordKeyWidth, int64(probe.Width))
		record.SetInt(media.RecordKeyHeight, int64(probe.Height))
	}

	return record, nil
}
