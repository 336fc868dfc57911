package extract

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/floostack/transcoder/ffmpeg"
)

// ProbeResult is the normalized subset of stream information the
// video extractor cares about. Units are seconds, pixels, fps and
// bits-per-second; a field the probe could not determine is left at
// its zero value.
type ProbeResult struct {
	DurationSeconds float64
	Codec           string
	FrameRate       float64
	Width           int
	Height          int
	BitRate         int64
	Container       string
}

// Prober inspects a media container on disk. Implementations must
// not mutate the file.
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

type FfprobeConfig struct {
	FfmpegBinPath  string
	FfprobeBinPath string
}

// ffprober is the default Prober, shelling out to ffprobe via the
// transcoder package.
type ffprober struct {
	config FfprobeConfig
}

func NewFfprober(config FfprobeConfig) *ffprober {
	return &ffprober{config}
}

func (prober *ffprober) Probe(_ context.Context, path string) (*ProbeResult, error) {
	transcoder := ffmpeg.New(&ffmpeg.Config{
		FfmpegBinPath:  prober.config.FfmpegBinPath,
		FfprobeBinPath: prober.config.FfprobeBinPath,
	}).Input(path)

	metadata, err := transcoder.GetMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to extract file metadata information using ffprobe: %w", err)
	}

	result := &ProbeResult{
		DurationSeconds: parseProbeFloat(metadata.GetFormat().GetDuration()),
		Container:       metadata.GetFormat().GetFormatName(),
		BitRate:         parseProbeInt(metadata.GetFormat().GetBitRate()),
	}

	for _, stream := range metadata.GetStreams() {
		if stream.GetCodecType() != "video" {
			continue
		}

		result.Codec = stream.GetCodecName()
		result.Width = stream.GetWidth()
		result.Height = stream.GetHeight()
		result.FrameRate = parseFrameRate(stream.GetAvgFrameRate())
		break
	}

	return result, nil
}

func parseProbeFloat(input string) float64 {
	v, err := strconv.ParseFloat(input, 64)
	if err != nil {
		return 0
	}

	return v
}

func parseProbeInt(input string) int64 {
	v, err := strconv.ParseInt(input, 10, 64)
	if err != nil {
		return 0
	}

	return v
}

// parseFrameRate converts ffprobe's rational frame rate form
// (e.g. "30000/1001") to fps.
func parseFrameRate(input string) float64 {
	parts := strings.SplitN(input, "/", 2)
	if len(parts) == 1 {
		return parseProbeFloat(parts[0])
	}

	numerator := parseProbeFloat(parts[0])
	denominator := parseProbeFloat(parts[1])
	if denominator == 0 {
		return 0
	}

	return numerator / denominator
}
