package derive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
	"github.com/hbomb79/Arca/internal/extract"
	"github.com/hbomb79/Arca/internal/media"
	"github.com/hbomb79/Arca/pkg/logger"
)

var videoLog = logger.Get("VideoDerive")

type VideoConfig struct {
	FfmpegBinPath  string
	FfprobeBinPath string
}

type videoGenerator struct {
	config VideoConfig
	prober extract.Prober
}

func newVideoGenerator(config VideoConfig) *videoGenerator {
	return &videoGenerator{
		config: config,
		prober: extract.NewFfprober(extract.FfprobeConfig{
			FfmpegBinPath:  config.FfmpegBinPath,
			FfprobeBinPath: config.FfprobeBinPath,
		}),
	}
}

func (generator *videoGenerator) Supports(kind media.Kind) bool { return kind == media.Video }

// Generate produces the targets for a video source: a poster-frame
// thumbnail and a capped-bitrate/resolution proxy in a fixed
// container. Decode failures and unsupported codecs surface as a
// GenerationError so the pipeline can proceed with zero derivatives.
func (generator *videoGenerator) Generate(ctx context.Context, source *media.SourceFile, spec Spec, outputDir string) ([]media.DerivativeArtifact, error) {
	probe, err := generator.prober.Probe(ctx, source.Path)
	if err != nil {
		return nil, &GenerationError{Path: source.Path, Err: err}
	}

	artifacts := make([]media.DerivativeArtifact, 0, len(spec.Targets))
	for _, target := range spec.Targets {
		if err := ctx.Err(); err != nil {
			removeArtifacts(artifacts)
			return nil, err
		}

		var artifact *media.DerivativeArtifact
		switch target.Kind {
		case media.Thumbnail:
			artifact, err = generator.generatePoster(ctx, source, target, outputDir)
		case media.Proxy:
			artifact, err = generator.generateProxy(ctx, source, target, probe, outputDir)
		default:
			err = &GenerationError{Path: source.Path, Err: fmt.Errorf("video generator has no handling for %s target", target.Kind)}
		}

		if err != nil {
			removeArtifacts(artifacts)
			return nil, err
		}

		artifacts = append(artifacts, *artifact)
	}

	return artifacts, nil
}

// generatePoster extracts a single frame near the start of the video
// and fits it inside the targets bounding box.
func (generator *videoGenerator) generatePoster(ctx context.Context, source *media.SourceFile, target Target, outputDir string) (*media.DerivativeArtifact, error) {
	framePath := filepath.Join(outputDir, fmt.Sprintf("%.12s_frame.jpg", source.Hash))
	defer os.Remove(framePath)

	seekTime := "00:00:01"
	frameCount := 1
	format := "image2"
	opts := ffmpeg.Options{
		SeekTime:     &seekTime,
		Vframes:      &frameCount,
		OutputFormat: &format,
	}

	if err := generator.runTranscode(ctx, source.Path, framePath, opts); err != nil {
		return nil, &GenerationError{Path: source.Path, Err: fmt.Errorf("poster frame extraction failed: %w", err)}
	}

	frame, err := imaging.Open(framePath)
	if err != nil {
		return nil, &GenerationError{Path: source.Path, Err: fmt.Errorf("poster frame decode failed: %w", err)}
	}

	outputPath := filepath.Join(outputDir, fmt.Sprintf("%.12s_%s.jpg", source.Hash, target.Kind))
	fitted := imaging.Fit(frame, target.MaxWidth, target.MaxHeight, imaging.Lanczos)
	if err := imaging.Save(fitted, outputPath, imaging.JPEGQuality(target.Quality)); err != nil {
		return nil, &GenerationError{Path: source.Path, Err: fmt.Errorf("poster thumbnail encode failed: %w", err)}
	}

	return newArtifact(target.Kind, "jpeg", outputPath)
}

// generateProxy re-encodes the source in to a capped resolution and
// bitrate mp4. The output resolution is fitted inside the targets
// bounding box preserving the source aspect ratio.
func (generator *videoGenerator) generateProxy(ctx context.Context, source *media.SourceFile, target Target, probe *extract.ProbeResult, outputDir string) (*media.DerivativeArtifact, error) {
	outputPath := filepath.Join(outputDir, fmt.Sprintf("%.12s_%s.mp4", source.Hash, target.Kind))

	codec := "libx264"
	format := "mp4"
	opts := ffmpeg.Options{
		VideoCodec:   &codec,
		OutputFormat: &format,
	}

	if target.MaxBitrate != "" {
		bitrate := target.MaxBitrate
		opts.VideoBitRate = &bitrate
	}

	if probe.Width > target.MaxWidth || probe.Height > target.MaxHeight {
		width, height := fitResolution(probe.Width, probe.Height, target.MaxWidth, target.MaxHeight)
		resolution := fmt.Sprintf("%dx%d", width, height)
		opts.Resolution = &resolution
	}

	if err := generator.runTranscode(ctx, source.Path, outputPath, opts); err != nil {
		os.Remove(outputPath)
		return nil, &GenerationError{Path: source.Path, Err: fmt.Errorf("proxy transcode failed: %w", err)}
	}

	return newArtifact(target.Kind, "mp4", outputPath)
}

// runTranscode starts an ffmpeg command and drains its progress
// channel until the command completes or the context is cancelled.
func (generator *videoGenerator) runTranscode(ctx context.Context, inputPath string, outputPath string, opts ffmpeg.Options) error {
	command := ffmpeg.
		New(&ffmpeg.Config{
			ProgressEnabled: true,
			FfmpegBinPath:   generator.config.FfmpegBinPath,
			FfprobeBinPath:  generator.config.FfprobeBinPath,
		}).
		Input(inputPath).
		Output(outputPath).
		WithContext(&ctx)

	progressChannel, err := command.Start(opts)
	if err != nil {
		return err
	}

	for progress := range progressChannel {
		videoLog.Verbosef("Transcode of %s: %s\n", inputPath, progressString(progress))
	}

	return ctx.Err()
}

func progressString(progress transcoder.Progress) string {
	return fmt.Sprintf("%.1f%% (speed %v)", progress.GetProgress(), progress.GetSpeed())
}

// fitResolution scales the given dimensions down to fit inside the
// bounding box, preserving aspect ratio and rounding to even values
// as required by most video encoders.
func fitResolution(width int, height int, maxWidth int, maxHeight int) (int, int) {
	scaleW := float64(maxWidth) / float64(width)
	scaleH := float64(maxHeight) / float64(height)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}

	if scale >= 1 {
		return evenDimension(width), evenDimension(height)
	}

	return evenDimension(int(float64(width) * scale)), evenDimension(int(float64(height) * scale))
}

func evenDimension(v int) int {
	if v%2 != 0 {
		return v - 1
	}

	return v
}
