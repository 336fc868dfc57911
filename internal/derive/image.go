package derive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/hbomb79/Arca/internal/media"
	"github.com/hbomb79/Arca/pkg/logger"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var imageLog = logger.Get("ImageDerive")

type imageGenerator struct{}

func newImageGenerator() *imageGenerator { return &imageGenerator{} }

func (generator *imageGenerator) Supports(kind media.Kind) bool { return kind == media.Image }

// Generate decodes the source image once (normalising EXIF rotation,
// like the archive expects) and encodes each target in the spec.
// Cancellation is checked between targets; any partially written
// output is removed before returning.
func (generator *imageGenerator) Generate(ctx context.Context, source *media.SourceFile, spec Spec, outputDir string) ([]media.DerivativeArtifact, error) {
	img, err := imaging.Open(source.Path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &GenerationError{Path: source.Path, Err: fmt.Errorf("image decode failed: %w", err)}
	}

	artifacts := make([]media.DerivativeArtifact, 0, len(spec.Targets))
	for _, target := range spec.Targets {
		if err := ctx.Err(); err != nil {
			removeArtifacts(artifacts)
			return nil, err
		}

		outputPath := filepath.Join(outputDir, fmt.Sprintf("%.12s_%s.jpg", source.Hash, target.Kind))
		fitted := imaging.Fit(img, target.MaxWidth, target.MaxHeight, imaging.Lanczos)
		if err := imaging.Save(fitted, outputPath, imaging.JPEGQuality(target.Quality)); err != nil {
			removeArtifacts(artifacts)
			return nil, &GenerationError{Path: source.Path, Err: fmt.Errorf("failed to encode %s: %w", target.Kind, err)}
		}

		artifact, err := newArtifact(target.Kind, "jpeg", outputPath)
		if err != nil {
			removeArtifacts(artifacts)
			return nil, &GenerationError{Path: source.Path, Err: err}
		}

		imageLog.Debugf("Generated %s (%dx%d bounding box) for %s\n", target.Kind, target.MaxWidth, target.MaxHeight, source)
		artifacts = append(artifacts, *artifact)
	}

	return artifacts, nil
}

// newArtifact stats and checksums a freshly written derivative,
// transferring ownership of the file to the caller.
func newArtifact(kind media.DerivativeKind, format string, path string) (*media.DerivativeArtifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat derivative output: %w", err)
	}

	checksum, err := media.HashFile(path)
	if err != nil {
		return nil, err
	}

	return &media.DerivativeArtifact{
		Kind:     kind,
		Format:   format,
		Size:     info.Size(),
		Path:     path,
		Checksum: checksum,
	}, nil
}

func removeArtifacts(artifacts []media.DerivativeArtifact) {
	for _, artifact := range artifacts {
		os.Remove(artifact.Path)
	}
}
