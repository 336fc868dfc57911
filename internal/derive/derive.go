// Package derive produces the derivative artifacts (thumbnails,
// previews, video proxies) for a source file. Generation is the
// expensive decode + re-encode portion of the pipeline and only ever
// runs inside the pipelines bounded derive worker pool.
package derive

import (
	"context"
	"fmt"

	"github.com/hbomb79/Arca/internal/media"
)

// Target describes one derivative to produce and its normalized
// output constraints. MaxWidth/MaxHeight form a bounding box which
// the output must fit inside while preserving the source aspect
// ratio; sources smaller than the box are never upscaled.
type Target struct {
	Kind      media.DerivativeKind
	Format    string
	MaxWidth  int
	MaxHeight int

	// Quality applies to JPEG targets only (1-100).
	Quality int

	// MaxBitrate applies to video proxy targets only (ffmpeg bitrate
	// form, e.g. "2000k").
	MaxBitrate string
}

// Spec enumerates the recognized derivative targets for a media kind.
type Spec struct {
	Targets []Target
}

// SpecForKind returns the fixed derivative spec for the media kind
// provided. Kinds with no derivative support return an empty spec;
// producing zero derivatives is a valid outcome.
func SpecForKind(kind media.Kind) Spec {
	switch kind {
	case media.Image:
		return Spec{Targets: []Target{
			{Kind: media.Thumbnail, Format: "jpeg", MaxWidth: 512, MaxHeight: 512, Quality: 80},
			{Kind: media.Preview, Format: "jpeg", MaxWidth: 2048, MaxHeight: 2048, Quality: 85},
		}}
	case media.Video:
		return Spec{Targets: []Target{
			{Kind: media.Thumbnail, Format: "jpeg", MaxWidth: 512, MaxHeight: 512, Quality: 80},
			{Kind: media.Proxy, Format: "mp4", MaxWidth: 1280, MaxHeight: 720, MaxBitrate: "2000k"},
		}}
	default:
		return Spec{}
	}
}

// GenerationError indicates derivative generation failed (decode
// failure, unsupported codec, insufficient disk space). The pipeline
// responds by proceeding with zero derivatives rather than failing
// the job.
type GenerationError struct {
	Path string
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("derivative generation failed for '%s': %s", e.Path, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

type Generator interface {
	Supports(kind media.Kind) bool
	Generate(ctx context.Context, source *media.SourceFile, spec Spec, outputDir string) ([]media.DerivativeArtifact, error)
}

// Registry holds the known generators and dispatches by media kind;
// same capability-set shape as the extract registry.
type Registry struct {
	generators []Generator
}

func NewRegistry(videoConfig VideoConfig) *Registry {
	return &Registry{generators: []Generator{
		newImageGenerator(),
		newVideoGenerator(videoConfig),
	}}
}

// GeneratorFor returns the generator for the kind provided, or nil
// when the kind has no derivative support (Document, Unknown).
func (registry *Registry) GeneratorFor(kind media.Kind) Generator {
	for _, generator := range registry.generators {
		if generator.Supports(kind) {
			return generator
		}
	}

	return nil
}
