package derive_test

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/hbomb79/Arca/internal/derive"
	"github.com/hbomb79/Arca/internal/media"
	"github.com/hbomb79/Arca/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.ERROR.Level())
}

func newTestImageSource(t *testing.T, width int, height int) *media.SourceFile {
	t.Helper()

	path := filepath.Join(t.TempDir(), "source.jpg")
	img := imaging.New(width, height, color.NRGBA{R: 40, G: 120, B: 200, A: 255})
	require.NoError(t, imaging.Save(img, path))

	source, err := media.NewSourceFile(path, media.Image)
	require.NoError(t, err)
	return source
}

func imageDimensions(t *testing.T, path string) (int, int) {
	t.Helper()

	img, err := imaging.Open(path)
	require.NoError(t, err)
	bounds := img.Bounds()
	return bounds.Dx(), bounds.Dy()
}

func Test_SpecForKind_FixedTargetSets(t *testing.T) {
	t.Parallel()

	imageSpec := derive.SpecForKind(media.Image)
	require.Len(t, imageSpec.Targets, 2)
	assert.Equal(t, media.Thumbnail, imageSpec.Targets[0].Kind)
	assert.Equal(t, 512, imageSpec.Targets[0].MaxWidth)
	assert.Equal(t, media.Preview, imageSpec.Targets[1].Kind)

	videoSpec := derive.SpecForKind(media.Video)
	require.Len(t, videoSpec.Targets, 2)
	assert.Equal(t, media.Thumbnail, videoSpec.Targets[0].Kind)
	assert.Equal(t, media.Proxy, videoSpec.Targets[1].Kind)

	assert.Empty(t, derive.SpecForKind(media.Document).Targets)
	assert.Empty(t, derive.SpecForKind(media.Unknown).Targets)
}

func Test_Registry_NoGeneratorForDocuments(t *testing.T) {
	t.Parallel()

	registry := derive.NewRegistry(derive.VideoConfig{})
	assert.NotNil(t, registry.GeneratorFor(media.Image))
	assert.NotNil(t, registry.GeneratorFor(media.Video))
	assert.Nil(t, registry.GeneratorFor(media.Document))
	assert.Nil(t, registry.GeneratorFor(media.Unknown))
}

func Test_ImageGenerator_ThumbnailFitsBoundingBox(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		sourceW        int
		sourceH        int
		expectedThumbW int
		expectedThumbH int
	}{
		{"wide landscape", 1000, 400, 512, 204},
		{"tall portrait", 400, 1000, 204, 512},
		{"square", 800, 800, 512, 512},
		{"smaller than box is not upscaled", 100, 50, 100, 50},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			source := newTestImageSource(t, test.sourceW, test.sourceH)
			outputDir := t.TempDir()

			registry := derive.NewRegistry(derive.VideoConfig{})
			artifacts, err := registry.GeneratorFor(media.Image).Generate(
				context.Background(), source, derive.SpecForKind(media.Image), outputDir)
			require.NoError(t, err)
			require.Len(t, artifacts, 2)

			thumb := artifacts[0]
			assert.Equal(t, media.Thumbnail, thumb.Kind)
			assert.Equal(t, "jpeg", thumb.Format)
			assert.NotEmpty(t, thumb.Checksum)
			assert.Positive(t, thumb.Size)

			width, height := imageDimensions(t, thumb.Path)
			assert.LessOrEqual(t, width, 512)
			assert.LessOrEqual(t, height, 512)

			// Aspect ratio preserved within one pixel of rounding error.
			assert.InDelta(t, test.expectedThumbW, width, 1)
			assert.InDelta(t, test.expectedThumbH, height, 1)
		})
	}
}

func Test_ImageGenerator_DecodeFailure(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "junk.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0x01, 0x02}, 0o644))
	source, err := media.NewSourceFile(path, media.Image)
	require.NoError(t, err)

	registry := derive.NewRegistry(derive.VideoConfig{})
	_, err = registry.GeneratorFor(media.Image).Generate(
		context.Background(), source, derive.SpecForKind(media.Image), t.TempDir())

	var generationErr *derive.GenerationError
	assert.ErrorAs(t, err, &generationErr)
}

func Test_ImageGenerator_CancelledContextDiscardsOutput(t *testing.T) {
	t.Parallel()

	source := newTestImageSource(t, 600, 600)
	outputDir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	registry := derive.NewRegistry(derive.VideoConfig{})
	_, err := registry.GeneratorFor(media.Image).Generate(ctx, source, derive.SpecForKind(media.Image), outputDir)
	assert.ErrorIs(t, err, context.Canceled)

	entries, readErr := os.ReadDir(outputDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "partially written derivatives must be discarded on cancellation")
}
