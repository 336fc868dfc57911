package extract_test

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/hbomb79/Arca/internal/extract"
	"github.com/hbomb79/Arca/internal/media"
	"github.com/hbomb79/Arca/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errExpected = errors.New("test: expected error")

func init() {
	logger.SetMinLoggingLevel(logger.ERROR.Level())
}

type mockProber struct {
	mock.Mock
}

func (m *mockProber) Probe(ctx context.Context, path string) (*extract.ProbeResult, error) {
	args := m.Called(path)
	if v, ok := args.Get(0).(*extract.ProbeResult); ok {
		return v, args.Error(1)
	}

	return nil, args.Error(1)
}

// newTestJpeg encodes a plain JPEG of the given dimensions and
// returns the source file for it.
func newTestJpeg(t *testing.T, width int, height int) *media.SourceFile {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.jpg")
	img := imaging.New(width, height, color.NRGBA{R: 128, G: 64, B: 32, A: 255})
	require.NoError(t, imaging.Save(img, path))

	source, err := media.NewSourceFile(path, media.Image)
	require.NoError(t, err)
	return source
}

func Test_ImageExtractor_ReportsDimensions(t *testing.T) {
	t.Parallel()

	registry := extract.NewRegistry(&mockProber{})
	extractor := registry.ExtractorFor(media.Image)
	require.NotNil(t, extractor)

	source := newTestJpeg(t, 120, 80)
	record, err := extractor.Extract(context.Background(), source)
	require.NoError(t, err)

	width, ok := record.GetInt(media.RecordKeyWidth)
	assert.True(t, ok)
	assert.EqualValues(t, 120, width)
	height, ok := record.GetInt(media.RecordKeyHeight)
	assert.True(t, ok)
	assert.EqualValues(t, 80, height)

	kind, _ := record.GetString(media.RecordKeyKind)
	assert.Equal(t, "image", kind)
	size, _ := record.GetInt(media.RecordKeySize)
	assert.Equal(t, source.Size, size)
}

func Test_ImageExtractor_CorruptExifStillYieldsRecord(t *testing.T) {
	t.Parallel()

	source := newTestJpeg(t, 64, 48)

	// Splice a mangled APP1/EXIF segment in directly after the SOI
	// marker. Image decoding skips unknown segments, but the EXIF
	// parser will choke on it.
	raw, err := os.ReadFile(source.Path)
	require.NoError(t, err)
	corruptSegment := []byte{0xFF, 0xE1, 0x00, 0x10, 'E', 'x', 'i', 'f', 0x00, 0x00, 0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x00, 0x00, 0x00}
	mangled := append(append(append([]byte{}, raw[:2]...), corruptSegment...), raw[2:]...)

	corruptPath := filepath.Join(t.TempDir(), "corrupt-exif.jpg")
	require.NoError(t, os.WriteFile(corruptPath, mangled, 0o644))
	corruptSource, err := media.NewSourceFile(corruptPath, media.Image)
	require.NoError(t, err)

	registry := extract.NewRegistry(&mockProber{})
	record, err := registry.ExtractorFor(media.Image).Extract(context.Background(), corruptSource)
	require.NoError(t, err, "corrupt EXIF must not fail the whole record")

	_, hasKind := record.GetString(media.RecordKeyKind)
	_, hasSize := record.GetInt(media.RecordKeySize)
	assert.True(t, hasKind)
	assert.True(t, hasSize)

	width, ok := record.GetInt(media.RecordKeyWidth)
	assert.True(t, ok)
	assert.EqualValues(t, 64, width)
}

func Test_ImageExtractor_UnreadableFileFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "garbage.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xDE, 0xAD, 0xBE, 0xEF}, 0o644))
	source, err := media.NewSourceFile(path, media.Image)
	require.NoError(t, err)

	registry := extract.NewRegistry(&mockProber{})
	_, err = registry.ExtractorFor(media.Image).Extract(context.Background(), source)

	var extractionErr *extract.ExtractionError
	assert.ErrorAs(t, err, &extractionErr)
}

func Test_VideoExtractor_PopulatesStreamFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake video bytes"), 0o644))
	source, err := media.NewSourceFile(path, media.Video)
	require.NoError(t, err)

	prober := &mockProber{}
	prober.On("Probe", path).Return(&extract.ProbeResult{
		DurationSeconds: 12.5,
		Codec:           "h264",
		FrameRate:       29.97,
		Width:           1920,
		Height:          1080,
		BitRate:         4_500_000,
		Container:       "mov,mp4,m4a,3gp,3g2,mj2",
	}, nil).Once()

	registry := extract.NewRegistry(prober)
	record, err := registry.ExtractorFor(media.Video).Extract(context.Background(), source)
	require.NoError(t, err)
	prober.AssertExpectations(t)

	duration, ok := record.GetFloat(media.RecordKeyDuration)
	assert.True(t, ok)
	assert.InDelta(t, 12.5, duration, 0.001)
	codec, _ := record.GetString(media.RecordKeyCodec)
	assert.Equal(t, "h264", codec)
	fps, _ := record.GetFloat(media.RecordKeyFrameRate)
	assert.InDelta(t, 29.97, fps, 0.001)
}

func Test_VideoExtractor_NonPositiveDurationDropsFieldOnly(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake video bytes"), 0o644))
	source, err := media.NewSourceFile(path, media.Video)
	require.NoError(t, err)

	prober := &mockProber{}
	prober.On("Probe", path).Return(&extract.ProbeResult{
		DurationSeconds: -1,
		Codec:           "vp9",
	}, nil).Once()

	registry := extract.NewRegistry(prober)
	record, err := registry.ExtractorFor(media.Video).Extract(context.Background(), source)
	require.NoError(t, err)

	_, hasDuration := record.GetFloat(media.RecordKeyDuration)
	assert.False(t, hasDuration, "non-positive duration is a field-level failure, not stored")

	codec, _ := record.GetString(media.RecordKeyCodec)
	assert.Equal(t, "vp9", codec)
}

func Test_VideoExtractor_ProbeFailureIsExtractionError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake video bytes"), 0o644))
	source, err := media.NewSourceFile(path, media.Video)
	require.NoError(t, err)

	prober := &mockProber{}
	prober.On("Probe", path).Return(nil, errExpected).Once()

	registry := extract.NewRegistry(prober)
	_, err = registry.ExtractorFor(media.Video).Extract(context.Background(), source)

	var extractionErr *extract.ExtractionError
	require.ErrorAs(t, err, &extractionErr)
	assert.ErrorIs(t, err, errExpected)
}

func Test_DocumentExtractor_PlainTextFallsBackToMinimalRecord(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("some meeting notes\n"), 0o644))
	source, err := media.NewSourceFile(path, media.Document)
	require.NoError(t, err)

	registry := extract.NewRegistry(&mockProber{})
	record, err := registry.ExtractorFor(media.Document).Extract(context.Background(), source)
	require.NoError(t, err)

	kind, _ := record.GetString(media.RecordKeyKind)
	assert.Equal(t, "document", kind)
	_, hasPages := record.GetInt(media.RecordKeyPageCount)
	assert.False(t, hasPages)
}

func Test_DocumentExtractor_CorruptPdfFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\nthis is not a valid pdf body"), 0o644))
	source, err := media.NewSourceFile(path, media.Document)
	require.NoError(t, err)

	registry := extract.NewRegistry(&mockProber{})
	_, err = registry.ExtractorFor(media.Document).Extract(context.Background(), source)

	var extractionErr *extract.ExtractionError
	assert.ErrorAs(t, err, &extractionErr)
}

func Test_Registry_DispatchesByKind(t *testing.T) {
	t.Parallel()

	registry := extract.NewRegistry(&mockProber{})
	assert.True(t, registry.ExtractorFor(media.Image).Supports(media.Image))
	assert.True(t, registry.ExtractorFor(media.Video).Supports(media.Video))
	assert.True(t, registry.ExtractorFor(media.Document).Supports(media.Document))
	assert.Nil(t, registry.ExtractorFor(media.Unknown))
}
