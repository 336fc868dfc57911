package media_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hbomb79/Arca/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NewSourceFile_HashIsStable(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, "original.bin", []byte("some file contents"))

	first, err := media.NewSourceFile(path, media.Image)
	require.NoError(t, err)
	second, err := media.NewSourceFile(path, media.Image)
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash)
	assert.Len(t, first.Hash, 64, "expected hex encoded SHA-256 digest")
	assert.EqualValues(t, 18, first.Size)
}

func Test_SourceFile_VerifyDetectsMutation(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, "mutable.bin", []byte("before"))
	source, err := media.NewSourceFile(path, media.Unknown)
	require.NoError(t, err)

	ok, err := source.Verify()
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("after"), 0o644))
	ok, err = source.Verify()
	require.NoError(t, err)
	assert.False(t, ok)
}

func Test_NewSourceFile_RejectsDirectory(t *testing.T) {
	t.Parallel()

	_, err := media.NewSourceFile(t.TempDir(), media.Unknown)
	assert.Error(t, err)
}

func Test_NewSourceFile_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := media.NewSourceFile(filepath.Join(t.TempDir(), "nope"), media.Unknown)
	assert.Error(t, err)
}

func Test_Record_DropsInvalidNumericFields(t *testing.T) {
	t.Parallel()

	record := media.MinimalRecord(media.Video, 1024)
	record.SetFloat(media.RecordKeyDuration, -3.5)
	record.SetInt(media.RecordKeyWidth, -1)
	record.SetString(media.RecordKeyCodec, "")
	record.SetTime(media.RecordKeyCaptureTime, time.Time{})

	_, hasDuration := record.GetFloat(media.RecordKeyDuration)
	_, hasWidth := record.GetInt(media.RecordKeyWidth)
	_, hasCodec := record.GetString(media.RecordKeyCodec)
	_, hasCapture := record.GetTime(media.RecordKeyCaptureTime)
	assert.False(t, hasDuration)
	assert.False(t, hasWidth)
	assert.False(t, hasCodec)
	assert.False(t, hasCapture)

	// The minimal fields are always present regardless.
	kind, ok := record.GetString(media.RecordKeyKind)
	assert.True(t, ok)
	assert.Equal(t, "video", kind)
	size, ok := record.GetInt(media.RecordKeySize)
	assert.True(t, ok)
	assert.EqualValues(t, 1024, size)
}
