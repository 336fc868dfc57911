package pipeline_test

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/hbomb79/Arca/internal/archive"
	"github.com/hbomb79/Arca/internal/derive"
	"github.com/hbomb79/Arca/internal/extract"
	"github.com/hbomb79/Arca/internal/media"
	"github.com/hbomb79/Arca/internal/pipeline"
	"github.com/stretchr/testify/assert"
)

func Test_NewTrouble_ClassifiesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		Summary   string
		Err       error
		Expected  pipeline.TroubleType
		WantFatal bool
	}{
		{"source mutation", pipeline.ErrSourceFileChanged, pipeline.SourceChangedFailure, true},
		{"cancellation", context.Canceled, pipeline.CancelledFailure, true},
		{"ambiguous classification", media.ErrClassificationAmbiguous, pipeline.ClassificationFailure, false},
		{"archive validation rejection", &archive.ValidationError{StatusCode: 422, Message: "checksum mismatch"}, pipeline.PermanentTransportFailure, true},
		{"archive server failure", &archive.ServerError{StatusCode: 503, Message: "unavailable"}, pipeline.TransientTransportFailure, false},
		{"extraction failure", &extract.ExtractionError{Path: "x.jpg", Err: errors.New("bad header")}, pipeline.MetadataFailure, false},
		{"generation failure", &derive.GenerationError{Path: "x.jpg", Err: errors.New("decode")}, pipeline.GenerationFailure, false},
		{"disk full", syscall.ENOSPC, pipeline.ResourceExhaustionFailure, false},
		{"anything else", errors.New("mystery"), pipeline.GenericFailure, false},
	}

	for _, test := range tests {
		t.Run(test.Summary, func(t *testing.T) {
			trouble := pipeline.NewTrouble(test.Err)
			assert.Equal(t, test.Expected, trouble.Type())
			assert.Equal(t, test.WantFatal, trouble.Fatal())

			if test.WantFatal {
				assert.NotContains(t, trouble.AllowedResolutionTypes(), pipeline.Retry)
			} else {
				assert.Contains(t, trouble.AllowedResolutionTypes(), pipeline.Retry)
			}
		})
	}
}
