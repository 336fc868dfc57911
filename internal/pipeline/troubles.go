package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/hbomb79/Arca/internal/archive"
	"github.com/hbomb79/Arca/internal/derive"
	"github.com/hbomb79/Arca/internal/extract"
	"github.com/hbomb79/Arca/internal/media"
)

type (
	TroubleType int

	// Trouble wraps the error that stopped a job, classified in to
	// the pipelines failure taxonomy. The pipeline is the single
	// point that decides retry versus terminal failure, and it does
	// so based on the trouble type.
	Trouble struct {
		error
		tType TroubleType
	}

	ResolutionType int
)

const (
	ClassificationFailure TroubleType = iota
	MetadataFailure
	GenerationFailure
	SourceChangedFailure
	TransientTransportFailure
	PermanentTransportFailure
	ResourceExhaustionFailure
	CancelledFailure
	GenericFailure
)

const (
	Retry ResolutionType = iota
	Abort
)

var (
	ErrJobNotFound         = errors.New("no job could be found")
	ErrJobNotResubmittable = errors.New("job is not in a resubmittable state")
	ErrJobAlreadyTerminal  = errors.New("job has already reached a terminal state")

	// ErrSourceFileChanged indicates the source file was mutated
	// mid-pipeline; this is always fatal, no retry is permitted.
	ErrSourceFileChanged = errors.New("source file contents changed while job was in flight")

	allowedResolutionTypes = map[TroubleType][]ResolutionType{
		ClassificationFailure:     {Abort, Retry},
		MetadataFailure:           {Abort, Retry},
		GenerationFailure:         {Abort, Retry},
		TransientTransportFailure: {Abort, Retry},
		ResourceExhaustionFailure: {Abort, Retry},
		GenericFailure:            {Abort, Retry},
		SourceChangedFailure:      {Abort},
		PermanentTransportFailure: {Abort},
		CancelledFailure:          {Abort},
	}
)

// NewTrouble classifies the error provided in to the failure
// taxonomy. Unrecognized errors fall through to GenericFailure.
func NewTrouble(err error) Trouble {
	var extractionErr *extract.ExtractionError
	var generationErr *derive.GenerationError
	var validationErr *archive.ValidationError

	switch {
	case errors.Is(err, ErrSourceFileChanged):
		return Trouble{error: err, tType: SourceChangedFailure}
	case errors.Is(err, context.Canceled):
		return Trouble{error: err, tType: CancelledFailure}
	case errors.Is(err, media.ErrClassificationAmbiguous):
		return Trouble{error: err, tType: ClassificationFailure}
	case errors.As(err, &validationErr):
		return Trouble{error: err, tType: PermanentTransportFailure}
	case archive.IsTransient(err):
		return Trouble{error: err, tType: TransientTransportFailure}
	case errors.As(err, &extractionErr):
		return Trouble{error: err, tType: MetadataFailure}
	case errors.As(err, &generationErr):
		return Trouble{error: err, tType: GenerationFailure}
	case isResourceExhaustion(err):
		return Trouble{error: err, tType: ResourceExhaustionFailure}
	}

	return Trouble{error: err, tType: GenericFailure}
}

func newTroubleOfType(err error, tType TroubleType) Trouble {
	return Trouble{error: err, tType: tType}
}

func (t *Trouble) Type() TroubleType { return t.tType }

// Fatal reports whether this trouble permits no retry at all.
func (t *Trouble) Fatal() bool {
	switch t.tType {
	case SourceChangedFailure, PermanentTransportFailure, CancelledFailure:
		return true
	default:
		return false
	}
}

func (t *Trouble) AllowedResolutionTypes() []ResolutionType {
	if allowed, ok := allowedResolutionTypes[t.tType]; ok {
		return allowed
	}

	return []ResolutionType{}
}

func (t TroubleType) String() string {
	switch t {
	case ClassificationFailure:
		return "CLASSIFICATION_FAILURE"
	case MetadataFailure:
		return "METADATA_FAILURE"
	case GenerationFailure:
		return "GENERATION_FAILURE"
	case SourceChangedFailure:
		return "SOURCE_CHANGED"
	case TransientTransportFailure:
		return "TRANSIENT_TRANSPORT_FAILURE"
	case PermanentTransportFailure:
		return "PERMANENT_TRANSPORT_FAILURE"
	case ResourceExhaustionFailure:
		return "RESOURCE_EXHAUSTION"
	case CancelledFailure:
		return "CANCELLED"
	default:
		return fmt.Sprintf("GENERIC_FAILURE[%d]", t)
	}
}

// isRecoverable reports whether an error represents a condition that
// is worth retrying automatically (I/O timeout, transient resource
// exhaustion). Cancellation is never recoverable.
func isRecoverable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	return errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) || isResourceExhaustion(err)
}

func isResourceExhaustion(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EMFILE)
}
