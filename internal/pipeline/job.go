package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Arca/internal/media"
)

type (
	JobState int

	// Stage identifies a unit of pipeline work for resumption
	// purposes. A job that failed mid-flight records the stage it
	// failed in so that resubmission can skip completed work.
	Stage int

	// Job is a single source file moving through the pipeline. All
	// mutation goes through the setters below, which notify the
	// owning service after releasing the job lock so that the
	// service may take its own lock without deadlocking.
	Job struct {
		ID        uuid.UUID
		Path      string
		TempDir   string
		CreatedAt time.Time

		mu            sync.Mutex
		state         JobState
		trouble       *Trouble
		source        *media.SourceFile
		record        media.Record
		artifacts     []media.DerivativeArtifact
		resumeStage   Stage
		resubmissions int
		resubmitLimit int
		claimed       bool
		cancelled     bool
		cancel        context.CancelFunc
		onChange      func(*Job)
	}
)

const (
	Pending JobState = iota
	Classifying
	Extracting
	Deriving
	QueuedForUpload
	Uploading
	Uploaded
	FailedRetryable
	FailedPermanent
)

const (
	StageClassify Stage = iota
	StageExtract
	StageDerive
	StageUpload
)

func newJob(path string, tempDir string, resubmitLimit int, onChange func(*Job)) *Job {
	return &Job{
		ID:            uuid.New(),
		Path:          path,
		TempDir:       tempDir,
		CreatedAt:     time.Now(),
		state:         Pending,
		resubmitLimit: resubmitLimit,
		onChange:      onChange,
	}
}

func (job *Job) State() JobState {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.state
}

// SetState transitions the job and notifies the owning service.
// The notification happens outside the job lock.
func (job *Job) SetState(state JobState) {
	job.mu.Lock()
	job.state = state
	notify := job.onChange
	job.mu.Unlock()

	if notify != nil {
		notify(job)
	}
}

// Fail records the trouble given and moves the job to the matching
// terminal-or-retryable failure state. A fatal trouble, or one
// arriving after the resubmission budget is spent, is permanent.
func (job *Job) Fail(trouble Trouble) {
	job.mu.Lock()
	job.trouble = &trouble
	if trouble.Fatal() || job.resubmissions >= job.resubmitLimit {
		job.state = FailedPermanent
	} else {
		job.state = FailedRetryable
	}
	notify := job.onChange
	job.mu.Unlock()

	if notify != nil {
		notify(job)
	}
}

func (job *Job) Trouble() *Trouble {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.trouble
}

// Terminal reports whether the job has finished moving, successfully
// or otherwise. Retryable failures are terminal until resubmitted.
func (job *Job) Terminal() bool {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.state == Uploaded || job.state == FailedPermanent || job.state == FailedRetryable
}

func (job *Job) Source() *media.SourceFile {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.source
}

func (job *Job) setSource(source *media.SourceFile) {
	job.mu.Lock()
	defer job.mu.Unlock()
	job.source = source
}

func (job *Job) Record() media.Record {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.record
}

func (job *Job) setRecord(record media.Record) {
	job.mu.Lock()
	defer job.mu.Unlock()
	job.record = record
}

func (job *Job) Artifacts() []media.DerivativeArtifact {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.artifacts
}

func (job *Job) setArtifacts(artifacts []media.DerivativeArtifact) {
	job.mu.Lock()
	defer job.mu.Unlock()
	job.artifacts = artifacts
}

// ResumeStage is the stage a resubmitted job should restart from.
func (job *Job) ResumeStage() Stage {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.resumeStage
}

func (job *Job) setResumeStage(stage Stage) {
	job.mu.Lock()
	defer job.mu.Unlock()
	job.resumeStage = stage
}

// claim marks the job as being worked on, returning false if it was
// already claimed or has been cancelled.
func (job *Job) claim() bool {
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.claimed || job.cancelled {
		return false
	}

	job.claimed = true
	return true
}

func (job *Job) release() {
	job.mu.Lock()
	defer job.mu.Unlock()
	job.claimed = false
}

func (job *Job) isClaimed() bool {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.claimed
}

// markCancelled flags the job and interrupts in-flight work via the
// stage context, if any is running.
func (job *Job) markCancelled() {
	job.mu.Lock()
	job.cancelled = true
	cancel := job.cancel
	job.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Cancelled reports whether cancellation has been requested.
// Checked by stage and chunk boundaries.
func (job *Job) Cancelled() bool {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.cancelled
}

// SetCancelFunc installs the cancel function for the phase currently
// executing the job, so that Cancel can interrupt in-flight work.
func (job *Job) SetCancelFunc(cancel context.CancelFunc) {
	job.mu.Lock()
	defer job.mu.Unlock()
	job.cancel = cancel
}

// beginResubmission resets failure bookkeeping ahead of another run
// through the pipeline. Returns the resubmission count including
// this attempt.
func (job *Job) beginResubmission() int {
	job.mu.Lock()
	defer job.mu.Unlock()
	job.resubmissions++
	job.trouble = nil
	job.state = Pending
	job.claimed = false
	job.cancelled = false
	return job.resubmissions
}

func (job *Job) String() string {
	return fmt.Sprintf("Job{id=%s path=%s state=%s}", job.ID, job.Path, job.State())
}

func (s JobState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Classifying:
		return "CLASSIFYING"
	case Extracting:
		return "EXTRACTING"
	case Deriving:
		return "DERIVING"
	case QueuedForUpload:
		return "QUEUED_FOR_UPLOAD"
	case Uploading:
		return "UPLOADING"
	case Uploaded:
		return "UPLOADED"
	case FailedRetryable:
		return "FAILED_RETRYABLE"
	case FailedPermanent:
		return "FAILED_PERMANENT"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", s)
	}
}

func (s Stage) String() string {
	switch s {
	case StageClassify:
		return "CLASSIFY"
	case StageExtract:
		return "EXTRACT"
	case StageDerive:
		return "DERIVE"
	case StageUpload:
		return "UPLOAD"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", s)
	}
}
