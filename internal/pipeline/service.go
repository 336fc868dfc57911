// Package pipeline owns the end-to-end lifecycle of media jobs:
// classification, metadata extraction, derivative generation and
// handoff to the upload subsystem. Jobs are tracked in an ordered
// list guarded by the service mutex; a fixed pool of workers claims
// pending jobs and drives them through the stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hbomb79/Arca/internal/derive"
	"github.com/hbomb79/Arca/internal/event"
	"github.com/hbomb79/Arca/internal/extract"
	"github.com/hbomb79/Arca/internal/media"
	"github.com/hbomb79/Arca/pkg/logger"
	"github.com/hbomb79/Arca/pkg/worker"
)

var pipelineLogger = logger.Get("Pipeline")

type (
	Config struct {
		DeriveParallelism    int    `yaml:"derive_parallelism" env:"PIPELINE_DERIVE_PARALLELISM" env-default:"2"`
		TempDirPath          string `yaml:"temp_dir_path" env:"PIPELINE_TEMP_DIR" env-default:"/tmp/arca"`
		StageRetryLimit      int    `yaml:"stage_retry_limit" env:"PIPELINE_STAGE_RETRY_LIMIT" env-default:"3"`
		StageTimeoutSeconds  int    `yaml:"stage_timeout_seconds" env:"PIPELINE_STAGE_TIMEOUT_SECONDS" env-default:"120"`
		ResubmitLimit        int    `yaml:"resubmit_limit" env:"PIPELINE_RESUBMIT_LIMIT" env-default:"3"`
		BackoffInitialMillis int    `yaml:"backoff_initial_millis" env:"PIPELINE_BACKOFF_INITIAL_MILLIS" env-default:"500"`
		BackoffMaxMillis     int    `yaml:"backoff_max_millis" env:"PIPELINE_BACKOFF_MAX_MILLIS" env-default:"15000"`
	}

	// ClassifierFunc decides the media kind of the file at the path
	// given. Must be deterministic and side-effect free, and must
	// honour cancellation of the context given.
	ClassifierFunc func(ctx context.Context, path string) (media.Kind, error)

	ExtractorResolver interface {
		ExtractorFor(kind media.Kind) extract.Extractor
	}

	GeneratorResolver interface {
		GeneratorFor(kind media.Kind) derive.Generator
	}

	Service interface {
		Run(ctx context.Context) error
		Submit(path string) (uuid.UUID, error)
		Resubmit(id uuid.UUID) error
		Cancel(id uuid.UUID) error
		Job(id uuid.UUID) (*Job, error)
		AllJobs() []*Job
	}

	pipelineService struct {
		config     Config
		classify   ClassifierFunc
		extractors ExtractorResolver
		generators GeneratorResolver
		eventBus   event.EventCoordinator
		workerPool *worker.WorkerPool

		runCtx context.Context

		mu        sync.Mutex
		jobs      []*Job
		jobIndex  map[uuid.UUID]*Job
		hashIndex map[string]*Job
	}
)

func New(config Config, classify ClassifierFunc, extractors ExtractorResolver, generators GeneratorResolver, eventBus event.EventCoordinator) *pipelineService {
	return &pipelineService{
		config:     config,
		classify:   classify,
		extractors: extractors,
		generators: generators,
		eventBus:   eventBus,
		workerPool: worker.NewWorkerPool(),
		jobIndex:   make(map[uuid.UUID]*Job),
		hashIndex:  make(map[string]*Job),
	}
}

// Run starts the stage workers and blocks until the context provided
// is cancelled. In-flight jobs are allowed to observe the
// cancellation at their next stage boundary before Run returns.
func (service *pipelineService) Run(ctx context.Context) error {
	service.runCtx = ctx
	if err := os.MkdirAll(service.config.TempDirPath, 0o755); err != nil {
		return fmt.Errorf("failed to create working directory %s: %w", service.config.TempDirPath, err)
	}

	for i := 0; i < service.config.DeriveParallelism; i++ {
		label := fmt.Sprintf("pipeline:%d", i)
		if err := service.workerPool.PushWorker(worker.NewWorker(label, service.workerTask)); err != nil {
			return err
		}
	}

	if err := service.workerPool.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	service.workerPool.Close()
	return nil
}

// Submit stats and hashes the file at the path given and enqueues a
// job for it. The content hash is computed exactly once, here; a
// submission whose hash matches a job already in flight (or already
// uploaded) coalesces in to that job rather than starting a second.
func (service *pipelineService) Submit(path string) (uuid.UUID, error) {
	source, err := media.NewSourceFile(path, media.Unknown)
	if err != nil {
		return uuid.Nil, err
	}

	service.mu.Lock()
	if existing, ok := service.hashIndex[source.Hash]; ok {
		service.mu.Unlock()
		pipelineLogger.Emit(logger.DEBUG, "Submission of %s coalesced in to existing job %s\n", path, existing.ID)
		return existing.ID, nil
	}

	tempDir := filepath.Join(service.config.TempDirPath, source.Hash[:12])
	job := newJob(path, tempDir, service.config.ResubmitLimit, service.handleJobChange)
	job.setSource(source)
	service.jobs = append(service.jobs, job)
	service.jobIndex[job.ID] = job
	service.hashIndex[source.Hash] = job
	service.mu.Unlock()

	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		service.removeJob(job)
		return uuid.Nil, fmt.Errorf("failed to create job working directory: %w", err)
	}

	pipelineLogger.Emit(logger.NEW, "Job %s created for %s (%d bytes)\n", job.ID, path, source.Size)
	service.eventBus.Dispatch(event.JobUpdateEvent, job.ID)
	_ = service.workerPool.WakeupWorkers()
	return job.ID, nil
}

// Resubmit re-enters a retryably-failed job at the stage it failed
// in. The source file is re-hashed first; a mismatch against the
// original hash means the file mutated and the job fails permanently.
func (service *pipelineService) Resubmit(id uuid.UUID) error {
	job, err := service.Job(id)
	if err != nil {
		return err
	}

	if job.State() != FailedRetryable {
		return ErrJobNotResubmittable
	}

	matches, err := job.Source().Verify()
	if err != nil {
		return fmt.Errorf("failed to verify source file for job %s: %w", job.ID, err)
	}
	if !matches {
		job.Fail(newTroubleOfType(ErrSourceFileChanged, SourceChangedFailure))
		return ErrSourceFileChanged
	}

	attempt := job.beginResubmission()
	pipelineLogger.Emit(logger.INFO, "Job %s resubmitted (attempt %d), resuming from stage %s\n", job.ID, attempt, job.ResumeStage())
	service.eventBus.Dispatch(event.JobUpdateEvent, job.ID)
	_ = service.workerPool.WakeupWorkers()
	return nil
}

// Cancel requests a job stop. A claimed job is interrupted at its
// next stage boundary (in-flight decodes and chunk transfers are
// abandoned via context cancellation); an unclaimed one fails
// immediately.
func (service *pipelineService) Cancel(id uuid.UUID) error {
	job, err := service.Job(id)
	if err != nil {
		return err
	}

	if job.State() == Uploaded || job.State() == FailedPermanent {
		return ErrJobAlreadyTerminal
	}

	wasClaimed := job.isClaimed()
	job.markCancelled()
	if !wasClaimed {
		job.Fail(newTroubleOfType(context.Canceled, CancelledFailure))
	}

	return nil
}

func (service *pipelineService) Job(id uuid.UUID) (*Job, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if job, ok := service.jobIndex[id]; ok {
		return job, nil
	}

	return nil, ErrJobNotFound
}

func (service *pipelineService) AllJobs() []*Job {
	service.mu.Lock()
	defer service.mu.Unlock()
	return append([]*Job{}, service.jobs...)
}

// workerTask claims the oldest pending job and drives it through the
// pipeline stages. Reports no-work so the calling worker sleeps when
// nothing is pending.
func (service *pipelineService) workerTask(w worker.Worker) (bool, error) {
	job := service.claimPendingJob()
	if job == nil {
		return false, nil
	}

	service.executeJob(job)
	return true, nil
}

func (service *pipelineService) claimPendingJob() *Job {
	service.mu.Lock()
	defer service.mu.Unlock()
	for _, job := range service.jobs {
		if job.State() == Pending && job.claim() {
			return job
		}
	}

	return nil
}

// executeJob runs the classify, extract and derive stages for the
// job given, finishing by handing it to the upload queue. Stage-local
// failures degrade the job (minimal record, skipped derivatives)
// rather than unwinding it; only recoverable-but-exhausted errors,
// cancellation and source mutation stop the job here.
func (service *pipelineService) executeJob(job *Job) {
	ctx, cancelJob := context.WithCancel(service.runCtx)
	job.SetCancelFunc(cancelJob)
	defer cancelJob()
	defer job.release()

	source := job.Source()
	skipDerivatives := false

	if job.ResumeStage() <= StageClassify {
		job.SetState(Classifying)

		// Classification is never retried, but a sniffer stuck on a
		// slow filesystem must not pin the worker indefinitely.
		stageCtx, cancelStage := context.WithTimeout(ctx, time.Duration(service.config.StageTimeoutSeconds)*time.Second)
		kind, err := service.classify(stageCtx, job.Path)
		cancelStage()

		if errors.Is(err, media.ErrClassificationAmbiguous) {
			pipelineLogger.Emit(logger.WARNING, "Job %s classification ambiguous, proceeding as UNKNOWN with minimal metadata\n", job.ID)
			kind = media.Unknown
			skipDerivatives = true
		} else if err != nil {
			job.setResumeStage(StageClassify)
			if errors.Is(err, context.Canceled) {
				job.Fail(newTroubleOfType(err, CancelledFailure))
			} else {
				job.Fail(newTroubleOfType(err, ClassificationFailure))
			}
			return
		}

		source.Kind = kind
		job.setRecord(media.MinimalRecord(kind, source.Size))
		job.setResumeStage(StageExtract)
	}

	if service.stageBoundaryStop(ctx, job, StageClassify) {
		return
	}

	if job.ResumeStage() <= StageExtract {
		if extractor := service.extractors.ExtractorFor(source.Kind); extractor != nil {
			job.SetState(Extracting)
			err := service.retryStage(ctx, func(stageCtx context.Context) error {
				record, extractErr := extractor.Extract(stageCtx, source)
				if extractErr != nil {
					return extractErr
				}

				job.setRecord(record)
				return nil
			})

			if err != nil {
				if trouble, stop := service.stageFailure(job, StageExtract, err, MetadataFailure); stop {
					job.Fail(trouble)
					return
				}

				// Degrade: unreadable metadata never blocks the
				// pipeline, the minimal record stands in.
				pipelineLogger.Emit(logger.WARNING, "Job %s metadata extraction failed (%v), continuing with minimal record\n", job.ID, err)
				job.setRecord(media.MinimalRecord(source.Kind, source.Size))
			}
		}

		job.setResumeStage(StageDerive)
	}

	if service.stageBoundaryStop(ctx, job, StageExtract) {
		return
	}

	if job.ResumeStage() <= StageDerive && !skipDerivatives {
		generator := service.generators.GeneratorFor(source.Kind)
		spec := derive.SpecForKind(source.Kind)
		if generator != nil && len(spec.Targets) > 0 {
			job.SetState(Deriving)
			err := service.retryStage(ctx, func(stageCtx context.Context) error {
				artifacts, generateErr := generator.Generate(stageCtx, source, spec, job.TempDir)
				if generateErr != nil {
					return generateErr
				}

				job.setArtifacts(artifacts)
				return nil
			})

			if err != nil {
				if trouble, stop := service.stageFailure(job, StageDerive, err, GenerationFailure); stop {
					job.Fail(trouble)
					return
				}

				pipelineLogger.Emit(logger.WARNING, "Job %s derivative generation failed (%v), uploading original only\n", job.ID, err)
				job.setArtifacts(nil)
			}
		}
	}

	if service.stageBoundaryStop(ctx, job, StageDerive) {
		return
	}

	job.setResumeStage(StageUpload)
	job.SetState(QueuedForUpload)
}

// stageBoundaryStop fails a cancelled job between stages. Returns
// true when the jobs execution should stop.
func (service *pipelineService) stageBoundaryStop(ctx context.Context, job *Job, failedStage Stage) bool {
	if !job.Cancelled() && ctx.Err() == nil {
		return false
	}

	job.setResumeStage(failedStage)
	job.Fail(newTroubleOfType(context.Canceled, CancelledFailure))
	return true
}

// stageFailure decides whether a stage error stops the job (true)
// with the trouble returned, or should be degraded by the caller
// (false). Cancellation and recoverable-but-exhausted errors stop;
// domain errors degrade.
func (service *pipelineService) stageFailure(job *Job, failedStage Stage, err error, exhaustedType TroubleType) (Trouble, bool) {
	switch {
	case errors.Is(err, context.Canceled):
		job.setResumeStage(failedStage)
		return newTroubleOfType(err, CancelledFailure), true
	case isResourceExhaustion(err):
		job.setResumeStage(failedStage)
		return newTroubleOfType(err, ResourceExhaustionFailure), true
	case isRecoverable(err):
		job.setResumeStage(failedStage)
		return newTroubleOfType(err, exhaustedType), true
	default:
		return Trouble{}, false
	}
}

// retryStage runs the function given under the per-stage timeout,
// retrying recoverable failures with exponential backoff up to the
// configured limit. Non-recoverable errors abort the retry loop
// immediately.
func (service *pipelineService) retryStage(ctx context.Context, stage func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(service.config.BackoffInitialMillis) * time.Millisecond
	policy.MaxInterval = time.Duration(service.config.BackoffMaxMillis) * time.Millisecond

	attempt := func() error {
		stageCtx, cancelStage := context.WithTimeout(ctx, time.Duration(service.config.StageTimeoutSeconds)*time.Second)
		defer cancelStage()

		err := stage(stageCtx)
		if err == nil {
			return nil
		}

		if ctx.Err() == nil && isRecoverable(err) {
			return err
		}

		return backoff.Permanent(err)
	}

	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(service.config.StageRetryLimit)), ctx))
}

// handleJobChange is the notification sink for job state changes. It
// must never be called with the job lock held; it takes the service
// lock for index maintenance.
func (service *pipelineService) handleJobChange(job *Job) {
	state := job.State()
	service.eventBus.Dispatch(event.JobUpdateEvent, job.ID)

	switch state {
	case QueuedForUpload:
		service.eventBus.Dispatch(event.JobQueuedEvent, job.ID)
	case Uploaded:
		pipelineLogger.Emit(logger.SUCCESS, "Job %s uploaded successfully\n", job.ID)
		service.cleanupTempDir(job)
		service.eventBus.Dispatch(event.JobCompleteEvent, job.ID)
	case FailedPermanent:
		if trouble := job.Trouble(); trouble != nil {
			pipelineLogger.Emit(logger.ERROR, "Job %s failed permanently [%s]: %v\n", job.ID, trouble.Type(), trouble)
		}

		// The hash index entry for a permanently failed job is
		// evicted so a corrected file can be submitted fresh.
		// Uploaded entries are retained for idempotent coalescing.
		service.mu.Lock()
		if source := job.Source(); source != nil {
			delete(service.hashIndex, source.Hash)
		}
		service.mu.Unlock()
		service.cleanupTempDir(job)
		service.eventBus.Dispatch(event.JobCompleteEvent, job.ID)
	case FailedRetryable:
		if trouble := job.Trouble(); trouble != nil {
			pipelineLogger.Emit(logger.WARNING, "Job %s failed [%s], eligible for resubmission: %v\n", job.ID, trouble.Type(), trouble)
		}
	}
}

func (service *pipelineService) cleanupTempDir(job *Job) {
	if job.TempDir == "" {
		return
	}

	if err := os.RemoveAll(job.TempDir); err != nil {
		pipelineLogger.Emit(logger.WARNING, "Failed to remove working directory for job %s: %v\n", job.ID, err)
	}
}

func (service *pipelineService) removeJob(target *Job) {
	service.mu.Lock()
	defer service.mu.Unlock()
	for i, job := range service.jobs {
		if job.ID == target.ID {
			service.jobs = append(service.jobs[:i], service.jobs[i+1:]...)
			break
		}
	}

	delete(service.jobIndex, target.ID)
	if source := target.Source(); source != nil {
		delete(service.hashIndex, source.Hash)
	}
}
