// Package upload drains jobs that have finished local processing and
// synchronizes them to the remote archive. A bounded queue feeds a
// fixed pool of transfer workers; queue capacity is the systems
// backpressure point. Transfers are chunked and resumable, with the
// resume point always taken from the archives acknowledged offset.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hbomb79/Arca/internal/archive"
	"github.com/hbomb79/Arca/internal/event"
	"github.com/hbomb79/Arca/internal/media"
	"github.com/hbomb79/Arca/internal/pipeline"
	"github.com/hbomb79/Arca/pkg/logger"
)

var uploadLogger = logger.Get("Upload")

// ErrQueueFull is returned when the queue policy is 'reject' and the
// upload queue has no remaining capacity.
var ErrQueueFull = errors.New("upload queue is at capacity")

const originalPartName = "original"

type (
	QueuePolicy string

	Config struct {
		Parallelism          int         `yaml:"parallelism" env:"UPLOAD_PARALLELISM" env-default:"2"`
		QueueCapacity        int         `yaml:"queue_capacity" env:"UPLOAD_QUEUE_CAPACITY" env-default:"16"`
		QueuePolicy          QueuePolicy `yaml:"queue_policy" env:"UPLOAD_QUEUE_POLICY" env-default:"block"`
		ChunkSizeBytes       int64       `yaml:"chunk_size_bytes" env:"UPLOAD_CHUNK_SIZE_BYTES" env-default:"1048576"`
		ChunkTimeoutSeconds  int         `yaml:"chunk_timeout_seconds" env:"UPLOAD_CHUNK_TIMEOUT_SECONDS" env-default:"60"`
		ChunkRetryLimit      int         `yaml:"chunk_retry_limit" env:"UPLOAD_CHUNK_RETRY_LIMIT" env-default:"3"`
		BackoffInitialMillis int         `yaml:"backoff_initial_millis" env:"UPLOAD_BACKOFF_INITIAL_MILLIS" env-default:"500"`
		BackoffMaxMillis     int         `yaml:"backoff_max_millis" env:"UPLOAD_BACKOFF_MAX_MILLIS" env-default:"15000"`
	}

	// ArchiveClient is the remote contract the transfer workers
	// depend on; satisfied by the archive package client.
	ArchiveClient interface {
		Settings(ctx context.Context) (*archive.Settings, error)
		CreateUpload(ctx context.Context, contentHash string, kind string, size int64, record media.Record) (*archive.UploadSession, error)
		PartOffset(ctx context.Context, sessionID string, part string) (int64, error)
		SendChunk(ctx context.Context, sessionID string, part string, offset int64, chunk []byte) (int64, error)
		Finalize(ctx context.Context, sessionID string) error
	}

	// JobSource resolves queued-event payloads back to jobs; the
	// pipeline service satisfies this.
	JobSource interface {
		Job(id uuid.UUID) (*pipeline.Job, error)
	}

	Service interface {
		Run(ctx context.Context) error
		Enqueue(job *pipeline.Job) error
	}

	uploadService struct {
		config   Config
		client   ArchiveClient
		jobs     JobSource
		eventBus event.EventCoordinator

		queue chan *pipeline.Job
	}
)

const (
	BlockPolicy  QueuePolicy = "block"
	RejectPolicy QueuePolicy = "reject"
)

func New(config Config, client ArchiveClient, jobs JobSource, eventBus event.EventCoordinator) *uploadService {
	return &uploadService{
		config:   config,
		client:   client,
		jobs:     jobs,
		eventBus: eventBus,
		queue:    make(chan *pipeline.Job, config.QueueCapacity),
	}
}

// Run consumes job-queued events, feeding the transfer workers until
// the context provided is cancelled. Blocks for the lifetime of the
// service.
func (service *uploadService) Run(ctx context.Context) error {
	// Honour the archives declared chunk ceiling if it is stricter
	// than our configured chunk size.
	if settings, err := service.client.Settings(ctx); err != nil {
		uploadLogger.Emit(logger.WARNING, "Could not fetch archive settings, using configured chunk size: %v\n", err)
	} else if settings.MaxChunkSize > 0 && settings.MaxChunkSize < service.config.ChunkSizeBytes {
		service.config.ChunkSizeBytes = settings.MaxChunkSize
	}

	eventChannel := make(event.HandlerChannel, service.config.QueueCapacity)
	service.eventBus.RegisterHandlerChannel(eventChannel, event.JobQueuedEvent)

	// The queue channel is deliberately never closed; workers exit
	// via context cancellation so that a straggling Enqueue cannot
	// panic against a closed channel.
	var wg sync.WaitGroup
	for i := 0; i < service.config.Parallelism; i++ {
		wg.Add(1)
		go func(label int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-service.queue:
					service.transfer(ctx, job)
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case message := <-eventChannel:
			id, ok := message.Payload.(uuid.UUID)
			if !ok {
				uploadLogger.Emit(logger.ERROR, "Discarding %s event with unexpected payload %T\n", message.Event, message.Payload)
				continue
			}

			job, err := service.jobs.Job(id)
			if err != nil {
				uploadLogger.Emit(logger.ERROR, "Discarding %s event for unknown job %s\n", message.Event, id)
				continue
			}

			if err := service.enqueue(ctx, job); err != nil {
				job.Fail(pipeline.NewTrouble(err))
			}
		}
	}
}

// Enqueue submits a job for transfer directly, honouring the
// configured queue policy. Most jobs arrive via the event bus
// instead; this exists for callers driving the service manually.
func (service *uploadService) Enqueue(job *pipeline.Job) error {
	return service.enqueue(context.Background(), job)
}

func (service *uploadService) enqueue(ctx context.Context, job *pipeline.Job) error {
	if service.config.QueuePolicy == RejectPolicy {
		select {
		case service.queue <- job:
			return nil
		default:
			return fmt.Errorf("%w: job %s rejected", ErrQueueFull, job.ID)
		}
	}

	select {
	case service.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transfer performs the full synchronization of one job: session
// creation, chunked part transfer for the original and every
// derivative, and finalization. Failures are classified in to the
// jobs trouble taxonomy; transient transport errors leave the job
// resubmittable, validation rejections are permanent.
func (service *uploadService) transfer(ctx context.Context, job *pipeline.Job) {
	// A job may have been cancelled (and already driven to a
	// terminal state) while it sat in the queue; starting the
	// transfer would resurrect it.
	if job.Cancelled() || job.State() != pipeline.QueuedForUpload {
		uploadLogger.Emit(logger.DEBUG, "Skipping transfer of job %s (state %s)\n", job.ID, job.State())
		return
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	job.SetCancelFunc(cancelJob)
	defer cancelJob()

	job.SetState(pipeline.Uploading)

	source := job.Source()
	session, err := service.createSession(jobCtx, job)
	if err != nil {
		service.failTransfer(job, err)
		return
	}

	if job.Cancelled() {
		service.failTransfer(job, context.Canceled)
		return
	}

	if session.Duplicate {
		uploadLogger.Emit(logger.INFO, "Archive already holds content %s, job %s complete without transfer\n", source.Hash, job.ID)
		job.SetState(pipeline.Uploaded)
		return
	}

	chunkSize := service.config.ChunkSizeBytes
	if session.ChunkSize > 0 && session.ChunkSize < chunkSize {
		chunkSize = session.ChunkSize
	}

	if err := service.transferPart(jobCtx, job, session.UUID, originalPartName, source.Path, chunkSize); err != nil {
		service.failTransfer(job, err)
		return
	}

	for _, artifact := range job.Artifacts() {
		if err := service.transferPart(jobCtx, job, session.UUID, artifact.Kind.String(), artifact.Path, chunkSize); err != nil {
			service.failTransfer(job, err)
			return
		}
	}

	if err := service.withTransientRetry(jobCtx, func() error {
		return service.client.Finalize(jobCtx, session.UUID)
	}); err != nil {
		service.failTransfer(job, err)
		return
	}

	job.SetState(pipeline.Uploaded)
}

func (service *uploadService) createSession(ctx context.Context, job *pipeline.Job) (*archive.UploadSession, error) {
	source := job.Source()
	var session *archive.UploadSession
	err := service.withTransientRetry(ctx, func() error {
		created, createErr := service.client.CreateUpload(ctx, source.Hash, source.Kind.String(), source.Size, job.Record())
		if createErr != nil {
			return createErr
		}

		session = created
		return nil
	})

	return session, err
}

// transferPart streams the file given as sequential chunks, always
// resuming from the offset the archive has acknowledged rather than
// from any locally tracked position.
func (service *uploadService) transferPart(ctx context.Context, job *pipeline.Job, sessionID string, part string, path string, chunkSize int64) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for transfer: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s for transfer: %w", path, err)
	}

	var offset int64
	if err := service.withTransientRetry(ctx, func() error {
		acked, offsetErr := service.client.PartOffset(ctx, sessionID, part)
		if offsetErr != nil {
			return offsetErr
		}

		offset = acked
		return nil
	}); err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(service.config.BackoffInitialMillis) * time.Millisecond
	policy.MaxInterval = time.Duration(service.config.BackoffMaxMillis) * time.Millisecond

	buffer := make([]byte, chunkSize)
	failures := 0
	for offset < info.Size() {
		if job.Cancelled() || ctx.Err() != nil {
			return context.Canceled
		}

		length := chunkSize
		if remaining := info.Size() - offset; remaining < length {
			length = remaining
		}

		if _, err := file.ReadAt(buffer[:length], offset); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read chunk of %s at offset %d: %w", path, offset, err)
		}

		chunkCtx, cancelChunk := context.WithTimeout(ctx, time.Duration(service.config.ChunkTimeoutSeconds)*time.Second)
		acked, err := service.client.SendChunk(chunkCtx, sessionID, part, offset, buffer[:length])
		cancelChunk()

		if err != nil {
			if ctx.Err() != nil || !archive.IsTransient(err) {
				return err
			}

			failures++
			if failures > service.config.ChunkRetryLimit {
				return err
			}

			delay := policy.NextBackOff()
			if delay == backoff.Stop {
				return err
			}

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}

			// The chunk may have been partially received before the
			// failure; resume from the archives acknowledged offset,
			// never from a locally assumed position.
			if err := service.withTransientRetry(ctx, func() error {
				remoteOffset, offsetErr := service.client.PartOffset(ctx, sessionID, part)
				if offsetErr != nil {
					return offsetErr
				}

				offset = remoteOffset
				return nil
			}); err != nil {
				return err
			}

			continue
		}

		failures = 0
		policy.Reset()
		offset = acked
		service.eventBus.Dispatch(event.UploadProgressEvent, job.ID)
	}

	return nil
}

func (service *uploadService) withTransientRetry(ctx context.Context, operation func() error) error {
	attempt := func() error {
		err := operation()
		if err == nil {
			return nil
		}

		if ctx.Err() != nil || !archive.IsTransient(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	return backoff.Retry(attempt, service.retryPolicy(ctx))
}

func (service *uploadService) retryPolicy(ctx context.Context) backoff.BackOffContext {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(service.config.BackoffInitialMillis) * time.Millisecond
	policy.MaxInterval = time.Duration(service.config.BackoffMaxMillis) * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(service.config.ChunkRetryLimit)), ctx)
}

func (service *uploadService) failTransfer(job *pipeline.Job, err error) {
	uploadLogger.Emit(logger.ERROR, "Transfer of job %s failed: %v\n", job.ID, err)
	job.Fail(pipeline.NewTrouble(err))
}
