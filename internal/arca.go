package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hbomb79/Arca/internal/archive"
	"github.com/hbomb79/Arca/internal/derive"
	"github.com/hbomb79/Arca/internal/event"
	"github.com/hbomb79/Arca/internal/extract"
	"github.com/hbomb79/Arca/internal/media"
	"github.com/hbomb79/Arca/internal/pipeline"
	"github.com/hbomb79/Arca/internal/upload"
	"github.com/hbomb79/Arca/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	PipelineService interface {
		RunnableService
		Submit(path string) (uuid.UUID, error)
		Resubmit(id uuid.UUID) error
		Cancel(id uuid.UUID) error
		Job(id uuid.UUID) (*pipeline.Job, error)
		AllJobs() []*pipeline.Job
	}

	UploadService interface {
		RunnableService
		Enqueue(job *pipeline.Job) error
	}
)

// Arca is the top-level object for the client, responsible for
// constructing the pipeline and upload services and running them
// against a shared event bus.
type arcaImpl struct {
	eventBus event.EventCoordinator
	config   ArcaConfig

	pipelineService PipelineService
	uploadService   UploadService
	activityService *activityService
}

func New(config ArcaConfig) *arcaImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Arca services using config: %#v\n", config)
	arca := &arcaImpl{
		eventBus: event.New(),
		config:   config,
	}

	videoConfig := derive.VideoConfig{
		FfmpegBinPath:  config.Ffmpeg.FfmpegBinPath,
		FfprobeBinPath: config.Ffmpeg.FfprobeBinPath,
	}
	prober := extract.NewFfprober(extract.FfprobeConfig{
		FfmpegBinPath:  config.Ffmpeg.FfmpegBinPath,
		FfprobeBinPath: config.Ffmpeg.FfprobeBinPath,
	})

	arca.pipelineService = pipeline.New(
		config.Pipeline,
		media.Classify,
		extract.NewRegistry(prober),
		derive.NewRegistry(videoConfig),
		arca.eventBus,
	)

	archiveClient := archive.NewClient(config.Archive)
	arca.uploadService = upload.New(config.Upload, archiveClient, arca.pipelineService, arca.eventBus)
	arca.activityService = newActivityService(&loggingSink{jobs: arca.pipelineService}, arca.eventBus)

	return arca
}

// Pipeline exposes the job submission surface for callers embedding
// Arca (a CLI, a watcher, et cetera).
func (arca *arcaImpl) Pipeline() PipelineService { return arca.pipelineService }

// Run brings up the pipeline and upload services and blocks until
// the context provided is cancelled, or until a service suffers an
// error from which it cannot recover.
func (arca *arcaImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	wg := &sync.WaitGroup{}
	arca.spawnAsyncService(ctx, wg, arca.pipelineService, "pipeline-service", crashHandler)
	arca.spawnAsyncService(ctx, wg, arca.uploadService, "upload-service", crashHandler)
	arca.spawnAsyncService(ctx, wg, arca.activityService, "activity-service", crashHandler)
	log.Emit(logger.SUCCESS, "Arca services spawned!\n")

	wg.Wait()
	return nil
}

// spawnAsyncService will run the provided function/service as it's own
// go-routine, ensuring that the Arca service waitgroup is updated correctly
func (arca *arcaImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
