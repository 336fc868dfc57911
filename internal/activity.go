package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Arca/internal/event"
	"github.com/hbomb79/Arca/internal/pipeline"
	"github.com/hbomb79/Arca/pkg/logger"
)

const (
	DEBOUNCE_DURATION  time.Duration = time.Second * 2
	MAX_TIMER_DURATION time.Duration = time.Second * 5

	RAPID_EVENT_DEBOUNCE_DURATION  time.Duration = time.Millisecond * 500
	RAPID_EVENT_MAX_TIMER_DURATION time.Duration = time.Second * 2
)

type (
	reportHandler func(uuid.UUID) error

	// ProgressSink receives debounced job activity. The default sink
	// logs; embedders can substitute their own (a TUI, a DBus
	// notifier, et cetera).
	ProgressSink interface {
		ReportJobUpdate(uuid.UUID) error
		ReportUploadProgress(uuid.UUID) error
	}

	eventKey struct {
		ev event.Event
		id uuid.UUID
	}

	// activityService debounces the noisy event stream coming off
	// the pipeline and upload services before reporting it. Chunk
	// acknowledgment events in particular arrive far faster than
	// any consumer wants to hear about them; the max timer bounds
	// how stale a report can become under sustained activity.
	activityService struct {
		*sync.Mutex
		sink           ProgressSink
		eventBus       event.EventHandler
		debounceTimers map[eventKey]*time.Timer
		maxTimers      map[eventKey]*time.Timer
	}
)

func newActivityService(sink ProgressSink, eventBus event.EventHandler) *activityService {
	return &activityService{
		Mutex:          &sync.Mutex{},
		sink:           sink,
		eventBus:       eventBus,
		debounceTimers: make(map[eventKey]*time.Timer),
		maxTimers:      make(map[eventKey]*time.Timer),
	}
}

func (service *activityService) Run(ctx context.Context) error {
	messageChan := make(chan event.HandlerEvent, 100)
	service.eventBus.RegisterHandlerChannel(messageChan,
		event.JobUpdateEvent, event.JobCompleteEvent, event.UploadProgressEvent)

	log.Emit(logger.NEW, "Activity service started\n")
	for {
		select {
		case ev := <-messageChan:
			if err := service.handleEvent(ev); err != nil {
				log.Emit(logger.ERROR, "Handling of event %v failed: %v\n", ev, err)
			}
		case <-ctx.Done():
			log.Emit(logger.STOP, "Activity service closed\n")
			return nil
		}
	}
}

func (service *activityService) handleEvent(ev event.HandlerEvent) error {
	jobID, ok := ev.Payload.(uuid.UUID)
	if !ok {
		return errors.New("illegal payload (expected UUID)")
	}

	resourceKey := eventKey{id: jobID, ev: ev.Event}

	switch ev.Event {
	case event.JobUpdateEvent:
		fallthrough
	case event.JobCompleteEvent:
		service.scheduleReport(resourceKey, service.sink.ReportJobUpdate)
	case event.UploadProgressEvent:
		service.scheduleRapidReport(resourceKey, service.sink.ReportUploadProgress)
	default:
		return errors.New("unknown event type")
	}

	return nil
}

func (service *activityService) scheduleReport(resourceKey eventKey, handler reportHandler) {
	service._scheduleReport(resourceKey, handler, DEBOUNCE_DURATION, MAX_TIMER_DURATION)
}

func (service *activityService) scheduleRapidReport(resourceKey eventKey, handler reportHandler) {
	service._scheduleReport(resourceKey, handler, RAPID_EVENT_DEBOUNCE_DURATION, RAPID_EVENT_MAX_TIMER_DURATION)
}

func (service *activityService) _scheduleReport(resourceKey eventKey, handler reportHandler, debounceTime time.Duration, maxTime time.Duration) {
	service.Lock()
	defer service.Unlock()

	report := func() { service.report(resourceKey, handler) }

	// Cancel and re-set a debounce timer
	if t, ok := service.debounceTimers[resourceKey]; ok {
		t.Stop()
	}
	service.debounceTimers[resourceKey] = time.AfterFunc(debounceTime, report)

	// Set a max timer if not already set
	if _, ok := service.maxTimers[resourceKey]; !ok {
		service.maxTimers[resourceKey] = time.AfterFunc(maxTime, report)
	}
}

func (service *activityService) report(resourceKey eventKey, handler reportHandler) {
	service.Lock()
	defer service.Unlock()

	if t, ok := service.debounceTimers[resourceKey]; ok {
		t.Stop()
		delete(service.debounceTimers, resourceKey)
	}

	if t, ok := service.maxTimers[resourceKey]; ok {
		t.Stop()
		delete(service.maxTimers, resourceKey)
	}

	if err := handler(resourceKey.id); err != nil {
		log.Emit(logger.ERROR, "Failed to report activity for %s: %v\n", resourceKey.id, err)
	}
}

// loggingSink is the default ProgressSink, resolving jobs against
// the pipeline and emitting their current state.
type loggingSink struct {
	jobs PipelineService
}

func (sink *loggingSink) ReportJobUpdate(id uuid.UUID) error {
	job, err := sink.jobs.Job(id)
	if err != nil {
		if errors.Is(err, pipeline.ErrJobNotFound) {
			return nil
		}

		return err
	}

	log.Emit(logger.INFO, "Job %s is now %s\n", job.ID, job.State())
	return nil
}

func (sink *loggingSink) ReportUploadProgress(id uuid.UUID) error {
	job, err := sink.jobs.Job(id)
	if err != nil {
		if errors.Is(err, pipeline.ErrJobNotFound) {
			return nil
		}

		return err
	}

	log.Emit(logger.INFO, "Job %s transfer in progress\n", job.ID)
	return nil
}
