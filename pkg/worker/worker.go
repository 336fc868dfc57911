package worker

import "github.com/hbomb79/Arca/pkg/logger"

var workerLogger = logger.Get("Worker")

type WorkerWakeupChan chan int

type WorkerStatus int

const (
	Sleeping WorkerStatus = iota
	Working
	Finished
)

// TaskFn is the unit of work executed by a worker. The boolean return
// indicates whether any work was actually performed; a worker whose
// task reports no work will go back to sleep until woken.
type TaskFn func(Worker) (bool, error)

type Worker interface {
	Start()
	Status() WorkerStatus
	WakeupChan() WorkerWakeupChan
	Label() string
	Close()
}

type taskWorker struct {
	label         string
	task          TaskFn
	wakeupChan    WorkerWakeupChan
	currentStatus WorkerStatus
}

func NewWorker(label string, task TaskFn) *taskWorker {
	return &taskWorker{
		label:         label,
		task:          task,
		wakeupChan:    make(WorkerWakeupChan),
		currentStatus: Sleeping,
	}
}

// Start runs the workers task in a loop, going to sleep whenever the
// task reports that no work was available. This method blocks until
// the workers wakeup channel is closed.
func (worker *taskWorker) Start() {
	workerLogger.Emit(logger.NEW, "Starting worker %s\n", worker.label)
	for {
		worker.currentStatus = Working
		didWork, err := worker.task(worker)
		if err != nil {
			workerLogger.Emit(logger.ERROR, "Worker %s task reported an error (%T): %v\n", worker.label, err, err)
		}

		if didWork {
			// More work may be waiting, try again before sleeping.
			continue
		}

		if isAlive := worker.sleep(); !isAlive {
			return
		}
	}
}

// Status returns the current status of this worker.
func (worker *taskWorker) Status() WorkerStatus {
	return worker.currentStatus
}

func (worker *taskWorker) WakeupChan() WorkerWakeupChan {
	return worker.wakeupChan
}

// Close closes the worker by closing its wakeup channel. Note that this
// does not interrupt a task that is currently running.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

// Label returns the label for this worker.
func (worker *taskWorker) Label() string {
	return worker.label
}

// sleep blocks until the workers wakeup channel is signalled from
// another goroutine. Returns 'false' if the wakeup channel was closed,
// indicating the worker should quit.
func (worker *taskWorker) sleep() (isAlive bool) {
	worker.currentStatus = Sleeping

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.currentStatus = Working
	} else {
		workerLogger.Emit(logger.STOP, "Wakeup channel for worker '%s' has been closed - worker is exiting\n", worker.label)
		worker.currentStatus = Finished
	}

	return isAlive
}
