package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/control/internal/fsm"
	"github.com/rendis/control/pkg/schema"
)

// PooledWorker events, in addition to the state machine events.
const (
	EventMessage          = "message"
	EventExit             = "exit"
	EventError            = "error"
	EventOnline           = "online"
	EventTaskStart        = string(schema.MessageTaskStart)
	EventTaskDone         = string(schema.MessageTaskDone)
	EventTaskError        = string(schema.MessageTaskError)
	EventNodeStateChanged = string(schema.MessageNodeStateChanged)
)

var workerDefinition = &fsm.Definition[schema.WorkerState]{
	Transitions: fsm.Table[schema.WorkerState]{
		schema.WorkerStarting: fsm.To(schema.WorkerIdle),
		schema.WorkerIdle:     fsm.To(schema.WorkerBusy),
		schema.WorkerBusy:     fsm.To(schema.WorkerIdle),
	},
	MetaStates: []schema.WorkerState{schema.WorkerError, schema.WorkerExited},
}

var workerEvents = []string{
	EventMessage, EventExit, EventError, EventOnline,
	EventTaskStart, EventTaskDone, EventTaskError, EventNodeStateChanged,
}

// WorkerEvent is the payload of every PooledWorker event.
type WorkerEvent struct {
	WorkerID int
	// Message is the decoded protocol message, nil when Raw is not one.
	Message *schema.Message
	Raw     []byte
	Err     error
	Code    int
}

// PooledWorker is the pool-side handle of one worker thread.
type PooledWorker struct {
	id          int
	maxIdleTime time.Duration
	logger      *slog.Logger

	attached chan struct{}
	once     sync.Once

	mu        sync.Mutex
	thread    Thread
	current   *Task
	idleTimer *time.Timer

	machine *fsm.Machine[schema.WorkerState]
	events  *fsm.Emitter[WorkerEvent]
}

func newPooledWorker(id int, maxIdleTime time.Duration, logger *slog.Logger) *PooledWorker {
	w := &PooledWorker{
		id:          id,
		maxIdleTime: maxIdleTime,
		logger:      logger.With("worker_id", id),
		attached:    make(chan struct{}),
		events:      fsm.NewEmitter[WorkerEvent](workerEvents...),
	}
	w.machine = fsm.New(workerDefinition,
		fsm.WithInitial(schema.WorkerStarting),
		fsm.WithTarget[schema.WorkerState](w),
	)
	if maxIdleTime > 0 {
		_, _ = w.machine.On(fsm.EventStateChanged, w.trackIdle)
	}
	return w
}

// ID returns the pool-assigned worker id.
func (w *PooledWorker) ID() int {
	return w.id
}

// State returns the worker state.
func (w *PooledWorker) State() schema.WorkerState {
	return w.machine.State()
}

// On subscribes to a worker event or to the state machine events.
func (w *PooledWorker) On(event string, h fsm.Handler[WorkerEvent]) (func(), error) {
	return w.events.On(event, h)
}

// OnState subscribes to state changes.
func (w *PooledWorker) OnState(h fsm.Handler[fsm.Change[schema.WorkerState]]) (func(), error) {
	return w.machine.On(fsm.EventStateChanged, h)
}

// CurrentTask returns the task posted to the worker and not yet settled.
func (w *PooledWorker) CurrentTask() *Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// threadEvents wires a thread to the worker.
func (w *PooledWorker) threadEvents() ThreadEvents {
	return ThreadEvents{
		Online:  w.handleOnline,
		Message: w.handleMessage,
		Error:   w.handleError,
		Exit:    w.handleExit,
	}
}

// attach records the spawned thread. A thread may report online before
// Spawn returns, so run waits for it.
func (w *PooledWorker) attach(t Thread) {
	w.once.Do(func() {
		w.mu.Lock()
		w.thread = t
		w.mu.Unlock()
		close(w.attached)
	})
}

func (w *PooledWorker) handleOnline() {
	if _, err := w.machine.To(schema.WorkerIdle, nil); err != nil {
		w.logger.Warn("worker online in unexpected state", "state", w.State(), "error", err)
		return
	}
	w.events.Emit(EventOnline, WorkerEvent{WorkerID: w.id})
}

func (w *PooledWorker) handleMessage(raw []byte) {
	msg, err := decodeMessage(raw)
	w.events.Emit(EventMessage, WorkerEvent{WorkerID: w.id, Message: msg, Raw: raw, Err: err})
	if err != nil {
		return
	}

	switch msg.Type {
	case schema.MessageTaskStart:
		// Dispatch already reserved the worker.
		if w.State() != schema.WorkerBusy {
			_, _ = w.machine.To(schema.WorkerBusy, nil)
		}
	case schema.MessageTaskDone, schema.MessageTaskError:
		w.settle(msg.TaskID)
		if _, err := w.machine.To(schema.WorkerIdle, nil); err != nil {
			w.logger.Debug("worker not returned to idle", "state", w.State(), "error", err)
		}
	}
	w.events.Emit(string(msg.Type), WorkerEvent{WorkerID: w.id, Message: msg, Raw: raw})
}

func (w *PooledWorker) handleError(err error) {
	_, _ = w.machine.To(schema.WorkerError, nil)
	w.events.Emit(EventError, WorkerEvent{WorkerID: w.id, Err: err})
}

func (w *PooledWorker) handleExit(code int) {
	w.mu.Lock()
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
	w.mu.Unlock()

	_, _ = w.machine.To(schema.WorkerExited, nil)
	w.events.Emit(EventExit, WorkerEvent{WorkerID: w.id, Code: code})
}

// reserve moves an idle worker to BUSY so no other task is handed to it.
func (w *PooledWorker) reserve() bool {
	_, err := w.machine.To(schema.WorkerBusy, nil)
	return err == nil
}

// fail marks the worker unusable after a task could not be posted to it.
func (w *PooledWorker) fail(err error) {
	w.settle("")
	w.handleError(err)
}

func (w *PooledWorker) settle(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil && (taskID == "" || w.current.ID == taskID) {
		w.current = nil
	}
}

// run posts task to the thread.
func (w *PooledWorker) run(task *Task) error {
	raw, err := encodeRequest(task.request())
	if err != nil {
		return err
	}

	<-w.attached

	w.mu.Lock()
	t := w.thread
	w.current = task
	w.mu.Unlock()

	if t == nil {
		return schema.NewError(schema.ErrCodeWorkerCrash, "worker thread not attached")
	}
	return t.Post(raw)
}

// Terminate stops the thread and returns its exit code.
func (w *PooledWorker) Terminate(ctx context.Context) (int, error) {
	w.mu.Lock()
	t := w.thread
	w.mu.Unlock()
	if t == nil {
		return 0, nil
	}
	return t.Terminate(ctx)
}

// trackIdle arms the idle timer on every IDLE entry and clears it otherwise.
func (w *PooledWorker) trackIdle(c fsm.Change[schema.WorkerState]) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
	if c.To == schema.WorkerIdle {
		w.idleTimer = time.AfterFunc(w.maxIdleTime, w.expire)
	}
}

func (w *PooledWorker) expire() {
	// Only an idle worker expires; a concurrent reservation wins otherwise.
	isIdle := func(s schema.WorkerState) bool { return s == schema.WorkerIdle }
	if !w.machine.ResetIf(isIdle, schema.WorkerExited) {
		return
	}
	w.logger.Info("idle timeout reached, terminating worker", "max_idle_time", w.maxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := w.Terminate(ctx); err != nil {
		w.logger.Warn("terminate idle worker", "error", err)
	}
}
