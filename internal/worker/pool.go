// Package worker runs graph configurations across a pool of isolated workers.
//
// The Pool owns a fixed number of PooledWorkers, each backed by a Thread that
// only exchanges JSON encoded messages with it. Tasks are queued FIFO and
// handed to idle workers in round-robin order. Inside every worker a Runtime
// discovers node types, builds the graph of each task and reports its
// progress back through the protocol in pkg/schema.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/control/internal/fsm"
	"github.com/rendis/control/pkg/schema"
)

// DefaultStartupTimeout bounds how long Init waits for every worker to come online.
const DefaultStartupTimeout = 5 * time.Second

// crashCode is the exit code of a worker that failed on its own.
const crashCode = 1

// Pool events.
const (
	EventWorkerOnline      = "worker_online"
	EventWorkerMessage     = "worker_message"
	EventWorkerError       = "worker_error"
	EventWorkerExit        = "worker_exit"
	EventWorkerTermination = "worker_termination"
	EventTerminationError  = "termination_error"
)

var poolEvents = []string{
	EventWorkerOnline, EventWorkerMessage, EventWorkerError, EventWorkerExit,
	EventWorkerTermination, EventTerminationError,
	EventTaskStart, EventTaskDone, EventTaskError, EventNodeStateChanged,
}

// Event is the payload of every pool event. Only the fields relevant to
// Type are set.
type Event struct {
	Type     string
	WorkerID int
	TaskID   string
	Message  *schema.Message
	Raw      []byte
	Err      error
	Code     int
	// TotalCount is the number of workers online so far (worker_online).
	TotalCount int
}

// Config configures a Pool.
type Config struct {
	// Size is the number of workers. Defaults to the number of CPUs.
	Size    int
	Respawn bool
	// MaxIdleTime terminates a worker idle for that long. Zero disables it.
	MaxIdleTime time.Duration
	Spawner     Spawner
	Logger      *slog.Logger
	Metrics     *Metrics
}

// WorkerInfo describes one tracked worker.
type WorkerInfo struct {
	ID    int                `json:"id"`
	State schema.WorkerState `json:"state"`
	Task  string             `json:"task_id,omitempty"`
}

// Pool schedules tasks over a set of workers.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entry   EntryPoint
	data    []byte
	workers map[int]*PooledWorker
	order   []int
	queue   []*Task
	cursor  int
	nextID  int
	killing bool
	closed  bool

	*fsm.Emitter[Event]
}

// NewPool creates a pool. No worker is spawned until Init.
func NewPool(cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Spawner == nil {
		cfg.Spawner = GoroutineSpawner{Logger: cfg.Logger}
	}
	return &Pool{
		cfg:     cfg,
		logger:  cfg.Logger,
		workers: make(map[int]*PooledWorker),
		cursor:  -1,
		Emitter: fsm.NewEmitter[Event](poolEvents...),
	}
}

// Size returns the configured number of workers.
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Init spawns Size workers running entry and waits until all of them are
// online. When timeout elapses first every spawned worker is killed and a
// STARTUP_TIMEOUT error is returned.
func (p *Pool) Init(ctx context.Context, entry EntryPoint, data schema.WorkerData, timeout time.Duration) error {
	if entry == nil {
		return schema.NewError(schema.ErrCodeMissingEntryPoint, "worker entry point is required to init workers")
	}
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "encode worker data: %v", err).WithCause(err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return schema.NewError(schema.ErrCodePoolClosed, "pool is closed")
	}
	p.entry = entry
	p.data = raw
	p.mu.Unlock()

	p.logger.Info("spawning workers", "count", p.cfg.Size)

	// Workers respawned after a startup crash count too, so completion is
	// judged on the live online total rather than on the initial spawns.
	all := make(chan struct{})
	var once sync.Once
	cancel, err := p.On(EventWorkerOnline, func(e Event) {
		if e.TotalCount >= p.cfg.Size {
			once.Do(func() { close(all) })
		}
	})
	if err != nil {
		return err
	}
	defer cancel()

	for i := range p.cfg.Size {
		w, err := p.spawn()
		if err != nil {
			_ = p.Kill(context.Background())
			return err
		}
		p.logger.Debug("worker initialized", "index", i+1, "worker_id", w.ID())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-all:
		p.logger.Info("all workers online", "count", p.cfg.Size)
		return nil
	case <-timer.C:
		_ = p.Kill(context.Background())
		return schema.NewErrorf(schema.ErrCodeStartupTimeout, "timeout (%s) reached while starting workers", timeout).
			WithDetails(map[string]any{"timeout_ms": timeout.Milliseconds()})
	case <-ctx.Done():
		_ = p.Kill(context.Background())
		return ctx.Err()
	}
}

// spawn starts one worker.
func (p *Pool) spawn() (*PooledWorker, error) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	entry, data := p.entry, p.data
	w := newPooledWorker(id, p.cfg.MaxIdleTime, p.logger)
	p.workers[id] = w
	p.order = append(p.order, id)
	p.mu.Unlock()

	p.wire(w)

	t, err := p.cfg.Spawner.Spawn(id, entry, data, w.threadEvents())
	if err != nil {
		p.remove(id)
		w.attach(nil)
		return nil, err
	}
	w.attach(t)
	p.cfg.Metrics.workerSpawned()
	p.observe()
	return w, nil
}

func (p *Pool) wire(w *PooledWorker) {
	id := w.ID()

	_, _ = w.On(EventOnline, func(WorkerEvent) {
		p.Emit(EventWorkerOnline, Event{Type: EventWorkerOnline, WorkerID: id, TotalCount: p.countOnline()})
		p.dispatch(w)
	})

	_, _ = w.On(EventMessage, func(e WorkerEvent) {
		p.Emit(EventWorkerMessage, Event{Type: EventWorkerMessage, WorkerID: id, Message: e.Message, Raw: e.Raw, Err: e.Err})
	})

	for _, name := range []string{EventTaskStart, EventNodeStateChanged} {
		_, _ = w.On(name, func(e WorkerEvent) {
			p.Emit(name, Event{Type: name, WorkerID: id, TaskID: e.Message.TaskID, Message: e.Message})
		})
	}

	for _, name := range []string{EventTaskDone, EventTaskError} {
		_, _ = w.On(name, func(e WorkerEvent) {
			p.cfg.Metrics.taskFinished(name == EventTaskDone)
			p.Emit(name, Event{Type: name, WorkerID: id, TaskID: e.Message.TaskID, Message: e.Message})
			p.dispatch(w)
		})
	}

	_, _ = w.On(EventError, func(e WorkerEvent) {
		p.logger.Warn("worker error", "worker_id", id, "error", e.Err)
		p.Emit(EventWorkerError, Event{Type: EventWorkerError, WorkerID: id, Err: e.Err})
		go func() {
			if err := p.Terminate(context.Background(), id); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
				p.logger.Warn("terminate errored worker", "worker_id", id, "error", err)
			}
		}()
	})

	_, _ = w.On(EventExit, func(e WorkerEvent) {
		p.handleExit(w, e.Code)
	})
}

func (p *Pool) handleExit(w *PooledWorker, code int) {
	id := w.ID()
	inFlight := w.CurrentTask()
	p.remove(id)

	p.Emit(EventWorkerExit, Event{Type: EventWorkerExit, WorkerID: id, Code: code})

	if inFlight != nil {
		err := schema.NewErrorf(schema.ErrCodeWorkerCrash, "worker %d exited with code %d while running task %s", id, code, inFlight.ID)
		p.cfg.Metrics.taskFinished(false)
		p.Emit(EventTaskError, Event{
			Type:     EventTaskError,
			WorkerID: id,
			TaskID:   inFlight.ID,
			Err:      err,
			Message: &schema.Message{
				Type:    schema.MessageTaskError,
				TaskID:  inFlight.ID,
				GraphID: graphID(inFlight),
				Error:   schema.ToPayload(err),
			},
		})
	}

	if code != crashCode {
		return
	}
	p.cfg.Metrics.workerCrashed()

	p.mu.Lock()
	respawn := p.cfg.Respawn && !p.killing && !p.closed
	p.mu.Unlock()
	if !respawn {
		return
	}

	p.logger.Info("respawning worker", "exited_worker_id", id)
	if _, err := p.spawn(); err != nil {
		p.logger.Warn("respawn failed", "error", err)
	}
}

func graphID(t *Task) string {
	if t.Payload.Graph == nil {
		return ""
	}
	return t.Payload.Graph.ID
}

func (p *Pool) remove(id int) {
	p.mu.Lock()
	if _, ok := p.workers[id]; ok {
		delete(p.workers, id)
		if i := slices.Index(p.order, id); i >= 0 {
			p.order = slices.Delete(p.order, i, i+1)
			if i <= p.cursor {
				p.cursor--
			}
		}
	}
	p.mu.Unlock()
	p.observe()
}

// Run queues payload as a new task and dispatches it if a worker is idle.
func (p *Pool) Run(payload schema.TaskPayload) (*Task, error) {
	if payload.Graph == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph configuration is required")
	}

	task := newTask(payload)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodePoolClosed, "pool is closed")
	}
	p.queue = append(p.queue, task)
	p.mu.Unlock()

	p.observe()
	p.dispatch(nil)
	return task, nil
}

// dispatch hands queued tasks to idle workers, preferring w when it is idle.
func (p *Pool) dispatch(w *PooledWorker) {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		target := w
		w = nil
		if target == nil || !p.tracked(target) || !target.reserve() {
			target = p.nextIdleLocked()
		}
		if target == nil {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if err := target.run(task); err != nil {
			p.logger.Warn("post task to worker", "worker_id", target.ID(), "task_id", task.ID, "error", err)
			target.fail(err)
			p.mu.Lock()
			p.queue = append([]*Task{task}, p.queue...)
			p.mu.Unlock()
			continue
		}
		p.cfg.Metrics.taskDispatched()
		p.observe()
		p.logger.Debug("task dispatched", "worker_id", target.ID(), "task_id", task.ID)
	}
}

func (p *Pool) tracked(w *PooledWorker) bool {
	_, ok := p.workers[w.ID()]
	return ok
}

// nextIdleLocked advances the round-robin cursor to the next idle worker and
// reserves it. It returns nil when no worker is idle.
func (p *Pool) nextIdleLocked() *PooledWorker {
	n := len(p.order)
	for i := 1; i <= n; i++ {
		idx := (p.cursor + i) % n
		w := p.workers[p.order[idx]]
		if w.State() == schema.WorkerIdle && w.reserve() {
			p.cursor = idx
			return w
		}
	}
	return nil
}

// Terminate stops the worker id and removes it from the pool.
func (p *Pool) Terminate(ctx context.Context, id int) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no worker with id %d", id)
	}

	code, err := w.Terminate(ctx)
	if err != nil {
		p.Emit(EventTerminationError, Event{Type: EventTerminationError, WorkerID: id, Err: err})
		return err
	}
	p.remove(id)
	p.Emit(EventWorkerTermination, Event{Type: EventWorkerTermination, WorkerID: id, Code: code})
	return nil
}

// Kill terminates every worker concurrently. Termination errors are reported
// through termination_error and do not stop the other terminations.
func (p *Pool) Kill(ctx context.Context) error {
	p.mu.Lock()
	p.killing = true
	ids := slices.Clone(p.order)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.killing = false
		p.mu.Unlock()
	}()

	p.logger.Info("terminating all workers", "count", len(ids))

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			err := p.Terminate(ctx, id)
			if schema.HasCode(err, schema.ErrCodeNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Close kills every worker and rejects further tasks.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.Kill(ctx)
}

// ActiveWorkers counts the workers starting, idle or busy.
func (p *Pool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked(schema.WorkerStarting, schema.WorkerIdle, schema.WorkerBusy)
}

func (p *Pool) countOnline() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked(schema.WorkerIdle, schema.WorkerBusy)
}

func (p *Pool) countLocked(states ...schema.WorkerState) int {
	n := 0
	for _, w := range p.workers {
		if slices.Contains(states, w.State()) {
			n++
		}
	}
	return n
}

// Workers lists the tracked workers in round-robin order.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]WorkerInfo, 0, len(p.order))
	for _, id := range p.order {
		w := p.workers[id]
		info := WorkerInfo{ID: id, State: w.State()}
		if t := w.CurrentTask(); t != nil {
			info.Task = t.ID
		}
		out = append(out, info)
	}
	return out
}

// QueueLen returns the number of tasks waiting for a worker.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) observe() {
	if p.cfg.Metrics == nil {
		return
	}
	p.cfg.Metrics.observe(p.ActiveWorkers(), p.QueueLen())
}
