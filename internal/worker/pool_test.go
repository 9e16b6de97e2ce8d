package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/control/internal/logging"
	"github.com/rendis/control/pkg/schema"
)

// gatedEntry reports online, then acknowledges every request with
// task_start and, once gate is closed, task_done.
func gatedEntry(gate <-chan struct{}) EntryPoint {
	return func(ctx context.Context, port *Port) error {
		port.Online()
		for {
			req, err := port.Recv(ctx)
			if err != nil {
				return nil
			}
			_ = port.Send(schema.Message{Type: schema.MessageTaskStart, TaskID: req.TaskID})
			if gate != nil {
				select {
				case <-gate:
				case <-ctx.Done():
					return nil
				}
			}
			_ = port.Send(schema.Message{Type: schema.MessageTaskDone, TaskID: req.TaskID, GraphID: req.Payload.Graph.ID})
		}
	}
}

// silentEntry never reports online.
func silentEntry(ctx context.Context, _ *Port) error {
	<-ctx.Done()
	return nil
}

// crashingEntry exits with an error on its first request.
func crashingEntry(ctx context.Context, port *Port) error {
	port.Online()
	if _, err := port.Recv(ctx); err != nil {
		return nil
	}
	return errors.New("boom")
}

func payload(id string) schema.TaskPayload {
	return schema.TaskPayload{Graph: &schema.GraphConfig{ID: id}}
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	p := NewPool(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

// recorder collects pool events by type.
type recorder struct {
	mu     sync.Mutex
	events map[string][]Event
}

func record(t *testing.T, p *Pool, names ...string) *recorder {
	t.Helper()
	r := &recorder{events: map[string][]Event{}}
	for _, name := range names {
		_, err := p.On(name, func(e Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events[name] = append(r.events[name], e)
		})
		require.NoError(t, err)
	}
	return r
}

func (r *recorder) get(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events[name]...)
}

func (r *recorder) count(name string) int {
	return len(r.get(name))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestPool_DefaultSize(t *testing.T) {
	p := NewPool(Config{})
	assert.Positive(t, p.Size())
}

func TestPool_Init_MissingEntryPoint(t *testing.T) {
	p := newTestPool(t, Config{Size: 1})
	err := p.Init(context.Background(), nil, schema.WorkerData{}, time.Second)
	assert.True(t, schema.HasCode(err, schema.ErrCodeMissingEntryPoint))
}

func TestPool_Init_StartupTimeoutKillsWorkers(t *testing.T) {
	p := newTestPool(t, Config{Size: 2})

	start := time.Now()
	err := p.Init(context.Background(), silentEntry, schema.WorkerData{}, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStartupTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, p.ActiveWorkers())
	assert.Empty(t, p.Workers())
}

func TestPool_Init_AllOnline(t *testing.T) {
	p := newTestPool(t, Config{Size: 3})
	rec := record(t, p, EventWorkerOnline)

	require.NoError(t, p.Init(context.Background(), gatedEntry(nil), schema.WorkerData{}, time.Second))
	assert.Equal(t, 3, p.ActiveWorkers())
	assert.Equal(t, 3, rec.count(EventWorkerOnline))

	for _, w := range p.Workers() {
		assert.Equal(t, schema.WorkerIdle, w.State)
	}
}

func TestPool_RoundRobinOneTaskPerWorker(t *testing.T) {
	gate := make(chan struct{})
	p := newTestPool(t, Config{Size: 4})
	rec := record(t, p, EventTaskStart, EventTaskDone)
	require.NoError(t, p.Init(context.Background(), gatedEntry(gate), schema.WorkerData{}, time.Second))

	var tasks []*Task
	for i := range 4 {
		task, err := p.Run(payload("g" + string(rune('0'+i))))
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	// Each task is reserved on the next worker in order before Run returns.
	workers := p.Workers()
	require.Len(t, workers, 4)
	for i, w := range workers {
		assert.Equal(t, schema.WorkerBusy, w.State)
		assert.Equal(t, tasks[i].ID, w.Task)
	}
	assert.Equal(t, 0, p.QueueLen())

	close(gate)
	require.Eventually(t, func() bool { return rec.count(EventTaskDone) == 4 }, 2*time.Second, 5*time.Millisecond)

	seen := map[string]int{}
	workerOf := map[string]int{}
	for _, e := range rec.get(EventTaskStart) {
		seen[e.TaskID]++
		workerOf[e.TaskID] = e.WorkerID
	}
	distinct := map[int]bool{}
	for _, task := range tasks {
		assert.Equal(t, 1, seen[task.ID])
		distinct[workerOf[task.ID]] = true
	}
	assert.Len(t, distinct, 4)
}

func TestPool_QueuesUntilWorkerFree(t *testing.T) {
	gate := make(chan struct{})
	p := newTestPool(t, Config{Size: 1})
	rec := record(t, p, EventTaskDone)
	require.NoError(t, p.Init(context.Background(), gatedEntry(gate), schema.WorkerData{}, time.Second))

	var ids []string
	for _, g := range []string{"a", "b", "c"} {
		task, err := p.Run(payload(g))
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	assert.Equal(t, 2, p.QueueLen())

	close(gate)
	require.Eventually(t, func() bool { return rec.count(EventTaskDone) == 3 }, 2*time.Second, 5*time.Millisecond)

	var done []string
	for _, e := range rec.get(EventTaskDone) {
		done = append(done, e.TaskID)
		require.NotNil(t, e.Message)
	}
	assert.Equal(t, ids, done)
	assert.Equal(t, 0, p.QueueLen())
}

func TestPool_TaskQueuedBeforeInit(t *testing.T) {
	p := newTestPool(t, Config{Size: 1})
	rec := record(t, p, EventTaskDone)

	_, err := p.Run(payload("early"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.QueueLen())

	require.NoError(t, p.Init(context.Background(), gatedEntry(nil), schema.WorkerData{}, time.Second))
	require.Eventually(t, func() bool { return rec.count(EventTaskDone) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPool_CrashRespawns(t *testing.T) {
	p := newTestPool(t, Config{Size: 1, Respawn: true})
	rec := record(t, p, EventWorkerOnline, EventWorkerExit, EventWorkerError, EventTaskError)
	require.NoError(t, p.Init(context.Background(), crashingEntry, schema.WorkerData{}, time.Second))

	task, err := p.Run(payload("crash"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count(EventWorkerOnline) == 2 }, 2*time.Second, 5*time.Millisecond)

	exits := rec.get(EventWorkerExit)
	require.NotEmpty(t, exits)
	assert.Equal(t, 1, exits[0].Code)
	assert.Equal(t, 1, rec.count(EventWorkerError))

	taskErrs := rec.get(EventTaskError)
	require.Len(t, taskErrs, 1)
	assert.Equal(t, task.ID, taskErrs[0].TaskID)
	assert.True(t, schema.HasCode(taskErrs[0].Err, schema.ErrCodeWorkerCrash))
	require.NotNil(t, taskErrs[0].Message.Error)
	assert.Equal(t, schema.ErrCodeWorkerCrash, taskErrs[0].Message.Error.Code)

	workers := p.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, 2, workers[0].ID)
}

func TestPool_Init_CountsWorkersRespawnedDuringStartup(t *testing.T) {
	var attempts atomic.Int32
	flaky := func(ctx context.Context, port *Port) error {
		if attempts.Add(1) == 1 {
			return errors.New("startup failure")
		}
		return gatedEntry(nil)(ctx, port)
	}

	p := newTestPool(t, Config{Size: 2, Respawn: true})
	rec := record(t, p, EventWorkerExit)

	require.NoError(t, p.Init(context.Background(), flaky, schema.WorkerData{}, 2*time.Second))
	assert.Equal(t, 2, p.ActiveWorkers())
	assert.Equal(t, int32(3), attempts.Load())
	require.Len(t, rec.get(EventWorkerExit), 1)
	assert.Equal(t, 1, rec.get(EventWorkerExit)[0].Code)
}

func TestPool_CrashWithoutRespawnShrinksPool(t *testing.T) {
	p := newTestPool(t, Config{Size: 2})
	rec := record(t, p, EventWorkerExit)
	require.NoError(t, p.Init(context.Background(), crashingEntry, schema.WorkerData{}, time.Second))

	_, err := p.Run(payload("crash"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count(EventWorkerExit) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.ActiveWorkers())
}

func TestPool_IdleTimeoutTerminatesWorker(t *testing.T) {
	p := newTestPool(t, Config{Size: 1, MaxIdleTime: 50 * time.Millisecond})
	rec := record(t, p, EventWorkerExit)
	require.NoError(t, p.Init(context.Background(), gatedEntry(nil), schema.WorkerData{}, time.Second))

	require.Eventually(t, func() bool { return p.ActiveWorkers() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rec.count(EventWorkerExit) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.get(EventWorkerExit)[0].Code)
}

func TestPool_BusyWorkerDoesNotExpire(t *testing.T) {
	gate := make(chan struct{})
	p := newTestPool(t, Config{Size: 1, MaxIdleTime: 30 * time.Millisecond})
	require.NoError(t, p.Init(context.Background(), gatedEntry(gate), schema.WorkerData{}, time.Second))

	_, err := p.Run(payload("busy"))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, p.ActiveWorkers())
	close(gate)
}

func TestPool_Kill(t *testing.T) {
	p := newTestPool(t, Config{Size: 3})
	rec := record(t, p, EventWorkerTermination)
	require.NoError(t, p.Init(context.Background(), gatedEntry(nil), schema.WorkerData{}, time.Second))

	require.NoError(t, p.Kill(context.Background()))
	assert.Equal(t, 0, p.ActiveWorkers())
	assert.Equal(t, 3, rec.count(EventWorkerTermination))
}

func TestPool_TerminateUnknown(t *testing.T) {
	p := newTestPool(t, Config{Size: 1})
	err := p.Terminate(context.Background(), 42)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestPool_Run_Validation(t *testing.T) {
	p := newTestPool(t, Config{Size: 1})

	_, err := p.Run(schema.TaskPayload{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	require.NoError(t, p.Close(context.Background()))
	_, err = p.Run(payload("late"))
	assert.True(t, schema.HasCode(err, schema.ErrCodePoolClosed))
}

func TestPool_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	p := newTestPool(t, Config{Size: 2, Metrics: m})
	rec := record(t, p, EventTaskDone)
	require.NoError(t, p.Init(context.Background(), gatedEntry(nil), schema.WorkerData{}, time.Second))

	for _, g := range []string{"a", "b", "c"} {
		_, err := p.Run(payload(g))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return rec.count(EventTaskDone) == 3 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, float64(2), counterValue(t, m.WorkersSpawned))
	assert.Equal(t, float64(3), counterValue(t, m.TasksDispatched))
	assert.Equal(t, float64(3), counterValue(t, m.TasksCompleted))
	assert.Equal(t, float64(0), counterValue(t, m.TasksFailed))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 7)
}
