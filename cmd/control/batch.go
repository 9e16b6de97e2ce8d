package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/control/internal/discovery"
	"github.com/rendis/control/internal/loader"
	"github.com/rendis/control/internal/logging"
	"github.com/rendis/control/internal/output"
	"github.com/rendis/control/internal/render"
	"github.com/rendis/control/internal/scheduler"
	"github.com/rendis/control/internal/worker"
	"github.com/rendis/control/pkg/schema"
)

// errRunsFailed is returned when every run finished but at least one errored.
// The renderer has already reported the failures.
var errRunsFailed = errors.New("one or more graph runs failed")

// killTimeout bounds pool shutdown.
const killTimeout = 10 * time.Second

// loadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return schema.NewErrorf(schema.ErrCodeValidation, "cannot load env file %s", path).WithCause(err)
	}
	return nil
}

// session holds everything one CLI invocation wires together.
type session struct {
	cfg       Config
	out       io.Writer
	logger    *slog.Logger
	graphs    []schema.GraphConfig
	pool      *worker.Pool
	renderer  render.Renderer
	collector *output.Collector
	tracker   *tracker
	timing    render.Timing
}

func runBatch(ctx context.Context, cfg Config, stdout, stderr io.Writer) error {
	if err := cfg.requireGraphs(); err != nil {
		return err
	}
	if err := loadEnvFile(cfg.EnvFile); err != nil {
		return err
	}

	logger := logging.New(stderr, logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	s := &session{cfg: cfg, out: stdout, logger: logger, tracker: newTracker()}

	ld, err := loader.New(nil)
	if err != nil {
		return err
	}
	if s.graphs, err = ld.LoadFiles(cfg.Graphs...); err != nil {
		return err
	}

	// Discovery runs again in every worker; failing here reports the cause
	// instead of a startup timeout.
	opts := discovery.Options{Directories: cfg.Nodes, Plugins: cfg.Plugins}
	if _, err := discovery.Discover(opts); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.MetricsAddr != "" {
		srv, err := serveMetrics(cfg.MetricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer shutdownMetrics(srv, logger)
	}

	if cfg.Respawn && cfg.Idle > 0 {
		logger.Warn("idle timeout and respawn are both set; idle workers are not respawned")
	}
	s.pool = worker.NewPool(worker.Config{
		Size:        cfg.Threads,
		Respawn:     cfg.Respawn,
		MaxIdleTime: cfg.IdleTimeout(),
		Logger:      logger,
		Metrics:     worker.NewMetrics(reg),
	})

	if err := s.subscribe(ctx); err != nil {
		return err
	}

	s.timing.ColdStart = time.Now()
	if err := s.pool.Init(ctx, worker.Main, schema.WorkerData{NodeDirs: cfg.Nodes, Plugins: cfg.Plugins}, cfg.StartupTimeout); err != nil {
		_ = s.collector.Close()
		return err
	}
	s.timing.ColdEnd = time.Now()
	s.timing.Start = s.timing.ColdEnd
	logger.Info("workers online", "workers", s.pool.ActiveWorkers())

	var runErr error
	if cfg.Schedule != "" {
		runErr = s.schedule(ctx)
	} else {
		runErr = s.runOnce(ctx)
	}
	s.timing.End = time.Now()

	return s.finish(runErr)
}

func (c Config) requireGraphs() error {
	if len(c.Graphs) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "no graph file given (use --graphs)")
	}
	return nil
}

func (s *session) subscribe(ctx context.Context) error {
	var err error
	if s.renderer, err = render.New(s.cfg.Renderer, s.out, s.cfg.Verbose); err != nil {
		return err
	}
	if err := s.renderer.Init(s.pool, s.tracker.name); err != nil {
		return err
	}

	var sinks []output.Sink
	if s.cfg.Output != "" {
		sink, err := output.Open(ctx, s.cfg.Output, s.logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}
	s.collector = output.NewCollector(ctx, s.logger, sinks...)
	if err := s.collector.Attach(s.pool); err != nil {
		return err
	}
	return s.tracker.attach(s.pool)
}

// runOnce submits every graph Repeat times and waits for all runs to finish.
func (s *session) runOnce(ctx context.Context) error {
	inputs := s.cfg.inputs()
	n := 0
	for _, g := range s.graphs {
		for range s.cfg.Repeat {
			graph := g
			task, err := s.pool.Run(schema.TaskPayload{Graph: &graph, Inputs: inputs})
			if err != nil {
				return err
			}
			s.tracker.submitted(task.ID, g.DisplayName())
			n++
		}
	}
	s.tracker.expect(n)
	s.logger.Info("tasks submitted", "tasks", n)

	select {
	case <-s.tracker.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule resubmits every graph on the cron schedule until ctx is done.
func (s *session) schedule(ctx context.Context) error {
	sched := scheduler.New(s.pool, scheduler.Options{Logger: s.logger})
	if err := sched.Observe(s.pool); err != nil {
		return err
	}
	inputs := s.cfg.inputs()
	for _, g := range s.graphs {
		for i := range s.cfg.Repeat {
			id := g.ID
			if s.cfg.Repeat > 1 {
				id = fmt.Sprintf("%s#%d", g.ID, i+1)
			}
			if err := sched.Add(id, s.cfg.Schedule, g, inputs); err != nil {
				return err
			}
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return sched.Stop()
}

func (s *session) finish(runErr error) error {
	killCtx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := s.pool.Close(killCtx); err != nil {
		s.logger.Warn("pool shutdown", "error", err)
	}

	if err := s.renderer.Finish(s.timing); err != nil {
		s.logger.Warn("render summary", "error", err)
	}
	outErr := s.collector.Close()

	switch {
	case runErr != nil:
		return runErr
	case outErr != nil:
		return outErr
	case s.tracker.failed() > 0:
		return errRunsFailed
	}
	return nil
}

// tracker follows the tasks of a batch until every submitted one finished.
type tracker struct {
	mu       sync.Mutex
	names    map[string]string
	finished map[string]bool // task ID -> succeeded
	expected int
	done     chan struct{}
	closed   bool
}

func newTracker() *tracker {
	return &tracker{
		names:    make(map[string]string),
		finished: make(map[string]bool),
		expected: -1,
		done:     make(chan struct{}),
	}
}

func (t *tracker) attach(src render.Source) error {
	if _, err := src.On(worker.EventTaskDone, func(e worker.Event) { t.finish(e.TaskID, true) }); err != nil {
		return err
	}
	_, err := src.On(worker.EventTaskError, func(e worker.Event) { t.finish(e.TaskID, false) })
	return err
}

func (t *tracker) submitted(id, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names[id] = name
}

// expect sets the number of tasks of the batch once they are all submitted.
func (t *tracker) expect(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expected = n
	t.checkLocked()
}

func (t *tracker) finish(id string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished[id] = ok
	t.checkLocked()
}

func (t *tracker) checkLocked() {
	if t.closed || t.expected < 0 || len(t.finished) < t.expected {
		return
	}
	t.closed = true
	close(t.done)
}

func (t *tracker) name(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.names[id]
}

func (t *tracker) failed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ok := range t.finished {
		if !ok {
			n++
		}
	}
	return n
}
