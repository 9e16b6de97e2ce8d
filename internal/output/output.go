// Package output collects the results of graph runs and writes them to a
// sink: a JSON file, a Redis instance, an AMQP exchange or a Postgres table.
package output

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rendis/control/internal/fsm"
	"github.com/rendis/control/internal/worker"
	"github.com/rendis/control/pkg/schema"
)

// Task outcomes.
const (
	StatusDone  = "done"
	StatusError = "error"
)

// Result is the outcome of one task.
type Result struct {
	TaskID       string               `json:"task_id"`
	GraphID      string               `json:"graph_id,omitempty"`
	GraphName    string               `json:"graph_name,omitempty"`
	Status       string               `json:"status"`
	WorkerID     int                  `json:"worker_id,omitempty"`
	FinalOutputs map[string]any       `json:"final_outputs,omitempty"`
	OutputStack  map[string]any       `json:"output_stack,omitempty"`
	FinalNodes   []string             `json:"final_nodes,omitempty"`
	Error        *schema.ErrorPayload `json:"error,omitempty"`
	StartedAt    time.Time            `json:"started_at,omitzero"`
	FinishedAt   time.Time            `json:"finished_at"`
}

// Sink stores results.
type Sink interface {
	Write(ctx context.Context, r Result) error
	Close() error
}

// Open returns the sink addressed by target. URLs with a redis, rediss,
// amqp, amqps, postgres or postgresql scheme select the matching sink; any
// other target is a file path.
func Open(ctx context.Context, target string, logger *slog.Logger) (Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if target == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "output target is empty")
	}

	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || !strings.Contains(target, "://") {
		return NewFileSink(target), nil
	}

	switch u.Scheme {
	case "redis", "rediss":
		params, rest := splitParams(u, "ttl", "prefix", "channel")
		opts := RedisOptions{Prefix: params["prefix"], Channel: params["channel"]}
		if ttl := params["ttl"]; ttl != "" {
			if opts.TTL, err = time.ParseDuration(ttl); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid redis ttl %q", ttl).WithCause(err)
			}
		}
		return sinkOf(NewRedisSink(ctx, rest, opts))
	case "amqp", "amqps":
		params, rest := splitParams(u, "exchange")
		return sinkOf(NewAMQPSink(rest, params["exchange"], logger))
	case "postgres", "postgresql":
		params, rest := splitParams(u, "table")
		return sinkOf(NewPostgresSink(ctx, rest, params["table"]))
	case "file":
		return NewFileSink(u.Path), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported output scheme %q", u.Scheme)
}

// sinkOf keeps a failed constructor from yielding a non-nil Sink.
func sinkOf[S Sink](s S, err error) (Sink, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// splitParams removes keys from the query of u, returning their values and
// the remaining URL.
func splitParams(u *url.URL, keys ...string) (map[string]string, string) {
	q := u.Query()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = q.Get(k)
		q.Del(k)
	}
	cp := *u
	cp.RawQuery = q.Encode()
	return out, cp.String()
}

// Source is the event stream results are collected from. Satisfied by *worker.Pool.
type Source interface {
	On(event string, h fsm.Handler[worker.Event]) (func(), error)
}

// Collector turns task events into results and writes them to its sinks.
type Collector struct {
	ctx    context.Context
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	started map[string]time.Time
	results []Result
	errs    []error
}

// NewCollector writes every collected result to sinks.
func NewCollector(ctx context.Context, logger *slog.Logger, sinks ...Sink) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		ctx:     ctx,
		sinks:   sinks,
		logger:  logger,
		now:     time.Now,
		started: make(map[string]time.Time),
	}
}

// Attach subscribes the collector to src.
func (c *Collector) Attach(src Source) error {
	for _, ev := range []string{worker.EventTaskStart, worker.EventTaskDone, worker.EventTaskError} {
		if _, err := src.On(ev, c.handle); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) handle(e worker.Event) {
	if e.Type == worker.EventTaskStart {
		c.mu.Lock()
		c.started[e.TaskID] = c.now()
		c.mu.Unlock()
		return
	}

	r := Result{TaskID: e.TaskID, WorkerID: e.WorkerID, Status: StatusDone, FinishedAt: c.now()}
	if m := e.Message; m != nil {
		r.GraphID, r.GraphName = m.GraphID, m.GraphName
		r.FinalOutputs, r.OutputStack, r.FinalNodes = m.FinalOutputs, m.OutputStack, m.FinalNodes
		r.Error = m.Error
	}
	if e.Type == worker.EventTaskError {
		r.Status = StatusError
		if r.Error == nil {
			r.Error = schema.ToPayload(e.Err)
		}
	}

	c.mu.Lock()
	r.StartedAt = c.started[e.TaskID]
	delete(c.started, e.TaskID)
	c.results = append(c.results, r)
	c.mu.Unlock()

	for _, s := range c.sinks {
		if err := s.Write(c.ctx, r); err != nil {
			c.logger.Warn("write task result", "task_id", r.TaskID, "error", err)
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
		}
	}
}

// Results returns the results collected so far in completion order.
func (c *Collector) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, len(c.results))
	copy(out, c.results)
	return out
}

// Close closes every sink and reports the write and close errors.
func (c *Collector) Close() error {
	c.mu.Lock()
	errs := append([]error(nil), c.errs...)
	c.mu.Unlock()
	for _, s := range c.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
