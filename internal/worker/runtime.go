package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rendis/control/internal/discovery"
	"github.com/rendis/control/internal/engine"
	"github.com/rendis/control/internal/fsm"
	"github.com/rendis/control/internal/logging"
	"github.com/rendis/control/internal/validation"
	"github.com/rendis/control/pkg/schema"
)

var runtimeDefinition = &fsm.Definition[schema.RuntimeState]{
	Transitions: fsm.Table[schema.RuntimeState]{
		schema.RuntimeInit:  fsm.To(schema.RuntimeReady),
		schema.RuntimeReady: fsm.To(schema.RuntimeBusy),
		schema.RuntimeBusy:  fsm.To(schema.RuntimeReady),
	},
}

// Runtime runs the graphs of the requests a worker receives, one at a time.
type Runtime struct {
	resolver  engine.TypeResolver
	validator validation.Validator
	env       map[string]any
	logger    *slog.Logger
	machine   *fsm.Machine[schema.RuntimeState]
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeEnv overrides the environment layer of every graph.
func WithRuntimeEnv(env map[string]any) RuntimeOption {
	return func(r *Runtime) { r.env = env }
}

// WithRuntimeValidator checks task inputs against the graph input schema
// before every run.
func WithRuntimeValidator(v validation.Validator) RuntimeOption {
	return func(r *Runtime) { r.validator = v }
}

// WithRuntimeLogger sets the runtime logger.
func WithRuntimeLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = logger }
}

// NewRuntime creates a runtime in INIT resolving node types with resolver.
func NewRuntime(resolver engine.TypeResolver, opts ...RuntimeOption) *Runtime {
	r := &Runtime{resolver: resolver, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.machine = fsm.New(runtimeDefinition, fsm.WithInitial(schema.RuntimeInit), fsm.WithTarget[schema.RuntimeState](r))
	return r
}

// State returns the runtime state.
func (r *Runtime) State() schema.RuntimeState {
	return r.machine.State()
}

// Ready moves the runtime out of INIT.
func (r *Runtime) Ready() error {
	_, err := r.machine.To(schema.RuntimeReady, nil)
	return err
}

// Serve handles requests from port in arrival order until ctx is done.
func (r *Runtime) Serve(ctx context.Context, port *Port) error {
	for {
		req, err := port.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("discarding undecodable request", "error", err)
			continue
		}
		if err := r.Handle(ctx, req, port.Send); err != nil {
			return err
		}
	}
}

// Handle runs the graph of one request, reporting through send. A failing
// graph is reported as task_error and is not an error of Handle; only a
// runtime that is not READY, or a send failure, is.
func (r *Runtime) Handle(ctx context.Context, req schema.Request, send func(schema.Message) error) error {
	if _, err := r.machine.To(schema.RuntimeBusy, nil); err != nil {
		return err
	}
	defer func() {
		_, _ = r.machine.To(schema.RuntimeReady, nil)
	}()

	ctx = logging.WithTaskID(ctx, req.TaskID)
	logger := logging.LogWith(ctx, r.logger)

	if err := send(schema.Message{Type: schema.MessageTaskStart, TaskID: req.TaskID}); err != nil {
		return err
	}

	cfg := req.Payload.Graph
	if cfg == nil {
		return send(taskError(req.TaskID, "", "", schema.NewError(schema.ErrCodeValidation, "graph configuration is null")))
	}

	inputs := inputsOf(req.Payload)
	if r.validator != nil && len(cfg.InputSchema) > 0 {
		if err := r.validator.ValidateInput(inputs, cfg.InputSchema); err != nil {
			logger.Info("task inputs rejected", "graph_id", cfg.ID, "error", err)
			return send(taskError(req.TaskID, cfg.ID, cfg.DisplayName(), err))
		}
	}

	opts := []engine.Option{engine.WithLogger(r.logger)}
	if r.env != nil {
		opts = append(opts, engine.WithEnv(r.env))
	}
	g, err := engine.FromConfig(r.resolver, *cfg, opts...)
	if err != nil {
		logger.Warn("graph build failed", "graph_id", cfg.ID, "error", err)
		return send(taskError(req.TaskID, cfg.ID, cfg.DisplayName(), err))
	}
	defer g.Close()

	var (
		sendMu  sync.Mutex
		sendErr error
	)
	_, _ = g.On(engine.EventNodeStateChanged, func(e engine.Event) {
		err := send(schema.Message{
			Type:      schema.MessageNodeStateChanged,
			TaskID:    req.TaskID,
			GraphID:   g.ID,
			GraphName: g.DisplayName(),
			NodeID:    e.NodeID,
			From:      string(e.From),
			To:        string(e.To),
		})
		if err != nil {
			sendMu.Lock()
			if sendErr == nil {
				sendErr = err
			}
			sendMu.Unlock()
		}
	})

	res, err := g.Run(ctx, inputs)
	sendMu.Lock()
	failed := sendErr
	sendMu.Unlock()
	if failed != nil {
		return failed
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			logger.Info("graph run cancelled", "graph_id", g.ID)
		} else {
			logger.Info("graph run errored", "graph_id", g.ID, "error", err)
		}
		return send(taskError(req.TaskID, g.ID, g.DisplayName(), err))
	}

	logger.Debug("graph run finished", "graph_id", g.ID, "final_nodes", res.FinalNodes)
	err = send(schema.Message{
		Type:         schema.MessageTaskDone,
		TaskID:       req.TaskID,
		GraphID:      g.ID,
		GraphName:    g.DisplayName(),
		FinalOutputs: res.FinalOutputs,
		OutputStack:  res.OutputStack,
		FinalNodes:   res.FinalNodes,
	})
	if schema.HasCode(err, schema.ErrCodeValidation) {
		// Outputs that cannot cross the worker boundary fail the task, not the worker.
		return send(taskError(req.TaskID, g.ID, g.DisplayName(), err))
	}
	return err
}

// inputsOf prefers the task inputs over the inputs declared by the graph.
func inputsOf(p schema.TaskPayload) any {
	if len(p.Inputs) > 0 {
		return p.Inputs
	}
	if p.Graph != nil && len(p.Graph.Inputs) > 0 {
		return p.Graph.Inputs
	}
	return nil
}

func taskError(taskID, graphID, graphName string, err error) schema.Message {
	return schema.Message{
		Type:      schema.MessageTaskError,
		TaskID:    taskID,
		GraphID:   graphID,
		GraphName: graphName,
		Error:     schema.ToPayload(err),
	}
}

// Main is the default worker entry point. It discovers the node types named
// by the worker data, reports online and serves requests until terminated.
func Main(ctx context.Context, port *Port) error {
	var data schema.WorkerData
	if err := port.Data(&data); err != nil {
		return err
	}

	reg, err := discovery.Registry(discovery.Options{Directories: data.NodeDirs, Plugins: data.Plugins})
	if err != nil {
		return err
	}

	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}

	logger := port.Logger()
	rt := NewRuntime(reg, WithRuntimeLogger(logger), WithRuntimeValidator(v))
	if err := rt.Ready(); err != nil {
		return err
	}
	logger.Debug("worker ready", "node_types", reg.Count())

	port.Online()
	return rt.Serve(ctx, port)
}
