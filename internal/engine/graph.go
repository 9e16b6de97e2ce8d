package engine

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/control/internal/expressions"
	"github.com/rendis/control/internal/fsm"
	"github.com/rendis/control/internal/logging"
	"github.com/rendis/control/pkg/schema"
)

// Graph events.
const (
	EventNodeStateChanged = "node_state_changed"
	EventOutputStack      = "output_stack"
	EventFinish           = "finish"
	EventError            = "error"
	EventReset            = "reset"
)

var graphEvents = []string{EventNodeStateChanged, EventOutputStack, EventFinish, EventError, EventReset}

// Event is the payload of every graph event. Only the fields relevant to
// Type are set.
type Event struct {
	Type   string
	NodeID string
	Node   *Node
	From   schema.NodeState
	To     schema.NodeState
	// Output is the latest recorded output and Stack the whole output stack (output_stack).
	Output any
	Stack  map[string]any
	Result *Result
	Err    error
}

// Result is what a successful Run returns.
type Result struct {
	// FinalOutputs holds the outputs of the sink nodes that were reached.
	FinalOutputs map[string]any
	OutputStack  map[string]any
	FinalNodes   []string
}

// Graph is a validated DAG of nodes with exactly one root. Runs of the same
// Graph are serialized.
type Graph struct {
	ID   string
	Name string

	root     *Node
	nodes    map[string]*Node
	order    []string
	children map[string][]string
	original map[string]any
	context  *SharedContext
	env      map[string]any
	logger   *slog.Logger

	runMu     sync.Mutex
	mu        sync.Mutex
	current   *run
	listeners []func()

	*fsm.Emitter[Event]
}

// Root returns the node with no incoming edges.
func (g *Graph) Root() *Node {
	return g.root
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node in topological order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Children returns the direct successors of id.
func (g *Graph) Children(id string) []string {
	return slices.Clone(g.children[id])
}

// Context returns the shared context of the current or last run.
func (g *Graph) Context() *SharedContext {
	return g.context
}

// Env returns the environment layer.
func (g *Graph) Env() map[string]any {
	return g.env
}

// DisplayName returns the graph name, falling back to its ID.
func (g *Graph) DisplayName() string {
	if g.Name != "" {
		return g.Name
	}
	return g.ID
}

func (g *Graph) applyNodeListeners() {
	for _, id := range g.order {
		cancel, err := g.nodes[id].On(fsm.EventStateChanged, func(c fsm.Change[schema.NodeState]) {
			n, _ := c.Target.(*Node)
			ev := Event{Type: EventNodeStateChanged, Node: n, From: c.From, To: c.To}
			if n != nil {
				ev.NodeID = n.ID
			}
			g.Emit(EventNodeStateChanged, ev)
		})
		if err != nil {
			continue
		}
		g.listeners = append(g.listeners, cancel)
	}
}

// Close removes the graph's node listeners and its own subscribers.
func (g *Graph) Close() {
	g.mu.Lock()
	listeners := g.listeners
	g.listeners = nil
	g.mu.Unlock()

	for _, cancel := range listeners {
		cancel()
	}
	g.Clear()
}

// invocation is one scheduled execution of a node. path lists the ancestors
// that led to it, root first, and is never shared between invocations.
type invocation struct {
	node          *Node
	inputs        any
	initialInputs any
	parentID      string
	path          []string
}

// run holds the bookkeeping of one Run call.
type run struct {
	mu           sync.Mutex
	issued       int
	finished     int
	rootReturned bool
	closed       bool
	errs         []schema.NodeFailure
	stack        map[string]any
	promoted     map[string]bool
	final        map[string]struct{}
	done         chan struct{}
}

func newRun() *run {
	return &run{
		stack:    make(map[string]any),
		promoted: make(map[string]bool),
		final:    make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Run resets the graph and executes it from the root with inputs. It returns
// once every issued invocation has finished. When one or more nodes failed
// the error is a *schema.GraphError listing each of them.
func (g *Graph) Run(ctx context.Context, inputs any) (*Result, error) {
	g.runMu.Lock()
	defer g.runMu.Unlock()

	r := g.reset()
	ctx = logging.WithGraphID(ctx, g.ID)
	g.logger.DebugContext(ctx, "graph run started")

	err := g.runLock(ctx, invocation{node: g.root, inputs: inputs, initialInputs: inputs})

	r.mu.Lock()
	r.rootReturned = true
	complete := r.completeLocked()
	r.mu.Unlock()
	if complete {
		close(r.done)
	}

	if err != nil {
		return nil, err
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return g.finish(ctx, r)
}

// reset clears every piece of run state and emits reset.
func (g *Graph) reset() *run {
	r := newRun()
	g.mu.Lock()
	g.current = r
	g.mu.Unlock()

	g.context.replace(g.original)
	for _, n := range g.nodes {
		n.resetRuns()
	}
	g.Emit(EventReset, Event{Type: EventReset})
	return r
}

func (g *Graph) finish(ctx context.Context, r *run) (*Result, error) {
	r.mu.Lock()
	errs := slices.Clone(r.errs)
	res := &Result{
		FinalOutputs: make(map[string]any, len(r.final)),
		OutputStack:  maps.Clone(r.stack),
		FinalNodes:   make([]string, 0, len(r.final)),
	}
	for id := range r.final {
		res.FinalNodes = append(res.FinalNodes, id)
		res.FinalOutputs[id] = r.stack[id]
	}
	r.mu.Unlock()
	sort.Strings(res.FinalNodes)

	if len(errs) > 0 {
		gerr := &schema.GraphError{GraphID: g.ID, Errors: errs}
		g.logger.WarnContext(ctx, "graph run failed",
			slog.Int("errors", len(errs)),
			slog.Any("nodes", gerr.NodeIDs()))
		g.Emit(EventError, Event{Type: EventError, Err: gerr})
		return nil, gerr
	}

	g.logger.DebugContext(ctx, "graph run finished", slog.Any("final_nodes", res.FinalNodes))
	g.Emit(EventFinish, Event{Type: EventFinish, Result: res})
	return res, nil
}

// runLock executes inv.node as soon as it is in a final state. A node still
// in flight is never re-entered: the caller waits for it to settle and retries.
// Checking for a final state and entering PRE_EXECUTING is one atomic claim.
func (g *Graph) runLock(ctx context.Context, inv invocation) error {
	node := inv.node
	for {
		claimed, err := node.claim()
		if err != nil {
			return err
		}
		if claimed {
			return g.runNode(ctx, inv)
		}

		settled := make(chan struct{}, 1)
		cancel, err := node.On(fsm.EventStateChanged, func(fsm.Change[schema.NodeState]) {
			// Handlers may run late: trust the live state, not the event payload.
			if node.State().IsFinal() {
				select {
				case settled <- struct{}{}:
				default:
				}
			}
		})
		if err != nil {
			return err
		}

		if node.State().IsFinal() {
			cancel()
			continue
		}

		select {
		case <-settled:
			cancel()
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		}
	}
}

func (g *Graph) runNode(ctx context.Context, inv invocation) error {
	node := inv.node
	r := g.run()
	r.issue()

	ctx = logging.WithNodeID(ctx, node.ID)
	outputs := r.outputs()
	scope := expressions.Scope{
		Env:           g.env,
		InitialInputs: inv.initialInputs,
		Outputs:       outputs,
		Inputs:        inv.inputs,
		Context:       g.context.Snapshot(),
	}
	in := &Input{
		Config:        expressions.NodeConfig(scope, node.Config),
		Inputs:        inv.inputs,
		InitialInputs: inv.initialInputs,
		Outputs:       outputs,
		Context:       g.context,
		ParentID:      inv.parentID,
		Env:           g.env,
	}
	children := g.children[node.ID]

	g.logger.DebugContext(ctx, "node invocation started", slog.String("parent_id", inv.parentID))

	ok, err := node.PreExecute(ctx, in)
	if err != nil {
		g.fail(ctx, r, inv, err)
		return nil
	}
	if !ok || node.State() == schema.NodeDidNotRun {
		g.logger.DebugContext(ctx, "node did not run, truncating subtree", slog.Int("children", len(children)))
		g.finishNode(r, node.ID, nil)
		for range children {
			r.issue()
			g.finishNode(r, node.ID, nil)
		}
		return nil
	}

	var completion *Completion
	if node.Mode == Deferred {
		completion = newCompletion(node, g.logger, func(err error) {
			if err != nil {
				g.fail(ctx, r, inv, err)
				return
			}
			g.finishNode(r, node.ID, nil)
		})
	}

	out, err := node.Execute(ctx, in, completion)
	if err != nil {
		completion.drop()
		g.fail(ctx, r, inv, err)
		return nil
	}
	g.stack(r, node.ID, out)

	if err := node.PostExecute(ctx, in, completion); err != nil {
		completion.drop()
		g.fail(ctx, r, inv, err)
		return nil
	}
	if len(children) == 0 {
		r.markFinal(node.ID)
	}

	// Children share ctx rather than a group context: a Deferred child may
	// still be waiting on it after every sibling returned.
	path := append(slices.Clone(inv.path), node.ID)
	var eg errgroup.Group
	for _, childID := range children {
		child := g.nodes[childID]
		eg.Go(func() error {
			return g.runLock(ctx, invocation{
				node:          child,
				inputs:        out,
				initialInputs: inv.initialInputs,
				parentID:      node.ID,
				path:          path,
			})
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	// Deferred nodes finish when their completion is signalled.
	if node.Mode != Deferred {
		g.finishNode(r, node.ID, nil)
	}
	g.logger.DebugContext(ctx, "node invocation returned", slog.String("state", string(node.State())))
	return nil
}

// fail backpropagates along inv.path, deepest ancestor first, and records err.
func (g *Graph) fail(ctx context.Context, r *run, inv invocation, err error) {
	g.logger.WarnContext(ctx, "node failed", slog.String("error", err.Error()))
	for i := len(inv.path) - 1; i >= 0; i-- {
		_, _ = g.nodes[inv.path[i]].machine.To(schema.NodeBackpropagationError, nil)
	}
	g.finishNode(r, inv.node.ID, err)
}

func (g *Graph) finishNode(r *run, nodeID string, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.finished++
	if err != nil {
		r.errs = append(r.errs, schema.NodeFailure{NodeID: nodeID, Err: err})
	}
	complete := r.completeLocked()
	r.mu.Unlock()

	if complete {
		close(r.done)
	}
}

func (g *Graph) stack(r *run, nodeID string, output any) {
	r.mu.Lock()
	switch {
	case r.promoted[nodeID]:
		r.stack[nodeID] = append(r.stack[nodeID].([]any), output)
	default:
		if prev, exists := r.stack[nodeID]; exists {
			r.stack[nodeID] = []any{prev, output}
			r.promoted[nodeID] = true
		} else {
			r.stack[nodeID] = output
		}
	}
	snapshot := maps.Clone(r.stack)
	r.mu.Unlock()

	g.Emit(EventOutputStack, Event{Type: EventOutputStack, NodeID: nodeID, Output: output, Stack: snapshot})
}

func (g *Graph) run() *run {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

func (r *run) issue() {
	r.mu.Lock()
	r.issued++
	r.mu.Unlock()
}

func (r *run) outputs() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.stack)
}

func (r *run) markFinal(nodeID string) {
	r.mu.Lock()
	r.final[nodeID] = struct{}{}
	r.mu.Unlock()
}

// completeLocked must be called with mu held. It reports, once, that every
// issued invocation finished after the root invocation returned.
func (r *run) completeLocked() bool {
	if r.closed || !r.rootReturned || r.finished < r.issued {
		return false
	}
	r.closed = true
	return true
}
