package engine

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"sync/atomic"

	"github.com/rendis/control/internal/fsm"
	"github.com/rendis/control/pkg/schema"
)

// Mode is the execution contract a node type declares.
type Mode int

const (
	// Immediate nodes are complete once Run returns.
	Immediate Mode = iota
	// Deferred nodes receive a Completion and stay in WAITING_FOR_DONE
	// until it is signalled.
	Deferred
)

func (m Mode) String() string {
	if m == Deferred {
		return "deferred"
	}
	return "immediate"
}

// Input is what every lifecycle phase of a node invocation receives.
type Input struct {
	// Config is the node configuration with every placeholder resolved.
	Config        map[string]any
	Inputs        any
	InitialInputs any
	// Outputs is a snapshot of the output stack at invocation time.
	Outputs  map[string]any
	Context  *SharedContext
	ParentID string
	Env      map[string]any
}

// Runner is implemented by Immediate nodes.
type Runner interface {
	Run(ctx context.Context, in *Input) (any, error)
}

// DeferredRunner is implemented by Deferred nodes. The returned value is
// recorded as the node output right away; done settles the node later.
type DeferredRunner interface {
	RunDeferred(ctx context.Context, in *Input, done *Completion) (any, error)
}

// PreRunner lets a node decline to run. Returning false moves the node to
// DID_NOT_RUN and truncates its subtree.
type PreRunner interface {
	PreRun(ctx context.Context, in *Input) (bool, error)
}

// PostRunner is called after a successful Run.
type PostRunner interface {
	PostRun(ctx context.Context, in *Input) error
}

// Behavior is the node logic produced by a NodeType constructor. It must
// implement Runner or DeferredRunner according to the type's Mode.
type Behavior any

// Spec is the per-instance data a NodeType constructor receives.
type Spec struct {
	ID          string
	Name        string
	Description string
	Config      map[string]any
}

// NodeType is a registrable kind of node. Defaults are merged under the
// instance config before New is called.
type NodeType struct {
	Tag         string
	Mode        Mode
	Description string
	Defaults    map[string]any
	New         func(spec Spec) (Behavior, error)
}

var nodeDefinition = &fsm.Definition[schema.NodeState]{
	Transitions: fsm.Table[schema.NodeState]{
		schema.NodeIdle:           fsm.To(schema.NodePreExecuting),
		schema.NodePreExecuting:   fsm.To(schema.NodeExecuting, schema.NodeDidNotRun),
		schema.NodeExecuting:      fsm.To(schema.NodePostExecuting),
		schema.NodePostExecuting:  fsm.To(schema.NodeSuccess, schema.NodeWaitingForDone),
		schema.NodeWaitingForDone: fsm.To(schema.NodeSuccess),
	},
	MetaStates: []schema.NodeState{schema.NodeError, schema.NodeBackpropagationError},
}

// Node is one instance of a NodeType inside a graph.
type Node struct {
	ID          string
	Type        string
	Name        string
	Description string
	Config      map[string]any
	Mode        Mode

	behavior Behavior
	runs     atomic.Int64
	claimed  atomic.Bool
	machine  *fsm.Machine[schema.NodeState]
}

// NewNode instantiates t with spec. The behavior returned by the type
// constructor must match the declared mode.
func NewNode(t NodeType, spec Spec) (*Node, error) {
	if spec.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "node id is mandatory")
	}
	if t.Tag == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "node type tag is mandatory").WithNode(spec.ID)
	}
	if t.New == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node type %s has no constructor", t.Tag).WithNode(spec.ID)
	}

	if len(t.Defaults) > 0 {
		merged := maps.Clone(t.Defaults)
		maps.Copy(merged, spec.Config)
		spec.Config = merged
	}

	b, err := t.New(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "create %s node: %s", t.Tag, err.Error()).
			WithNode(spec.ID).WithCause(err)
	}
	return newNode(t.Tag, t.Mode, spec, b)
}

func newNode(tag string, mode Mode, spec Spec, b Behavior) (*Node, error) {
	switch mode {
	case Immediate:
		if _, ok := b.(Runner); !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"node type %s is immediate but %T does not implement Run", tag, b).WithNode(spec.ID)
		}
	case Deferred:
		if _, ok := b.(DeferredRunner); !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"node type %s is deferred but %T does not implement RunDeferred", tag, b).WithNode(spec.ID)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node type %s has unknown mode %d", tag, mode).WithNode(spec.ID)
	}

	n := &Node{
		ID:          spec.ID,
		Type:        tag,
		Name:        spec.Name,
		Description: spec.Description,
		Config:      spec.Config,
		Mode:        mode,
		behavior:    b,
	}
	n.machine = fsm.New(nodeDefinition,
		fsm.WithInitial(schema.NodeIdle),
		fsm.WithTarget[schema.NodeState](n),
	)
	return n, nil
}

// State returns the current lifecycle state.
func (n *Node) State() schema.NodeState {
	return n.machine.State()
}

// Runs returns how many times the node entered PRE_EXECUTING since the last reset.
func (n *Node) Runs() int {
	return int(n.runs.Load())
}

// Behavior returns the node logic.
func (n *Node) Behavior() Behavior {
	return n.behavior
}

// On subscribes to state_changed or state_reset.
func (n *Node) On(event string, h fsm.Handler[fsm.Change[schema.NodeState]]) (func(), error) {
	return n.machine.On(event, h)
}

// Reset forces the node into state s.
func (n *Node) Reset(s schema.NodeState) {
	n.machine.Reset(s)
}

func (n *Node) resetRuns() {
	n.runs.Store(0)
}

// claim moves a settled node straight to PRE_EXECUTING through IDLE. Only
// one caller wins while the node is in flight.
func (n *Node) claim() (bool, error) {
	ok, err := n.machine.ResetAndTo(schema.NodeState.IsFinal, schema.NodeIdle, schema.NodePreExecuting, nil)
	if ok && err == nil {
		n.runs.Add(1)
		n.claimed.Store(true)
	}
	return ok, err
}

// PreExecute moves the node to PRE_EXECUTING, unless it was claimed for this
// invocation already, and asks PreRun whether to go on. A false result leaves
// the node in DID_NOT_RUN.
func (n *Node) PreExecute(ctx context.Context, in *Input) (bool, error) {
	if !n.claimed.Swap(false) {
		if _, err := n.machine.To(schema.NodePreExecuting, nil); err != nil {
			return false, err
		}
		n.runs.Add(1)
	}

	ok := true
	if pr, isPre := n.behavior.(PreRunner); isPre {
		err := n.guard(func() error {
			var err error
			ok, err = pr.PreRun(ctx, in)
			return err
		})
		if err != nil {
			return false, err
		}
	}

	if !ok {
		if _, err := n.machine.To(schema.NodeDidNotRun, nil); err != nil {
			return false, err
		}
	}
	return ok, nil
}

// Execute moves the node to EXECUTING and runs it. done must be non-nil for
// Deferred nodes.
func (n *Node) Execute(ctx context.Context, in *Input, done *Completion) (any, error) {
	if _, err := n.machine.To(schema.NodeExecuting, nil); err != nil {
		return nil, err
	}

	var out any
	err := n.guard(func() error {
		var err error
		if n.Mode == Deferred {
			out, err = n.behavior.(DeferredRunner).RunDeferred(ctx, in, done)
		} else {
			out, err = n.behavior.(Runner).Run(ctx, in)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PostExecute runs PostRun and settles the node: SUCCESS for Immediate nodes,
// WAITING_FOR_DONE for Deferred ones.
func (n *Node) PostExecute(ctx context.Context, in *Input, done *Completion) error {
	if _, err := n.machine.To(schema.NodePostExecuting, nil); err != nil {
		return err
	}

	if pr, ok := n.behavior.(PostRunner); ok {
		if err := n.guard(func() error { return pr.PostRun(ctx, in) }); err != nil {
			return err
		}
	}

	if n.Mode == Deferred {
		if _, err := n.machine.To(schema.NodeWaitingForDone, nil); err != nil {
			return err
		}
		if done != nil {
			done.arm()
		}
		return nil
	}

	_, err := n.machine.To(schema.NodeSuccess, nil)
	return err
}

// guard runs fn, converting a returned error or a panic into a node execution
// error and moving the node to ERROR.
func (n *Node) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeNodeExecution, "panic: %v", r).
				WithNode(n.ID).
				WithDetails(map[string]any{"stack": string(debug.Stack())})
		}
		if err != nil {
			n.fail()
		}
	}()

	if err := fn(); err != nil {
		return schema.NewError(schema.ErrCodeNodeExecution, err.Error()).WithNode(n.ID).WithCause(err)
	}
	return nil
}

func (n *Node) fail() {
	// ERROR is a meta state: the transition cannot be refused.
	_, _ = n.machine.To(schema.NodeError, nil)
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.Type, n.ID)
}
