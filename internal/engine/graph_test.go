package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/control/pkg/schema"
)

func TestGraph_SingleNode(t *testing.T) {
	g := build(t, []*Node{
		immediate(t, "only", &funcNode{run: func(context.Context, *Input) (any, error) { return "result", nil }}),
	}, nil)

	res, err := g.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, res.FinalNodes)
	assert.Equal(t, map[string]any{"only": "result"}, res.FinalOutputs)
}

func TestGraph_InputsFlowAlongEdges(t *testing.T) {
	var parents sync.Map
	add := func(suffix string) *funcNode {
		return &funcNode{run: func(_ context.Context, in *Input) (any, error) {
			parents.Store(suffix, in.ParentID)
			return in.Inputs.(string) + suffix, nil
		}}
	}
	g := build(t, []*Node{
		immediate(t, "a", add("a")),
		immediate(t, "b", add("b")),
		immediate(t, "c", add("c")),
	}, edges("a", "b", "b", "c"))

	res, err := g.Run(context.Background(), "_")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"c": "_abc"}, res.FinalOutputs)
	assert.Equal(t, map[string]any{"a": "_a", "b": "_ab", "c": "_abc"}, res.OutputStack)

	p, _ := parents.Load("a")
	assert.Equal(t, "", p)
	p, _ = parents.Load("c")
	assert.Equal(t, "b", p)
}

func TestGraph_FinalNodesAreReachedSinks(t *testing.T) {
	skip := &funcNode{pre: func(context.Context, *Input) (bool, error) { return false, nil }}
	g := build(t, []*Node{
		immediate(t, "root", nil),
		immediate(t, "left", nil),
		immediate(t, "right", skip),
		immediate(t, "right-child", nil),
	}, edges("root", "left", "root", "right", "right", "right-child"))

	res, err := g.Run(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"left"}, res.FinalNodes)
}

func TestGraph_RunIsIdempotent(t *testing.T) {
	g := build(t, []*Node{
		immediate(t, "1", nil),
		immediate(t, "2", nil),
		immediate(t, "3", nil),
		immediate(t, "4", nil),
	}, edges("1", "2", "1", "3", "2", "4", "3", "4"))

	first, err := g.Run(context.Background(), map[string]any{"x": 1})
	require.NoError(t, err)
	second, err := g.Run(context.Background(), map[string]any{"x": 1})
	require.NoError(t, err)

	assert.Equal(t, first.FinalOutputs, second.FinalOutputs)
	assert.Equal(t, first.FinalNodes, second.FinalNodes)
	assert.Equal(t, 2, g.nodes["4"].Runs())
}

func TestGraph_DiamondConvergence(t *testing.T) {
	tag := func(v string) *funcNode {
		return &funcNode{run: func(context.Context, *Input) (any, error) { return v, nil }}
	}
	var concurrent, maxConcurrent atomic.Int32
	sink := &funcNode{run: func(_ context.Context, in *Input) (any, error) {
		cur := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			prev := maxConcurrent.Load()
			if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return "via-" + in.ParentID, nil
	}}

	g := build(t, []*Node{
		immediate(t, "1", tag("one")),
		immediate(t, "2", tag("two")),
		immediate(t, "3", tag("three")),
		immediate(t, "4", sink),
	}, edges("1", "2", "1", "3", "2", "4", "3", "4"))

	res, err := g.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, g.nodes["4"].Runs())
	assert.Equal(t, int32(1), maxConcurrent.Load())

	stack, ok := res.OutputStack["4"].([]any)
	require.True(t, ok, "convergence output must be a sequence")
	assert.ElementsMatch(t, []any{"via-2", "via-3"}, stack)
	assert.Equal(t, []string{"4"}, res.FinalNodes)
	assert.Equal(t, stack, res.FinalOutputs["4"])
}

func TestGraph_DiamondParentsArriveTogether(t *testing.T) {
	var barrier sync.WaitGroup
	meet := &funcNode{run: func(_ context.Context, in *Input) (any, error) {
		barrier.Done()
		barrier.Wait()
		return in.Inputs, nil
	}}
	var concurrent atomic.Int32
	sink := &funcNode{run: func(_ context.Context, in *Input) (any, error) {
		if concurrent.Add(1) > 1 {
			return nil, errors.New("entered twice")
		}
		defer concurrent.Add(-1)
		return in.ParentID, nil
	}}

	g := build(t, []*Node{
		immediate(t, "1", nil),
		immediate(t, "2", meet),
		immediate(t, "3", meet),
		immediate(t, "4", sink),
	}, edges("1", "2", "1", "3", "2", "4", "3", "4"))

	for i := range 300 {
		barrier.Add(2)
		res, err := g.Run(context.Background(), i)
		require.NoError(t, err, "run %d", i)

		stack, ok := res.OutputStack["4"].([]any)
		require.True(t, ok, "run %d", i)
		require.Len(t, stack, 2)
		assert.ElementsMatch(t, []any{"2", "3"}, stack)
		assert.Equal(t, 2, g.nodes["4"].Runs())
	}
}

func TestGraph_OutputStackPromotionKeepsSliceOutputs(t *testing.T) {
	slice := &funcNode{run: func(context.Context, *Input) (any, error) { return []any{"x"}, nil }}
	g := build(t, []*Node{
		immediate(t, "1", nil),
		immediate(t, "2", nil),
		immediate(t, "3", nil),
		immediate(t, "4", slice),
	}, edges("1", "2", "1", "3", "2", "4", "3", "4"))

	res, err := g.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{"x"}, []any{"x"}}, res.OutputStack["4"])
}

func TestGraph_Truncation(t *testing.T) {
	var childRan atomic.Bool
	g := build(t, []*Node{
		immediate(t, "root", nil),
		immediate(t, "a", &funcNode{pre: func(context.Context, *Input) (bool, error) { return false, nil }}),
		immediate(t, "a1", &funcNode{run: func(context.Context, *Input) (any, error) {
			childRan.Store(true)
			return nil, nil
		}}),
		immediate(t, "a2", nil),
		immediate(t, "b", nil),
	}, edges("root", "a", "a", "a1", "a", "a2", "root", "b"))

	res, err := g.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, schema.NodeDidNotRun, g.nodes["a"].State())
	assert.Equal(t, schema.NodeIdle, g.nodes["a1"].State())
	assert.Equal(t, schema.NodeIdle, g.nodes["a2"].State())
	assert.False(t, childRan.Load())
	assert.Equal(t, []string{"b"}, res.FinalNodes)
	_, recorded := res.OutputStack["a"]
	assert.False(t, recorded)
}

func TestGraph_Backpropagation(t *testing.T) {
	boom := errors.New("boom")
	g := build(t, []*Node{
		immediate(t, "0", nil),
		immediate(t, "1", nil),
		immediate(t, "2", &funcNode{run: func(context.Context, *Input) (any, error) { return nil, boom }}),
	}, edges("0", "1", "1", "2"))

	var events []Event
	_, err := g.On(EventError, func(e Event) { events = append(events, e) })
	require.NoError(t, err)

	res, err := g.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, res)

	var gerr *schema.GraphError
	require.ErrorAs(t, err, &gerr)
	require.Len(t, gerr.Errors, 1)
	assert.Equal(t, "2", gerr.Errors[0].NodeID)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, schema.NodeBackpropagationError, g.nodes["0"].State())
	assert.Equal(t, schema.NodeBackpropagationError, g.nodes["1"].State())
	assert.Equal(t, schema.NodeError, g.nodes["2"].State())
	require.Len(t, events, 1)
}

func TestGraph_FailureDoesNotAbortSiblings(t *testing.T) {
	var siblingDone atomic.Bool
	g := build(t, []*Node{
		immediate(t, "root", nil),
		immediate(t, "bad", &funcNode{run: func(context.Context, *Input) (any, error) { return nil, errors.New("bad") }}),
		immediate(t, "good", &funcNode{run: func(context.Context, *Input) (any, error) {
			time.Sleep(20 * time.Millisecond)
			siblingDone.Store(true)
			return "ok", nil
		}}),
	}, edges("root", "bad", "root", "good"))

	_, err := g.Run(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, siblingDone.Load())
	assert.Equal(t, schema.NodeSuccess, g.nodes["good"].State())
}

func TestGraph_DeferredNode(t *testing.T) {
	g := build(t, []*Node{
		immediate(t, "root", nil),
		deferred(t, "later", &deferredNode{onRun: func(_ context.Context, _ *Input, done *Completion) (any, error) {
			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = done.Done(nil)
			}()
			return "pending-output", nil
		}}),
	}, edges("root", "later"))

	res, err := g.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "pending-output", res.FinalOutputs["later"])
	assert.Equal(t, schema.NodeSuccess, g.nodes["later"].State())
}

func TestGraph_DeferredFailure(t *testing.T) {
	g := build(t, []*Node{
		immediate(t, "root", nil),
		deferred(t, "later", &deferredNode{onRun: func(_ context.Context, _ *Input, done *Completion) (any, error) {
			go func() {
				time.Sleep(10 * time.Millisecond)
				_ = done.Done(errors.New("async failure"))
			}()
			return nil, nil
		}}),
	}, edges("root", "later"))

	_, err := g.Run(context.Background(), nil)
	var gerr *schema.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, []string{"later"}, gerr.NodeIDs())
	assert.Equal(t, schema.NodeError, g.nodes["later"].State())
	assert.Equal(t, schema.NodeBackpropagationError, g.nodes["root"].State())
}

func TestGraph_ConvergenceWaitsForDeferredNode(t *testing.T) {
	var runs atomic.Int32
	g := build(t, []*Node{
		immediate(t, "1", nil),
		immediate(t, "2", nil),
		immediate(t, "3", nil),
		deferred(t, "4", &deferredNode{onRun: func(_ context.Context, _ *Input, done *Completion) (any, error) {
			runs.Add(1)
			go func() {
				time.Sleep(15 * time.Millisecond)
				_ = done.Done(nil)
			}()
			return "d", nil
		}}),
	}, edges("1", "2", "1", "3", "2", "4", "3", "4"))

	res, err := g.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), runs.Load())
	assert.Equal(t, []any{"d", "d"}, res.OutputStack["4"])
}

func TestGraph_ContextCancellation(t *testing.T) {
	g := build(t, []*Node{
		deferred(t, "never", &deferredNode{onRun: func(context.Context, *Input, *Completion) (any, error) {
			return nil, nil
		}}),
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := g.Run(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGraph_SharedContextIsResetBetweenRuns(t *testing.T) {
	counter := &funcNode{run: func(_ context.Context, in *Input) (any, error) {
		var out any
		in.Context.Update(func(data map[string]any) {
			data["count"] = data["count"].(int) + 1
			out = data["count"]
		})
		return out, nil
	}}

	g, err := Build(BuildOptions{
		ID:      "ctx",
		Nodes:   []*Node{immediate(t, "c", counter)},
		Context: map[string]any{"count": 0},
		Env:     map[string]any{},
	})
	require.NoError(t, err)

	for range 2 {
		res, err := g.Run(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, 1, res.FinalOutputs["c"])
	}
}

func TestGraph_TemplatedConfig(t *testing.T) {
	var got map[string]any
	capture := &funcNode{run: func(_ context.Context, in *Input) (any, error) {
		got = in.Config
		return nil, nil
	}}

	g, err := Build(BuildOptions{
		ID: "tpl",
		Nodes: []*Node{
			immediate(t, "src", &funcNode{run: func(context.Context, *Input) (any, error) {
				return map[string]any{"p": "from-parent"}, nil
			}}),
			immediateWithConfig(t, "dst", map[string]any{
				"any":     "${{ any.p }}",
				"initial": "${{ initial_inputs.p }}",
				"output":  "${{ outputs.src.p }}",
				"env":     "${{ env.HOME_DIR }}",
				"missing": "${{ inputs.nope }}",
			}, capture),
		},
		Edges: edges("src", "dst"),
		Env:   map[string]any{"HOME_DIR": "/home/x", "p": "e"},
	})
	require.NoError(t, err)

	_, err = g.Run(context.Background(), map[string]any{"p": "initial"})
	require.NoError(t, err)

	assert.Equal(t, "from-parent", got["any"])
	assert.Equal(t, "initial", got["initial"])
	assert.Equal(t, "from-parent", got["output"])
	assert.Equal(t, "/home/x", got["env"])
	assert.Equal(t, "${{ inputs.nope }}", got["missing"])
}

func TestGraph_Events(t *testing.T) {
	g := build(t, []*Node{immediate(t, "a", nil), immediate(t, "b", nil)}, edges("a", "b"))

	var mu sync.Mutex
	var transitions []string
	var stacks, finishes, resets int
	_, err := g.On(EventNodeStateChanged, func(e Event) {
		mu.Lock()
		transitions = append(transitions, e.NodeID+":"+string(e.To))
		mu.Unlock()
	})
	require.NoError(t, err)
	_, _ = g.On(EventOutputStack, func(Event) { stacks++ })
	_, _ = g.On(EventFinish, func(e Event) {
		finishes++
		assert.Equal(t, []string{"b"}, e.Result.FinalNodes)
	})
	_, _ = g.On(EventReset, func(Event) { resets++ })

	_, err = g.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"a:PRE_EXECUTING", "a:EXECUTING", "a:POST_EXECUTING", "a:SUCCESS",
		"b:PRE_EXECUTING", "b:EXECUTING", "b:POST_EXECUTING", "b:SUCCESS",
	}, transitions)
	assert.Equal(t, 2, stacks)
	assert.Equal(t, 1, finishes)
	assert.Equal(t, 1, resets)

	_, err = g.On("bogus", func(Event) {})
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnknownEvent))
}

func TestGraph_CloseDetachesListeners(t *testing.T) {
	n := immediate(t, "a", nil)
	g, err := Build(BuildOptions{ID: "x", Nodes: []*Node{n}, Env: map[string]any{}})
	require.NoError(t, err)

	g.Close()
	assert.Equal(t, 0, n.machine.Listeners("state_changed"))
}
