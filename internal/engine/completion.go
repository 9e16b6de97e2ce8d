package engine

import (
	"log/slog"
	"sync"

	"github.com/rendis/control/pkg/schema"
)

// Completion settles a Deferred node. Done may be called exactly once, from
// any goroutine, before or after the node reached WAITING_FOR_DONE: an early
// signal is held until the node gets there.
type Completion struct {
	mu      sync.Mutex
	node    *Node
	settle  func(err error)
	logger  *slog.Logger
	called  bool
	armed   bool
	pending bool
	err     error
	dropped bool
}

func newCompletion(node *Node, logger *slog.Logger, settle func(err error)) *Completion {
	return &Completion{node: node, logger: logger, settle: settle}
}

// Done settles the node: SUCCESS when err is nil, ERROR otherwise.
// A second call fails with DOUBLE_COMPLETION.
func (c *Completion) Done(err error) error {
	c.mu.Lock()
	if c.called {
		c.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeDoubleCompletion,
			"done called more than once").WithNode(c.node.ID)
	}
	c.called = true
	if c.dropped {
		c.mu.Unlock()
		return nil
	}
	if !c.armed {
		c.pending = true
		c.err = err
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.apply(err)
	return nil
}

// arm is called once the node is in WAITING_FOR_DONE.
func (c *Completion) arm() {
	c.mu.Lock()
	c.armed = true
	if !c.pending {
		c.mu.Unlock()
		return
	}
	c.pending = false
	err := c.err
	c.mu.Unlock()

	c.apply(err)
}

// drop detaches the completion from the run: the invocation already finished
// through another path, so a later Done only counts as the one allowed call.
func (c *Completion) drop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.dropped = true
	c.pending = false
	c.mu.Unlock()
}

func (c *Completion) apply(err error) {
	if err != nil {
		c.node.fail()
		err = schema.NewError(schema.ErrCodeNodeExecution, err.Error()).WithNode(c.node.ID).WithCause(err)
	} else if _, terr := c.node.machine.To(schema.NodeSuccess, nil); terr != nil {
		// The node was moved to a meta state while waiting, typically by backpropagation.
		c.logger.Debug("deferred node settled outside WAITING_FOR_DONE",
			slog.String("node_id", c.node.ID),
			slog.String("state", string(c.node.State())))
	}

	if c.settle != nil {
		c.settle(err)
	}
}
