package schema

// NodeState is the lifecycle state of one graph node.
type NodeState string

const (
	NodeIdle                 NodeState = "IDLE"
	NodePreExecuting         NodeState = "PRE_EXECUTING"
	NodeExecuting            NodeState = "EXECUTING"
	NodePostExecuting        NodeState = "POST_EXECUTING"
	NodeWaitingForDone       NodeState = "WAITING_FOR_DONE"
	NodeSuccess              NodeState = "SUCCESS"
	NodeError                NodeState = "ERROR"
	NodeDidNotRun            NodeState = "DID_NOT_RUN"
	NodeBackpropagationError NodeState = "BACKPROPAGATION_ERROR"
)

// IsFinal reports whether a node in state s may be (re)entered by the graph runtime.
func (s NodeState) IsFinal() bool {
	switch s {
	case NodeSuccess, NodeError, NodeIdle, NodeDidNotRun, NodeBackpropagationError:
		return true
	}
	return false
}

// WorkerState is the state of a pooled worker as seen by the pool.
type WorkerState string

const (
	WorkerStarting WorkerState = "STARTING"
	WorkerIdle     WorkerState = "IDLE"
	WorkerBusy     WorkerState = "BUSY"
	WorkerError    WorkerState = "ERROR"
	WorkerExited   WorkerState = "EXITED"
)

// RuntimeState is the state of the graph runtime living inside a worker.
type RuntimeState string

const (
	RuntimeInit  RuntimeState = "INIT"
	RuntimeReady RuntimeState = "READY"
	RuntimeBusy  RuntimeState = "BUSY"
)
