package worker

import (
	"time"

	"github.com/google/uuid"

	"github.com/rendis/control/pkg/schema"
)

// Task is one queued unit of work: a graph configuration plus its inputs.
type Task struct {
	ID        string
	Payload   schema.TaskPayload
	Submitted time.Time
}

func newTask(payload schema.TaskPayload) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Payload:   payload,
		Submitted: time.Now(),
	}
}

func (t *Task) request() schema.Request {
	return schema.Request{TaskID: t.ID, Payload: t.Payload}
}
