// Package render reports the progress of a batch of graph runs from the
// events of a worker pool.
package render

import (
	"io"
	"time"

	"github.com/rendis/control/internal/fsm"
	"github.com/rendis/control/internal/worker"
	"github.com/rendis/control/pkg/schema"
)

// Renderer kinds accepted by New.
const (
	KindText = "text"
	KindJSON = "json"
)

// Source is the event stream a renderer subscribes to. Satisfied by *worker.Pool.
type Source interface {
	On(event string, h fsm.Handler[worker.Event]) (func(), error)
}

// Names resolves the display name of the graph a task runs.
type Names func(taskID string) string

// Timing is the wall clock of one batch: cold start covers pool startup.
type Timing struct {
	ColdStart time.Time
	ColdEnd   time.Time
	Start     time.Time
	End       time.Time
}

// Duration returns the time spent running tasks.
func (t Timing) Duration() time.Duration {
	return span(t.Start, t.End)
}

// ColdDuration returns the pool startup time.
func (t Timing) ColdDuration() time.Duration {
	return span(t.ColdStart, t.ColdEnd)
}

func span(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() {
		return 0
	}
	return to.Sub(from)
}

// Renderer subscribes to a pool and summarizes the batch when it ends.
type Renderer interface {
	Init(src Source, names Names) error
	Finish(t Timing) error
}

// New returns the renderer of the given kind writing to w.
func New(kind string, w io.Writer, verbose bool) (Renderer, error) {
	switch kind {
	case "", KindText:
		return NewText(w, verbose), nil
	case KindJSON:
		return NewJSON(w, verbose), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown renderer %q (want %s or %s)", kind, KindText, KindJSON)
}

// subscribe registers h for every event in events.
func subscribe(src Source, h fsm.Handler[worker.Event], events ...string) error {
	for _, ev := range events {
		if _, err := src.On(ev, h); err != nil {
			return err
		}
	}
	return nil
}

// graphName resolves the display name of the graph e reports on: names
// first, then the message, then the task ID.
func graphName(names Names, e worker.Event) string {
	if names != nil {
		if n := names(e.TaskID); n != "" {
			return n
		}
	}
	if m := e.Message; m != nil {
		if m.GraphName != "" {
			return m.GraphName
		}
		if m.GraphID != "" {
			return m.GraphID
		}
	}
	return e.TaskID
}

func errorOf(e worker.Event) *schema.ErrorPayload {
	if e.Message != nil && e.Message.Error != nil {
		return e.Message.Error
	}
	if e.Err != nil {
		return schema.ToPayload(e.Err)
	}
	return &schema.ErrorPayload{Message: "task failed"}
}
