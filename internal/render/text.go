package render

import (
	"fmt"
	"io"
	"sync"

	"github.com/rendis/control/internal/worker"
	"github.com/rendis/control/pkg/schema"
)

// Text prints one line per finished task and lists the failures at the end.
type Text struct {
	w       io.Writer
	verbose bool

	mu     sync.Mutex
	names  Names
	order  []string
	errors map[string]*schema.ErrorPayload
}

// NewText returns a text renderer. Verbose also prints task starts and node
// state changes.
func NewText(w io.Writer, verbose bool) *Text {
	return &Text{w: w, verbose: verbose, errors: make(map[string]*schema.ErrorPayload)}
}

// Init implements Renderer.
func (r *Text) Init(src Source, names Names) error {
	r.names = names
	events := []string{worker.EventTaskDone, worker.EventTaskError, worker.EventWorkerError}
	if r.verbose {
		events = append(events, worker.EventTaskStart, worker.EventNodeStateChanged)
	}
	return subscribe(src, r.handle, events...)
}

func (r *Text) handle(e worker.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := graphName(r.names, e)
	switch e.Type {
	case worker.EventTaskStart:
		fmt.Fprintf(r.w, "%s STARTED on worker %d\n", name, e.WorkerID)
	case worker.EventTaskDone:
		fmt.Fprintf(r.w, "%s DONE on worker %d\n", name, e.WorkerID)
	case worker.EventTaskError:
		fmt.Fprintf(r.w, "%s ERROR on worker %d\n", name, e.WorkerID)
		if _, seen := r.errors[name]; !seen {
			r.order = append(r.order, name)
		}
		r.errors[name] = errorOf(e)
	case worker.EventNodeStateChanged:
		if e.Message != nil {
			fmt.Fprintf(r.w, "%s   %s: %s -> %s\n", name, e.Message.NodeID, e.Message.From, e.Message.To)
		}
	case worker.EventWorkerError:
		fmt.Fprintf(r.w, "WORKER ERROR %d: %v\n", e.WorkerID, e.Err)
	}
}

// Finish implements Renderer.
func (r *Text) Finish(t Timing) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, cold := t.Duration(), t.ColdDuration()
	if task > 0 {
		fmt.Fprintf(r.w, "\nDone in %.3f seconds\n", task.Seconds())
	}
	if cold > 0 {
		fmt.Fprintf(r.w, "Cold startup took %.3f seconds\n", cold.Seconds())
	}
	if task > 0 && cold > 0 {
		fmt.Fprintf(r.w, "Total: %.3f seconds\n", (task + cold).Seconds())
	}

	if len(r.order) == 0 {
		return nil
	}
	fmt.Fprintln(r.w, "\n============ ERRORS ============")
	for _, name := range r.order {
		p := r.errors[name]
		fmt.Fprintf(r.w, "Graph: %s\n", name)
		fmt.Fprintln(r.w, p.Message)
		for _, ne := range p.Errors {
			fmt.Fprintf(r.w, "  - %s: %s\n", ne.NodeID, ne.Message)
		}
		fmt.Fprintln(r.w, "----------")
	}
	return nil
}
