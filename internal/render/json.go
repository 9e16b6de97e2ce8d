package render

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/rendis/control/internal/worker"
	"github.com/rendis/control/pkg/schema"
)

// Record is one line written by the JSON renderer.
type Record struct {
	Event     string               `json:"event"`
	TaskID    string               `json:"task_id,omitempty"`
	Graph     string               `json:"graph,omitempty"`
	WorkerID  int                  `json:"worker_id,omitempty"`
	NodeID    string               `json:"node_id,omitempty"`
	From      string               `json:"from,omitempty"`
	To        string               `json:"to,omitempty"`
	Error     *schema.ErrorPayload `json:"error,omitempty"`
	Seconds   float64              `json:"seconds,omitempty"`
	ColdStart float64              `json:"cold_start_seconds,omitempty"`
	Failed    int                  `json:"failed,omitempty"`
}

// JSON writes one JSON record per line.
type JSON struct {
	verbose bool

	mu     sync.Mutex
	enc    *json.Encoder
	names  Names
	failed int
}

// NewJSON returns a JSON lines renderer.
func NewJSON(w io.Writer, verbose bool) *JSON {
	return &JSON{enc: json.NewEncoder(w), verbose: verbose}
}

// Init implements Renderer.
func (r *JSON) Init(src Source, names Names) error {
	r.names = names
	events := []string{worker.EventTaskDone, worker.EventTaskError, worker.EventWorkerError}
	if r.verbose {
		events = append(events, worker.EventTaskStart, worker.EventNodeStateChanged)
	}
	return subscribe(src, r.handle, events...)
}

func (r *JSON) handle(e worker.Event) {
	rec := Record{Event: e.Type, TaskID: e.TaskID, WorkerID: e.WorkerID}
	if e.TaskID != "" {
		rec.Graph = graphName(r.names, e)
	}
	switch e.Type {
	case worker.EventTaskError:
		rec.Error = errorOf(e)
	case worker.EventWorkerError:
		rec.Error = schema.ToPayload(e.Err)
	case worker.EventNodeStateChanged:
		if e.Message != nil {
			rec.NodeID, rec.From, rec.To = e.Message.NodeID, e.Message.From, e.Message.To
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Type == worker.EventTaskError {
		r.failed++
	}
	_ = r.enc.Encode(rec)
}

// Finish implements Renderer.
func (r *JSON) Finish(t Timing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(Record{
		Event:     "finish",
		Seconds:   t.Duration().Seconds(),
		ColdStart: t.ColdDuration().Seconds(),
		Failed:    r.failed,
	})
}
