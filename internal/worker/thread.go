package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/rendis/control/internal/logging"
	"github.com/rendis/control/pkg/schema"
)

// EntryPoint is the code a worker runs. It must call port.Online once it is
// able to accept requests and return when ctx is cancelled. Returning an
// error, or panicking, exits the worker with code 1.
type EntryPoint func(ctx context.Context, port *Port) error

// ThreadEvents are the callbacks a Thread reports through. They are invoked
// from the thread's own goroutine; Exit is always the last one.
type ThreadEvents struct {
	Online  func()
	Message func(raw []byte)
	Error   func(err error)
	Exit    func(code int)
}

// Thread is one isolated execution context. Only bytes cross its boundary.
type Thread interface {
	Post(raw []byte) error
	// Terminate stops the thread and waits until it exited, returning its exit code.
	Terminate(ctx context.Context) (int, error)
}

// Spawner creates threads running entry. id identifies the thread in logs
// and events; data is the encoded WorkerData.
type Spawner interface {
	Spawn(id int, entry EntryPoint, data []byte, ev ThreadEvents) (Thread, error)
}

// Port is the worker side of a thread.
type Port struct {
	id     int
	data   []byte
	inbox  <-chan []byte
	ev     ThreadEvents
	once   sync.Once
	logger *slog.Logger
}

// NewPort builds a Port for custom Spawner implementations.
func NewPort(id int, data []byte, inbox <-chan []byte, ev ThreadEvents, logger *slog.Logger) *Port {
	if logger == nil {
		logger = slog.Default()
	}
	return &Port{id: id, data: data, inbox: inbox, ev: ev, logger: logger}
}

// ID returns the worker id assigned by the pool.
func (p *Port) ID() int {
	return p.id
}

// Logger returns the logger the worker should use.
func (p *Port) Logger() *slog.Logger {
	return p.logger
}

// Data decodes the worker data into v. Empty data leaves v untouched.
func (p *Port) Data(v any) error {
	if len(p.data) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.data, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode worker data: %v", err).WithCause(err)
	}
	return nil
}

// Online reports the worker ready. Only the first call has an effect.
func (p *Port) Online() {
	p.once.Do(func() {
		if p.ev.Online != nil {
			p.ev.Online()
		}
	})
}

// Recv blocks until the next request arrives or ctx is done.
func (p *Port) Recv(ctx context.Context) (schema.Request, error) {
	select {
	case raw := <-p.inbox:
		return decodeRequest(raw)
	case <-ctx.Done():
		return schema.Request{}, ctx.Err()
	}
}

// Send posts a protocol message to the pool.
func (p *Port) Send(msg schema.Message) error {
	raw, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if p.ev.Message != nil {
		p.ev.Message(raw)
	}
	return nil
}

// GoroutineSpawner runs every worker in its own goroutine. Workers share no
// memory with the pool: requests and messages are JSON encoded.
type GoroutineSpawner struct {
	Logger *slog.Logger
	// InboxSize bounds the requests buffered per worker.
	InboxSize int
}

// Spawn implements Spawner.
func (s GoroutineSpawner) Spawn(id int, entry EntryPoint, data []byte, ev ThreadEvents) (Thread, error) {
	if entry == nil {
		return nil, schema.NewError(schema.ErrCodeMissingEntryPoint, "worker entry point is required")
	}
	size := s.InboxSize
	if size <= 0 {
		size = 16
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = logging.WithWorkerID(ctx, id)
	inbox := make(chan []byte, size)

	t := &goroutineThread{
		inbox:  inbox,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	port := NewPort(id, data, inbox, ev, logging.LogWith(ctx, logger))

	go t.run(ctx, entry, port, ev)
	return t, nil
}

type goroutineThread struct {
	inbox  chan []byte
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	terminated bool
	code       int
}

func (t *goroutineThread) run(ctx context.Context, entry EntryPoint, port *Port, ev ThreadEvents) {
	code := 0
	defer func() {
		t.mu.Lock()
		t.code = code
		t.mu.Unlock()
		if ev.Exit != nil {
			ev.Exit(code)
		}
		close(t.done)
	}()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v\n%s", r, debug.Stack())
			}
		}()
		return entry(ctx, port)
	}()

	t.mu.Lock()
	terminated := t.terminated
	t.mu.Unlock()

	if err != nil && !terminated {
		code = 1
		if ev.Error != nil {
			ev.Error(err)
		}
	}
}

func (t *goroutineThread) Post(raw []byte) error {
	select {
	case <-t.done:
		return schema.NewError(schema.ErrCodeWorkerCrash, "worker exited")
	default:
	}
	select {
	case t.inbox <- raw:
		return nil
	case <-t.done:
		return schema.NewError(schema.ErrCodeWorkerCrash, "worker exited")
	}
}

func (t *goroutineThread) Terminate(ctx context.Context) (int, error) {
	t.mu.Lock()
	t.terminated = true
	t.mu.Unlock()
	t.cancel()

	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
