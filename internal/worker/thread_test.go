package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/control/internal/logging"
	"github.com/rendis/control/pkg/schema"
)

type threadLog struct {
	online chan struct{}
	errs   chan error
	exit   chan int
	msgs   chan []byte
}

func newThreadLog() *threadLog {
	return &threadLog{
		online: make(chan struct{}, 1),
		errs:   make(chan error, 1),
		exit:   make(chan int, 1),
		msgs:   make(chan []byte, 8),
	}
}

func (l *threadLog) events() ThreadEvents {
	return ThreadEvents{
		Online:  func() { l.online <- struct{}{} },
		Message: func(raw []byte) { l.msgs <- raw },
		Error:   func(err error) { l.errs <- err },
		Exit:    func(code int) { l.exit <- code },
	}
}

func spawner() GoroutineSpawner {
	return GoroutineSpawner{Logger: logging.Discard()}
}

func waitExit(t *testing.T, l *threadLog) int {
	t.Helper()
	select {
	case code := <-l.exit:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("thread did not exit")
		return -1
	}
}

func TestGoroutineSpawner_MissingEntry(t *testing.T) {
	_, err := spawner().Spawn(1, nil, nil, ThreadEvents{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeMissingEntryPoint))
}

func TestGoroutineSpawner_EchoAndTerminate(t *testing.T) {
	l := newThreadLog()
	entry := func(ctx context.Context, port *Port) error {
		var data schema.WorkerData
		if err := port.Data(&data); err != nil {
			return err
		}
		assert.Equal(t, []string{"nodes"}, data.NodeDirs)
		assert.Equal(t, 7, port.ID())

		port.Online()
		port.Online()
		req, err := port.Recv(ctx)
		if err != nil {
			return nil
		}
		_ = port.Send(schema.Message{Type: schema.MessageTaskStart, TaskID: req.TaskID})
		<-ctx.Done()
		return ctx.Err()
	}

	th, err := spawner().Spawn(7, entry, []byte(`{"nodes_dir":["nodes"]}`), l.events())
	require.NoError(t, err)

	<-l.online
	raw, err := encodeRequest(schema.Request{TaskID: "abc"})
	require.NoError(t, err)
	require.NoError(t, th.Post(raw))

	msg, err := decodeMessage(<-l.msgs)
	require.NoError(t, err)
	assert.Equal(t, schema.MessageTaskStart, msg.Type)
	assert.Equal(t, "abc", msg.TaskID)

	code, err := th.Terminate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, 0, waitExit(t, l))
	assert.Empty(t, l.errs)
	assert.Empty(t, l.online)

	assert.True(t, schema.HasCode(th.Post(raw), schema.ErrCodeWorkerCrash))
}

func TestGoroutineSpawner_ErrorExitsWithCrashCode(t *testing.T) {
	l := newThreadLog()
	_, err := spawner().Spawn(1, func(context.Context, *Port) error { return errors.New("bad") }, nil, l.events())
	require.NoError(t, err)

	assert.Equal(t, 1, waitExit(t, l))
	assert.EqualError(t, <-l.errs, "bad")
}

func TestGoroutineSpawner_PanicExitsWithCrashCode(t *testing.T) {
	l := newThreadLog()
	_, err := spawner().Spawn(1, func(context.Context, *Port) error { panic("kaboom") }, nil, l.events())
	require.NoError(t, err)

	assert.Equal(t, 1, waitExit(t, l))
	assert.Contains(t, (<-l.errs).Error(), "kaboom")
}

func TestGoroutineSpawner_TerminateTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	th, err := spawner().Spawn(1, func(context.Context, *Port) error {
		<-release
		return nil
	}, nil, ThreadEvents{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = th.Terminate(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCodec(t *testing.T) {
	_, err := decodeMessage([]byte(`{"type":"bogus","task_id":"x"}`))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = decodeMessage([]byte(`not json`))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = encodeMessage(schema.Message{Type: "bogus"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = encodeMessage(schema.Message{
		Type:         schema.MessageTaskDone,
		FinalOutputs: map[string]any{"ch": make(chan int)},
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	raw, err := encodeRequest(schema.Request{TaskID: "t", Payload: schema.TaskPayload{Graph: &schema.GraphConfig{ID: "g"}}})
	require.NoError(t, err)
	req, err := decodeRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "g", req.Payload.Graph.ID)
}
