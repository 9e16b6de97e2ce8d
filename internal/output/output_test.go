package output

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/control/internal/fsm"
	"github.com/rendis/control/internal/logging"
	"github.com/rendis/control/internal/worker"
	"github.com/rendis/control/pkg/schema"
)

func sampleResult() Result {
	return Result{
		TaskID:       "t1",
		GraphID:      "g",
		GraphName:    "Graph",
		Status:       StatusDone,
		WorkerID:     2,
		FinalOutputs: map[string]any{"b": float64(4)},
		FinalNodes:   []string{"b"},
		FinishedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// --- Open ---

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "results.json", logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "results.json", s.(*FileSink).path)

	s, err = Open(ctx, "file:///tmp/out.json", logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out.json", s.(*FileSink).path)

	_, err = Open(ctx, "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = Open(ctx, "ftp://host/x", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	s, err = Open(ctx, "redis://localhost:6379/0?ttl=soon", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Nil(t, s)
}

func TestSplitParams(t *testing.T) {
	u, err := url.Parse("postgres://u:p@db:5432/app?sslmode=disable&table=runs")
	require.NoError(t, err)

	params, rest := splitParams(u, "table")
	assert.Equal(t, "runs", params["table"])
	assert.Equal(t, "postgres://u:p@db:5432/app?sslmode=disable", rest)
}

// --- FileSink ---

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	s := NewFileSink(path)

	require.NoError(t, s.Write(context.Background(), sampleResult()))
	failed := sampleResult()
	failed.TaskID, failed.Status = "t2", StatusError
	failed.Error = &schema.ErrorPayload{Code: schema.ErrCodeGraph, Message: "boom"}
	require.NoError(t, s.Write(context.Background(), failed))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got []Result
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 2)
	assert.Equal(t, float64(4), got[0].FinalOutputs["b"])
	assert.Equal(t, StatusError, got[1].Status)
	assert.Equal(t, "boom", got[1].Error.Message)
	assert.True(t, got[0].StartedAt.IsZero())
}

func TestFileSink_EmptyWritesArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, NewFileSink(path).Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}

func TestFileSink_MissingDirectory(t *testing.T) {
	s := NewFileSink(filepath.Join(t.TempDir(), "missing", "out.json"))
	assert.True(t, schema.HasCode(s.Close(), schema.ErrCodeNotFound))
}

// --- RedisSink ---

type fakeRedis struct {
	mu        sync.Mutex
	sets      map[string][]byte
	ttls      map[string]time.Duration
	published map[string][][]byte
	err       error
	closed    bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{sets: map[string][]byte{}, ttls: map[string]time.Duration{}, published: map[string][][]byte{}}
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.sets[key] = value.([]byte)
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel] = append(f.published[channel], message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisSink(t *testing.T) {
	fake := newFakeRedis()
	s := newRedisSink(fake, RedisOptions{})

	require.NoError(t, s.Write(context.Background(), sampleResult()))
	require.Contains(t, fake.sets, "control:result:t1")
	assert.Equal(t, DefaultRedisTTL, fake.ttls["control:result:t1"])

	var stored Result
	require.NoError(t, json.Unmarshal(fake.sets["control:result:t1"], &stored))
	assert.Equal(t, "g", stored.GraphID)
	assert.Len(t, fake.published[DefaultRedisChannel], 1)

	require.NoError(t, s.Close())
	assert.True(t, fake.closed)
}

func TestRedisSink_Options(t *testing.T) {
	fake := newFakeRedis()
	s := newRedisSink(fake, RedisOptions{Prefix: "p:", Channel: "c", TTL: time.Minute})

	require.NoError(t, s.Write(context.Background(), sampleResult()))
	assert.Equal(t, time.Minute, fake.ttls["p:t1"])
	assert.Len(t, fake.published["c"], 1)
}

func TestRedisSink_Error(t *testing.T) {
	fake := newFakeRedis()
	fake.err = errors.New("READONLY")
	s := newRedisSink(fake, RedisOptions{})

	err := s.Write(context.Background(), sampleResult())
	assert.ErrorContains(t, err, "READONLY")
	assert.Empty(t, fake.published)
}

// --- AMQPSink ---

type fakeChannel struct {
	mu     sync.Mutex
	pubs   []amqp.Publishing
	keys   []string
	err    error
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, exchange+"/"+key)
	f.pubs = append(f.pubs, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPSink(t *testing.T) {
	ch := &fakeChannel{}
	s := &AMQPSink{ch: ch, exchange: DefaultExchange, logger: logging.Discard()}

	require.NoError(t, s.Write(context.Background(), sampleResult()))
	failed := sampleResult()
	failed.Status = StatusError
	require.NoError(t, s.Write(context.Background(), failed))

	assert.Equal(t, []string{"control.results/task.done", "control.results/task.error"}, ch.keys)
	pub := ch.pubs[0]
	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.Equal(t, "t1", pub.CorrelationId)
	assert.NotEmpty(t, pub.MessageId)

	var body Result
	require.NoError(t, json.Unmarshal(pub.Body, &body))
	assert.Equal(t, "Graph", body.GraphName)

	require.NoError(t, s.Close())
	assert.True(t, ch.closed)
}

func TestAMQPSink_PublishError(t *testing.T) {
	s := &AMQPSink{ch: &fakeChannel{err: amqp.ErrClosed}, exchange: "x", logger: logging.Discard()}
	assert.ErrorIs(t, s.Write(context.Background(), sampleResult()), amqp.ErrClosed)
}

// --- PostgresSink ---

type execCall struct {
	sql  string
	args []any
}

type fakeExec struct {
	calls []execCall
	err   error
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestPostgresSink(t *testing.T) {
	db := &fakeExec{}
	s := newPostgresSink(db, "")
	require.NoError(t, s.migrate(context.Background()))
	require.NoError(t, s.Write(context.Background(), sampleResult()))

	require.Len(t, db.calls, 2)
	assert.Contains(t, db.calls[0].sql, `CREATE TABLE IF NOT EXISTS "control_results"`)
	assert.Contains(t, db.calls[1].sql, `INSERT INTO "control_results"`)

	args := db.calls[1].args
	require.Len(t, args, 11)
	assert.Equal(t, "t1", args[0])
	assert.Equal(t, StatusDone, args[3])
	assert.JSONEq(t, `{"b":4}`, string(args[5].([]byte)))
	assert.Nil(t, args[6].([]byte), "empty output stack is stored as NULL")
	assert.JSONEq(t, `["b"]`, string(args[7].([]byte)))
	assert.Nil(t, args[8].([]byte))
	assert.Nil(t, args[9].(*time.Time))

	assert.NoError(t, s.Close())
}

func TestPostgresSink_QuotesTable(t *testing.T) {
	db := &fakeExec{}
	s := newPostgresSink(db, `runs"; DROP TABLE x; --`)
	require.NoError(t, s.Write(context.Background(), sampleResult()))
	assert.Contains(t, db.calls[0].sql, `INSERT INTO "runs""; DROP TABLE x; --"`)
}

func TestPostgresSink_Error(t *testing.T) {
	s := newPostgresSink(&fakeExec{err: errors.New("conn refused")}, "")
	assert.ErrorContains(t, s.Write(context.Background(), sampleResult()), "conn refused")
	assert.ErrorContains(t, s.migrate(context.Background()), "create table")
}

// --- Collector ---

type memorySink struct {
	mu      sync.Mutex
	results []Result
	err     error
	closed  bool
}

func (m *memorySink) Write(_ context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return m.err
}

func (m *memorySink) Close() error {
	m.closed = true
	return nil
}

func TestCollector(t *testing.T) {
	src := fsm.NewEmitter[worker.Event]()
	sink := &memorySink{}
	c := NewCollector(context.Background(), logging.Discard(), sink)
	require.NoError(t, c.Attach(src))

	src.Emit(worker.EventTaskStart, worker.Event{Type: worker.EventTaskStart, TaskID: "t1", WorkerID: 1})
	src.Emit(worker.EventTaskDone, worker.Event{
		Type:     worker.EventTaskDone,
		TaskID:   "t1",
		WorkerID: 1,
		Message: &schema.Message{
			Type:         schema.MessageTaskDone,
			TaskID:       "t1",
			GraphID:      "g",
			GraphName:    "G",
			FinalOutputs: map[string]any{"x": 1},
			FinalNodes:   []string{"x"},
		},
	})
	src.Emit(worker.EventTaskError, worker.Event{
		Type:   worker.EventTaskError,
		TaskID: "t2",
		Err:    schema.NewError(schema.ErrCodeWorkerCrash, "worker exited"),
	})

	results := c.Results()
	require.Len(t, results, 2)

	assert.Equal(t, StatusDone, results[0].Status)
	assert.Equal(t, "G", results[0].GraphName)
	assert.Equal(t, []string{"x"}, results[0].FinalNodes)
	assert.False(t, results[0].StartedAt.IsZero())
	assert.False(t, results[0].FinishedAt.Before(results[0].StartedAt))

	assert.Equal(t, StatusError, results[1].Status)
	require.NotNil(t, results[1].Error)
	assert.Equal(t, schema.ErrCodeWorkerCrash, results[1].Error.Code)
	assert.True(t, results[1].StartedAt.IsZero())

	assert.Len(t, sink.results, 2)
	require.NoError(t, c.Close())
	assert.True(t, sink.closed)
}

func TestCollector_ReportsWriteErrors(t *testing.T) {
	src := fsm.NewEmitter[worker.Event]()
	sink := &memorySink{err: errors.New("disk full")}
	c := NewCollector(context.Background(), logging.Discard(), sink)
	require.NoError(t, c.Attach(src))

	src.Emit(worker.EventTaskDone, worker.Event{Type: worker.EventTaskDone, TaskID: "t"})
	assert.ErrorContains(t, c.Close(), "disk full")
}
