package output

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rendis/control/pkg/schema"
)

// FileSink buffers results and writes them as one JSON array on Close.
type FileSink struct {
	path string

	mu      sync.Mutex
	results []Result
}

// NewFileSink returns a sink writing to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Write implements Sink.
func (s *FileSink) Write(_ context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

// Close implements Sink. The file is replaced atomically.
func (s *FileSink) Close() error {
	s.mu.Lock()
	results := s.results
	if results == nil {
		results = []Result{}
	}
	data, err := json.MarshalIndent(results, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode results").WithCause(err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".control-output-*")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "cannot write output file %s", s.path).WithCause(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
