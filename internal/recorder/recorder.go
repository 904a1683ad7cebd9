// Package recorder appends raw protocol traffic to per-hierarchy transcript
// files. One background writer owns each file handle; appends from any
// goroutine are serialized through its queue.
package recorder

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("recorder closed")

// Record is one transcript line.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Direction string          `json:"direction"` // "in" | "out"
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Recorder writes records to a single file in arrival order. The file handle
// is owned solely by the writer goroutine; every write is flushed before the
// next is taken.
type Recorder struct {
	path string
	ch   chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// New opens (or creates) the transcript file and starts the writer.
func New(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		path: path,
		ch:   make(chan []byte, 128),
		done: make(chan struct{}),
	}

	go func() {
		defer close(r.done)
		defer f.Close()
		for line := range r.ch {
			if _, err := f.Write(line); err != nil {
				continue
			}
			_ = f.Sync()
		}
	}()

	return r, nil
}

// Path returns the transcript file path.
func (r *Recorder) Path() string {
	return r.path
}

// Append enqueues one record. Order of appends from a single goroutine is
// preserved in the file.
func (r *Recorder) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.ch <- line
	return nil
}

// Close drains pending records and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	<-r.done
	return nil
}
