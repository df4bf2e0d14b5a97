package logging

import (
	"os"
	"sync"
)

// Sink is a reopenable byte sink, modeling original_source/horned.py's
// Logfile: writes are delegated to the current underlying file, and
// Reopen() swaps in a freshly opened file without disturbing in-flight
// writers any more than the original's "open new file, then rebind"
// dance does.
type Sink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewSink wraps an already-open file (e.g. os.Stdout/os.Stderr) that has
// no backing path and therefore cannot be reopened, matching the
// original's handling of non-string filename arguments.
func NewSink(f *os.File) *Sink {
	return &Sink{file: f}
}

// NewPathSink opens path in append mode and wraps it in a reopenable
// Sink.
func NewPathSink(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Sink{path: path, file: f}, nil
}

// Write implements io.Writer.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Write(p)
}

// Reopen opens path anew, swaps it in and then closes the previous file,
// for log rotation (spec.md §6.2, SIGUSR1). If the open fails, the error
// is returned and the previous file stays in use. If the sink has no
// path (wraps stdout/stderr directly) Reopen is a no-op success,
// matching the original's
// Logfile.reopen() returning False when "not self.filename".
func (s *Sink) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	newFile, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	old := s.file
	s.file = newFile
	_ = old.Close()
	return nil
}
