package rpc

import (
	"bytes"
	"sync"
)

// logHandler receives each log line written through a LogWriter.
type logHandler interface {
	HandleLog(line string)
}

// LogWriter is an io.Writer that fans every line written to it out to a
// dynamic set of registered handlers, used to back the `monitor` RPC
// command's log subscription without coupling it to any particular
// logging library.
type LogWriter struct {
	mu       sync.Mutex
	handlers map[logHandler]struct{}
}

// NewLogWriter returns an empty LogWriter; wire it in as a mesh/rpc
// Config's LogOutput (or as one side of an io.MultiWriter) to make its
// output monitorable over RPC.
func NewLogWriter() *LogWriter {
	return &LogWriter{handlers: make(map[logHandler]struct{})}
}

func (w *LogWriter) RegisterHandler(h logHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[h] = struct{}{}
}

func (w *LogWriter) DeregisterHandler(h logHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.handlers, h)
}

func (w *LogWriter) Write(p []byte) (int, error) {
	line := string(bytes.TrimRight(p, "\n"))

	w.mu.Lock()
	defer w.mu.Unlock()
	for h := range w.handlers {
		h.HandleLog(line)
	}
	return len(p), nil
}

func (s *Server) registerLogHandler(h logHandler) {
	if s.logWriter != nil {
		s.logWriter.RegisterHandler(h)
	}
}

func (s *Server) deregisterLogHandler(h logHandler) {
	if s.logWriter != nil {
		s.logWriter.DeregisterHandler(h)
	}
}
