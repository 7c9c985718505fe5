package rpc

import "testing"

type fakeLogHandler struct {
	lines []string
}

func (f *fakeLogHandler) HandleLog(line string) {
	f.lines = append(f.lines, line)
}

func TestLogWriter_FanOut(t *testing.T) {
	w := NewLogWriter()
	h1 := &fakeLogHandler{}
	h2 := &fakeLogHandler{}
	w.RegisterHandler(h1)
	w.RegisterHandler(h2)

	n, err := w.Write([]byte("hello world\n"))
	if err != nil {
		t.Fatal(err)
	}
	if n != len("hello world\n") {
		t.Fatalf("expected Write to report the full byte count, got %d", n)
	}

	if len(h1.lines) != 1 || h1.lines[0] != "hello world" {
		t.Fatalf("expected h1 to receive the trimmed line, got %+v", h1.lines)
	}
	if len(h2.lines) != 1 || h2.lines[0] != "hello world" {
		t.Fatalf("expected h2 to receive the trimmed line, got %+v", h2.lines)
	}
}

func TestLogWriter_Deregister(t *testing.T) {
	w := NewLogWriter()
	h := &fakeLogHandler{}
	w.RegisterHandler(h)
	w.DeregisterHandler(h)

	w.Write([]byte("ignored\n"))
	if len(h.lines) != 0 {
		t.Fatalf("expected a deregistered handler to receive nothing, got %+v", h.lines)
	}
}
